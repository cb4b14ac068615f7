// nipgate is a transparent HTTP reverse proxy that decodes its upstream
// destination from the first DNS label of each request's Host header,
// nip.io style: 10-0-0-5.example.test routes to 10.0.0.5.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/nipgate/nipgate/config"
	"github.com/nipgate/nipgate/logger"
	gracefulerrors "github.com/nipgate/nipgate/pkg/errors"
	"github.com/nipgate/nipgate/server/hostip"
	"github.com/nipgate/nipgate/server/httpproxy"
	"github.com/nipgate/nipgate/server/statusapi"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", *showVersion, "print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nipgate %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	errorHandler := gracefulerrors.NewErrorHandler()

	explicitConfig := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})

	cfg := config.NewDefaultConfig()
	if err := config.Load(*configPath, &cfg); err != nil {
		// A missing default config file is fine; run on built-in defaults.
		if !errors.Is(err, fs.ErrNotExist) || explicitConfig {
			errorHandler.ConfigError(*configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		errorHandler.FatalError("logger initialization", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("nipgate %s starting", version)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	connectTimeout, _ := cfg.Server.GetConnectTimeout()
	idleTimeout, _ := cfg.Server.GetIdleTimeout()
	readHeaderTimeout, _ := cfg.Server.GetReadHeaderTimeout()
	maxIdleConnAge, _ := cfg.Server.GetMaxIdleConnAge()

	policy := hostip.Policy{
		PortMin:        cfg.Policy.PortMin,
		PortMax:        cfg.Policy.PortMax,
		DeniedNetworks: deniedNetworks(cfg.Policy.DeniedNetworks),
		AllowLoopback:  cfg.Policy.AllowLoopback,
		AllowPrivate:   cfg.Policy.AllowPrivate,
	}

	proxySrv, err := httpproxy.New(rootCtx, hostname, cfg.Server.Addr, httpproxy.ServerOptions{
		Name:                  cfg.Server.Name,
		Debug:                 cfg.Server.Debug,
		HostSuffix:            cfg.Server.HostSuffix,
		DefaultPort:           cfg.Server.DefaultPort,
		Policy:                policy,
		ConnectTimeout:        connectTimeout,
		IdleTimeout:           idleTimeout,
		ReadHeaderTimeout:     readHeaderTimeout,
		MaxIdleConnAge:        maxIdleConnAge,
		MaxIdlePerDestination: cfg.Server.MaxIdlePerDestination,
		MaxConnections:        cfg.Server.MaxConnections,
		MaxConnectionsPerIP:   cfg.Server.MaxConnectionsPerIP,
		TrustedNetworks:       cfg.Server.TrustedNetworks,
	})
	if err != nil {
		errorHandler.FatalError("proxy server setup", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := make(chan error, 2)

	if cfg.Status.Enabled {
		statusSrv, err := statusapi.New(proxySrv, statusapi.Options{
			Addr:   cfg.Status.Addr,
			APIKey: cfg.Status.APIKey,
		})
		if err != nil {
			errorHandler.FatalError("status server setup", err)
			os.Exit(errorHandler.WaitForExit())
		}
		go func() {
			if err := statusSrv.Start(rootCtx); err != nil {
				errChan <- err
			}
		}()
	}

	go func() {
		if err := proxySrv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		proxySrv.Stop()
		logger.Info("Shutdown complete")
	case err := <-errChan:
		cancel()
		proxySrv.Stop()
		errorHandler.FatalError("server runtime", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// deniedNetworks merges the built-in denylist with configured CIDRs. The
// configuration is already validated, so unparseable entries are skipped.
func deniedNetworks(configured []string) []netip.Prefix {
	denied := hostip.DefaultDeniedNetworks()
	for _, n := range configured {
		if prefix, err := netip.ParsePrefix(n); err == nil {
			denied = append(denied, prefix)
			continue
		}
		if addr, err := netip.ParseAddr(n); err == nil {
			denied = append(denied, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return denied
}
