// Package errors provides graceful startup error handling for the nipgate
// process. Failures during startup (configuration, listener binding) are
// funneled through an ErrorHandler that turns them into a deterministic
// non-zero exit code instead of a panic or a half-started process.
package errors

import (
	"fmt"
	"log"
	"os"
)

// GracefulError carries the failing operation name alongside the cause.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

// ErrorHandler collects fatal startup errors and resolves them into a
// process exit code. It writes directly to stderr because the structured
// logger may not be initialized yet when errors arrive.
type ErrorHandler struct {
	exitCode chan int
	logger   *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitCode: make(chan int, 1),
		logger:   log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

// FatalError reports a failed startup operation (listener bind, logger
// setup, server construction).
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.fail("FATAL: %v", &GracefulError{Operation: operation, Err: err})
}

// ConfigError reports a configuration file that could not be read or parsed.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.fail("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.fail("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
}

// ValidationError reports a configuration value that failed validation.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.fail("ERROR: invalid configuration - %s: %v", field, err)
}

func (eh *ErrorHandler) fail(format string, args ...any) {
	eh.logger.Printf(format, args...)

	// Only the first error decides the exit code
	select {
	case eh.exitCode <- 1:
	default:
	}
}

// WaitForExit blocks until an error has been reported and returns the
// process exit code to use.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitCode
}
