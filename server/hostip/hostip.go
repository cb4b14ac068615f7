// Package hostip decodes proxy destinations from DNS hostnames.
//
// The destination IP address, and optionally the destination port, are
// carried in the first label of the Host header, nip.io style:
//
//	10-0-0-5.example.test          -> 10.0.0.5 (default port)
//	127-0-0-1-8080.example.test    -> 127.0.0.1:8080
//	2001-db8--1.example.test       -> 2001:db8::1 (default port)
//	--1-p8080.example.test         -> [::1]:8080
//
// IPv4 addresses are four decimal octets joined by dashes, with an optional
// fifth decimal component as the port. IPv6 addresses substitute dashes for
// colons ("--" for "::"); an IPv6 port rides in a final "p<port>" component,
// which cannot be confused with a hex group. Decoding first tries the whole
// label as a bare address, so Encode and Decode round-trip.
//
// Decoding is pure: no DNS lookups, no I/O. Policy violations and malformed
// labels are distinguished so callers can map them to 403 and 400.
package hostip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrMalformed marks Host values that do not encode a destination.
	ErrMalformed = errors.New("malformed destination hostname")

	// ErrPolicyRejected marks well-formed destinations the policy forbids.
	ErrPolicyRejected = errors.New("destination rejected by policy")
)

// Destination is a decoded upstream address.
type Destination struct {
	Addr netip.Addr
	Port uint16
}

// String returns the dialable "host:port" form.
func (d Destination) String() string {
	return netip.AddrPortFrom(d.Addr, d.Port).String()
}

// Policy restricts which decoded destinations may be dialed. The zero value
// allows any port and applies only the built-in address class checks.
type Policy struct {
	PortMin        int
	PortMax        int
	DeniedNetworks []netip.Prefix
	AllowLoopback  bool
	AllowPrivate   bool
}

// DefaultDeniedNetworks returns the baseline denylist: the IPv4 link-local
// range (which contains the cloud metadata address 169.254.169.254) and the
// IPv6 link-local range.
func DefaultDeniedNetworks() []netip.Prefix {
	return []netip.Prefix{
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fe80::/10"),
	}
}

// Check validates a destination against the policy. Unspecified, multicast
// and link-local addresses are always rejected; loopback and private ranges
// require their explicit allow flags.
func (p Policy) Check(addr netip.Addr, port uint16) error {
	if p.PortMin > 0 && int(port) < p.PortMin {
		return fmt.Errorf("%w: port %d below allowed minimum %d", ErrPolicyRejected, port, p.PortMin)
	}
	if p.PortMax > 0 && int(port) > p.PortMax {
		return fmt.Errorf("%w: port %d above allowed maximum %d", ErrPolicyRejected, port, p.PortMax)
	}

	if addr.IsUnspecified() {
		return fmt.Errorf("%w: unspecified address %s", ErrPolicyRejected, addr)
	}
	if addr.IsMulticast() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: non-unicast or link-local address %s", ErrPolicyRejected, addr)
	}
	if addr.IsLoopback() && !p.AllowLoopback {
		return fmt.Errorf("%w: loopback address %s", ErrPolicyRejected, addr)
	}
	if addr.IsPrivate() && !p.AllowPrivate {
		return fmt.Errorf("%w: private address %s", ErrPolicyRejected, addr)
	}

	for _, prefix := range p.DeniedNetworks {
		if prefix.Contains(addr) {
			return fmt.Errorf("%w: address %s in denied network %s", ErrPolicyRejected, addr, prefix)
		}
	}

	return nil
}

// Codec decodes Host header values into destinations.
type Codec struct {
	// Suffix, when non-empty, is a domain suffix the Host must carry
	// (e.g. ".example.test"). Hosts outside the suffix are malformed.
	Suffix string

	// DefaultPort is used when the label carries no port.
	DefaultPort uint16

	// Policy is applied to every decoded destination.
	Policy Policy
}

// Decode extracts and validates the destination from a Host header value.
// A ":port" on the Host itself (the proxy's own listener port) is ignored;
// only the encoded port or the default port select the upstream port.
// Errors wrap ErrMalformed or ErrPolicyRejected.
func (c *Codec) Decode(hostHeader string) (Destination, error) {
	host := strings.TrimSpace(hostHeader)
	if host == "" {
		return Destination{}, fmt.Errorf("%w: empty Host header", ErrMalformed)
	}

	if strings.Contains(host, ":") {
		h, _, err := net.SplitHostPort(host)
		if err != nil {
			return Destination{}, fmt.Errorf("%w: invalid Host %q", ErrMalformed, hostHeader)
		}
		host = h
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if c.Suffix != "" {
		suffix := strings.ToLower(c.Suffix)
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		if !strings.HasSuffix(host, suffix) {
			return Destination{}, fmt.Errorf("%w: host %q outside domain %q", ErrMalformed, host, suffix)
		}
	}

	label, _, _ := strings.Cut(host, ".")
	addr, port, err := decodeLabel(label)
	if err != nil {
		return Destination{}, err
	}
	if port == 0 {
		port = c.DefaultPort
	}

	if err := c.Policy.Check(addr, port); err != nil {
		return Destination{}, err
	}

	return Destination{Addr: addr, Port: port}, nil
}

// Encode returns the DNS label for a destination. A zero port encodes the
// bare address form. 4-in-6 mapped addresses encode as their IPv4 form,
// matching Decode's unmapping; the mapped spelling contains dots and would
// not be a valid label.
func Encode(d Destination) string {
	addr := d.Addr.Unmap()
	if addr.Is4() {
		o := addr.As4()
		label := fmt.Sprintf("%d-%d-%d-%d", o[0], o[1], o[2], o[3])
		if d.Port != 0 {
			label += fmt.Sprintf("-%d", d.Port)
		}
		return label
	}

	label := strings.ReplaceAll(addr.String(), ":", "-")
	if d.Port != 0 {
		label += fmt.Sprintf("-p%d", d.Port)
	}
	return label
}

func decodeLabel(label string) (netip.Addr, uint16, error) {
	if label == "" {
		return netip.Addr{}, 0, fmt.Errorf("%w: empty label", ErrMalformed)
	}

	parts := strings.Split(label, "-")

	// Bare address, no port
	if addr, ok := partsToAddr(parts); ok {
		return addr, 0, nil
	}

	if len(parts) >= 2 {
		last := parts[len(parts)-1]

		// IPv6 (or IPv4) with an explicit p-marked port
		if digits, hasMarker := strings.CutPrefix(last, "p"); hasMarker && digits != "" {
			port, err := parsePort(digits)
			if err != nil {
				return netip.Addr{}, 0, err
			}
			if addr, ok := partsToAddr(parts[:len(parts)-1]); ok {
				return addr, port, nil
			}
		}

		// IPv4 with a trailing decimal port
		if len(parts) == 5 && isDecimal(last) {
			port, err := parsePort(last)
			if err != nil {
				return netip.Addr{}, 0, err
			}
			if addr, ok := partsToAddr(parts[:4]); ok && addr.Is4() {
				return addr, port, nil
			}
		}
	}

	return netip.Addr{}, 0, fmt.Errorf("%w: label %q does not encode an address", ErrMalformed, label)
}

// partsToAddr interprets dash-separated components as an IP address:
// four decimal octets as IPv4, otherwise colon-rejoined as IPv6.
func partsToAddr(parts []string) (netip.Addr, bool) {
	if len(parts) == 4 && allDecimal(parts) {
		addr, err := netip.ParseAddr(strings.Join(parts, "."))
		if err == nil && addr.Is4() {
			return addr, true
		}
		return netip.Addr{}, false
	}

	if len(parts) >= 3 {
		addr, err := netip.ParseAddr(strings.Join(parts, ":"))
		if err == nil && addr.Is6() {
			// Hex-form v4-mapped addresses collapse to their IPv4 meaning
			return addr.Unmap(), true
		}
	}

	return netip.Addr{}, false
}

func allDecimal(parts []string) bool {
	for _, p := range parts {
		if !isDecimal(p) {
			return false
		}
	}
	return true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, s)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: port 0 is not a valid destination port", ErrMalformed)
	}
	return uint16(n), nil
}
