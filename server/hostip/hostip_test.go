package hostip

import (
	"errors"
	"net/netip"
	"testing"
)

func openPolicy() Policy {
	return Policy{AllowLoopback: true, AllowPrivate: true}
}

func TestDecode(t *testing.T) {
	codec := &Codec{
		DefaultPort: 80,
		Policy:      openPolicy(),
	}

	tests := []struct {
		name     string
		host     string
		wantAddr string
		wantPort uint16
		wantErr  error
	}{
		{
			name:     "ipv4 default port",
			host:     "10-0-0-5.example.test",
			wantAddr: "10.0.0.5",
			wantPort: 80,
		},
		{
			name:     "ipv4 with port",
			host:     "127-0-0-1-8080.example.test",
			wantAddr: "127.0.0.1",
			wantPort: 8080,
		},
		{
			name:     "ipv4 with p-marked port",
			host:     "192-168-1-10-p3000.example.test",
			wantAddr: "192.168.1.10",
			wantPort: 3000,
		},
		{
			name:     "ipv6 loopback",
			host:     "--1.example.test",
			wantAddr: "::1",
			wantPort: 80,
		},
		{
			name:     "ipv6 with port",
			host:     "--1-p8080.example.test",
			wantAddr: "::1",
			wantPort: 8080,
		},
		{
			name:     "ipv6 full",
			host:     "2001-db8--1.example.test",
			wantAddr: "2001:db8::1",
			wantPort: 80,
		},
		{
			name:     "host header with listener port",
			host:     "10-0-0-5.example.test:8080",
			wantAddr: "10.0.0.5",
			wantPort: 80,
		},
		{
			name:     "uppercase host",
			host:     "2001-DB8--1.EXAMPLE.TEST",
			wantAddr: "2001:db8::1",
			wantPort: 80,
		},
		{
			name:     "trailing dot",
			host:     "10-0-0-5.example.test.",
			wantAddr: "10.0.0.5",
			wantPort: 80,
		},
		{
			name:     "bare label without domain",
			host:     "127-0-0-1-8080",
			wantAddr: "127.0.0.1",
			wantPort: 8080,
		},
		{
			name:    "not an address",
			host:    "not-an-address.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "empty host",
			host:    "",
			wantErr: ErrMalformed,
		},
		{
			name:    "plain website host",
			host:    "www.example.com",
			wantErr: ErrMalformed,
		},
		{
			name:    "octet out of range",
			host:    "300-0-0-1.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "leading zero octet",
			host:    "010-0-0-1.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "port zero",
			host:    "10-0-0-5-0.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "port too large",
			host:    "10-0-0-5-70000.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "too few octets",
			host:    "10-0-5.example.test",
			wantErr: ErrMalformed,
		},
		{
			name:    "empty p port",
			host:    "10-0-0-5-p.example.test",
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := codec.Decode(tt.host)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode(%q) error = %v, want %v", tt.host, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) unexpected error: %v", tt.host, err)
			}
			if got := dest.Addr.String(); got != tt.wantAddr {
				t.Errorf("Decode(%q) addr = %s, want %s", tt.host, got, tt.wantAddr)
			}
			if dest.Port != tt.wantPort {
				t.Errorf("Decode(%q) port = %d, want %d", tt.host, dest.Port, tt.wantPort)
			}
		})
	}
}

func TestDecodeSuffix(t *testing.T) {
	codec := &Codec{
		Suffix:      ".example.test",
		DefaultPort: 80,
		Policy:      openPolicy(),
	}

	if _, err := codec.Decode("10-0-0-5.example.test"); err != nil {
		t.Errorf("expected host inside suffix to decode, got %v", err)
	}
	if _, err := codec.Decode("10-0-0-5.other.domain"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected host outside suffix to be malformed, got %v", err)
	}
}

func TestPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		host    string
		wantErr error
	}{
		{
			name:    "port below minimum",
			policy:  Policy{PortMin: 80, PortMax: 9000, AllowPrivate: true},
			host:    "10-0-0-1-22.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name:    "port above maximum",
			policy:  Policy{PortMin: 80, PortMax: 9000, AllowPrivate: true},
			host:    "10-0-0-1-9001.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name:   "port inside range",
			policy: Policy{PortMin: 80, PortMax: 9000, AllowPrivate: true},
			host:   "10-0-0-1-8080.example.test",
		},
		{
			name:    "loopback denied by default",
			policy:  Policy{AllowPrivate: true},
			host:    "127-0-0-1.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name:   "loopback allowed explicitly",
			policy: Policy{AllowLoopback: true},
			host:   "127-0-0-1.example.test",
		},
		{
			name:    "private denied when configured",
			policy:  Policy{},
			host:    "192-168-1-1.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name:    "unspecified always denied",
			policy:  openPolicy(),
			host:    "0-0-0-0.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name: "link-local denied via denylist",
			policy: Policy{
				AllowPrivate:   true,
				DeniedNetworks: DefaultDeniedNetworks(),
			},
			host:    "169-254-169-254.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name:    "link-local denied even without denylist",
			policy:  openPolicy(),
			host:    "169-254-169-254.example.test",
			wantErr: ErrPolicyRejected,
		},
		{
			name: "custom denied network",
			policy: Policy{
				AllowPrivate:   true,
				DeniedNetworks: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
			},
			host:    "203-0-113-9.example.test",
			wantErr: ErrPolicyRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := &Codec{DefaultPort: 80, Policy: tt.policy}
			_, err := codec.Decode(tt.host)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode(%q) error = %v, want %v", tt.host, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) unexpected error: %v", tt.host, err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := &Codec{DefaultPort: 80, Policy: openPolicy()}

	dests := []Destination{
		{Addr: netip.MustParseAddr("10.0.0.5"), Port: 80},
		{Addr: netip.MustParseAddr("127.0.0.1"), Port: 8080},
		{Addr: netip.MustParseAddr("203.0.113.7"), Port: 65535},
		{Addr: netip.MustParseAddr("::1"), Port: 8080},
		{Addr: netip.MustParseAddr("2001:db8::1"), Port: 443},
		{Addr: netip.MustParseAddr("2001:db8:0:1:1:1:1:1"), Port: 3000},
	}

	for _, want := range dests {
		label := Encode(want)
		got, err := codec.Decode(label + ".example.test")
		if err != nil {
			t.Errorf("Decode(Encode(%s)) failed: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("round trip mismatch: encoded %s as %q, decoded %s", want, label, got)
		}
	}
}

func TestEncodeMappedAddress(t *testing.T) {
	codec := &Codec{DefaultPort: 80, Policy: openPolicy()}

	mapped := Destination{Addr: netip.MustParseAddr("::ffff:192.0.2.7"), Port: 8080}
	label := Encode(mapped)
	if label != "192-0-2-7-8080" {
		t.Fatalf("Encode(%s) = %q, want the IPv4 form", mapped, label)
	}

	got, err := codec.Decode(label + ".example.test")
	if err != nil {
		t.Fatalf("Decode(%q) failed: %v", label, err)
	}
	want := Destination{Addr: netip.MustParseAddr("192.0.2.7"), Port: 8080}
	if got != want {
		t.Errorf("Decode(%q) = %s, want %s", label, got, want)
	}
}
