package identity

import (
	"net"
	"net/http/httptest"
	"testing"
)

func TestResolver_Resolve_DefaultTrustsHeader(t *testing.T) {
	r := NewResolver(Config{})

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"first forwarded token", "10.0.0.9:5555", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"single forwarded token", "10.0.0.9:5555", "1.2.3.4", "", "1.2.3.4"},
		{"whitespace trimmed", "10.0.0.9:5555", "  1.2.3.4  ,10.0.0.1", "", "1.2.3.4"},
		{"no header uses peer", "203.0.113.50:12345", "", "", "203.0.113.50"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "", "2001:db8::1"},
		{"ipv6 forwarded", "10.0.0.9:5555", "2001:db8::2, 10.0.0.1", "", "2001:db8::2"},
		{"real ip fallback", "10.0.0.9:5555", "", "198.51.100.3", "198.51.100.3"},
		{"garbage header falls back to peer", "203.0.113.50:1", "unknown", "", "203.0.113.50"},
		{"unresolvable", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := r.Resolve(req); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve_TrustedProxies(t *testing.T) {
	r := NewResolver(Config{TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1"}})

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"trusted proxy", "10.1.2.3:8080", "203.0.113.50, 10.1.2.3", "203.0.113.50"},
		{"trusted single ip", "127.0.0.1:8080", "203.0.113.51", "203.0.113.51"},
		{"untrusted peer ignores header", "192.168.1.1:8080", "203.0.113.50", "192.168.1.1"},
		{"trusted proxy without header", "10.1.2.3:8080", "", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := r.Resolve(req); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_IgnoreForwarded(t *testing.T) {
	r := NewResolver(Config{IgnoreForwarded: true})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.50:12345"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	if got := r.Resolve(req); got != "203.0.113.50" {
		t.Errorf("Resolve() = %q, want peer address", got)
	}
}

func TestResolver_CustomHeader(t *testing.T) {
	r := NewResolver(Config{Header: "CF-Connecting-IP"})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	req.Header.Set("CF-Connecting-IP", "2.2.2.2")

	if got := r.Resolve(req); got != "2.2.2.2" {
		t.Errorf("Resolve() = %q, want %q", got, "2.2.2.2")
	}
}

func TestResolver_IsTrusted(t *testing.T) {
	r := NewResolver(Config{TrustedProxies: []string{"127.0.0.1", "10.0.0.0/8", "bogus", " "}})

	tests := []struct {
		ip      string
		trusted bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:8080", true},
		{"10.1.2.3", true},
		{"8.8.8.8", false},
		{"", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := r.IsTrusted(tt.ip); got != tt.trusted {
				t.Errorf("IsTrusted(%q) = %v, want %v", tt.ip, got, tt.trusted)
			}
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := map[string]string{
		"1.2.3.4":              "1.2.3.4",
		" 1.2.3.4 ":            "1.2.3.4",
		"1.2.3.4:80":           "1.2.3.4",
		"[2001:DB8::1]:443":    "2001:db8::1",
		"2001:db8:0:0:0:0:0:1": "2001:db8::1",
		"fe80::1%eth0":         "fe80::1",
		"":                     "",
		"example.com":          "",
	}
	for in, want := range tests {
		if got := NormalizeIP(in); got != want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"tcp4", &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 8080}, "192.0.2.10"},
		{"tcp6", &net.TCPAddr{IP: net.ParseIP("2001:db8::5"), Port: 443}, "2001:db8::5"},
		{"ip with zone", &net.IPAddr{IP: net.ParseIP("fe80::1"), Zone: "eth0"}, "fe80::1"},
		{"unix", &net.UnixAddr{Name: "/tmp/edgeguard.sock", Net: "unix"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractIP(tt.addr); got != tt.want {
				t.Errorf("ExtractIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
