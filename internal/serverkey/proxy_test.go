package serverkey

import "testing"

func TestProxyRoundTrip(t *testing.T) {
	p := &ProxyConfig{Mode: ModeSocks5, Host: "proxy.example.com", Port: 9050, User: "u", Password: "p"}
	got, err := ParseProxy(p.Serialize())
	if err != nil {
		t.Fatalf("ParseProxy failed: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestProxyDefaultedPort(t *testing.T) {
	p := &ProxyConfig{Mode: ModeHTTP, Host: "proxy.example.com"}
	got, err := ParseProxy(p.Serialize())
	if err != nil {
		t.Fatalf("ParseProxy failed: %v", err)
	}
	if got.Port != 8080 {
		t.Fatalf("expected defaulted http port 8080, got %d", got.Port)
	}

	p2 := &ProxyConfig{Mode: ModeSocks4, Host: "proxy.example.com"}
	got2, err := ParseProxy(p2.Serialize())
	if err != nil {
		t.Fatalf("ParseProxy failed: %v", err)
	}
	if got2.Port != 1080 {
		t.Fatalf("expected defaulted socks port 1080, got %d", got2.Port)
	}
}

func TestProxyNone(t *testing.T) {
	for _, s := range []string{"none", "NONE", "None", ""} {
		got, err := ParseProxy(s)
		if err != nil {
			t.Fatalf("ParseProxy(%q) failed: %v", s, err)
		}
		if got != nil {
			t.Fatalf("expected nil for %q, got %+v", s, got)
		}
	}
	var nilProxy *ProxyConfig
	if nilProxy.Serialize() != "none" {
		t.Fatalf("expected nil proxy to serialise to 'none'")
	}
}
