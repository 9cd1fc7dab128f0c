package serverkey

import (
	"fmt"
	"strconv"
	"strings"
)

// ProxyMode enumerates the supported proxy transports.
type ProxyMode string

const (
	ModeSocks4 ProxyMode = "socks4"
	ModeSocks5 ProxyMode = "socks5"
	ModeHTTP   ProxyMode = "http"
)

func defaultProxyPort(mode ProxyMode) int {
	if mode == ModeHTTP {
		return 8080
	}
	return 1080
}

// ProxyConfig describes an optional upstream proxy used by the connection
// factory. A nil *ProxyConfig means "no proxy configured".
type ProxyConfig struct {
	Mode     ProxyMode
	Host     string
	Port     int
	User     string
	Password string
}

// Serialize renders the config as a colon-joined string. A zero Port is
// replaced by the mode's conventional default (8080 for http, 1080 for
// socks4/socks5) so the wire form is always explicit.
func (p *ProxyConfig) Serialize() string {
	if p == nil {
		return "none"
	}
	port := p.Port
	if port == 0 {
		port = defaultProxyPort(p.Mode)
	}
	return strings.Join([]string{string(p.Mode), p.Host, strconv.Itoa(port), p.User, p.Password}, ":")
}

// ParseProxy parses the colon-joined form produced by Serialize. The
// literal "none" (case-insensitive) deserialises to (nil, nil).
func ParseProxy(s string) (*ProxyConfig, error) {
	if strings.EqualFold(s, "none") || s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 5)
	if len(parts) < 3 {
		return nil, fmt.Errorf("serverkey: malformed proxy string %q", s)
	}
	mode := ProxyMode(parts[0])
	switch mode {
	case ModeSocks4, ModeSocks5, ModeHTTP:
	default:
		return nil, fmt.Errorf("serverkey: unknown proxy mode %q", parts[0])
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("serverkey: bad proxy port in %q: %w", s, err)
	}
	p := &ProxyConfig{Mode: mode, Host: parts[1], Port: port}
	if len(parts) > 3 {
		p.User = parts[3]
	}
	if len(parts) > 4 {
		p.Password = parts[4]
	}
	return p, nil
}
