// Package serverkey implements the canonical server identifier, the host
// map used to enumerate candidate servers, and the persisted blacklist and
// recent-server registries.
package serverkey

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol identifies the transport a server key addresses.
type Protocol byte

const (
	ProtoTLS   Protocol = 's'
	ProtoPlain Protocol = 't'
)

func (p Protocol) String() string { return string(p) }

// ParseProtocol validates a single-byte protocol tag.
func ParseProtocol(s string) (Protocol, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("serverkey: invalid protocol %q", s)
	}
	switch Protocol(s[0]) {
	case ProtoTLS, ProtoPlain:
		return Protocol(s[0]), nil
	default:
		return 0, fmt.Errorf("serverkey: unknown protocol %q", s)
	}
}

// Key is the canonical "host:port:protocol" identifier for a remote server.
// Equality is exact-byte string equality; Key is totally ordered as a string.
type Key string

// New builds a Key from its parts. It does not validate the host.
func New(host string, port int, proto Protocol) Key {
	return Key(fmt.Sprintf("%s:%d:%c", host, port, proto))
}

// Parse splits a Key back into its parts. Round-trips with New.
func (k Key) Parse() (host string, port int, proto Protocol, err error) {
	s := string(k)
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, 0, fmt.Errorf("serverkey: malformed key %q", s)
	}
	protoPart := s[idx+1:]
	rest := s[:idx]
	idx2 := strings.LastIndex(rest, ":")
	if idx2 < 0 {
		return "", 0, 0, fmt.Errorf("serverkey: malformed key %q", s)
	}
	host = rest[:idx2]
	portPart := rest[idx2+1:]
	port, err = strconv.Atoi(portPart)
	if err != nil {
		return "", 0, 0, fmt.Errorf("serverkey: bad port in %q: %w", s, err)
	}
	proto, err = ParseProtocol(protoPart)
	if err != nil {
		return "", 0, 0, err
	}
	return host, port, proto, nil
}

// Host returns the host component, or "" if the key is malformed.
func (k Key) Host() string {
	h, _, _, err := k.Parse()
	if err != nil {
		return ""
	}
	return h
}

// Valid reports whether the key parses successfully.
func (k Key) Valid() bool {
	_, _, _, err := k.Parse()
	return err == nil
}
