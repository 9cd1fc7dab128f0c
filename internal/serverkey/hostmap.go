package serverkey

import (
	"regexp"
	"strconv"
	"strings"

	crand "crypto/rand"
	"math/big"
)

// HostEntry is one host's row in a HostMap: the ports it offers per
// protocol, its pruning level, and its advertised version (absent == "").
type HostEntry struct {
	Ports   map[Protocol]int
	Pruning string
	Version string
}

// HostMap maps host -> HostEntry, as built by ParsePeers.
type HostMap map[string]*HostEntry

var (
	protoTagRe = regexp.MustCompile(`^([st])(\d*)$`)
	versionRe  = regexp.MustCompile(`^v(\S+)$`)
	pruneRe    = regexp.MustCompile(`^p(\d*)$`)
)

const (
	defaultTLSPort   = 50002
	defaultPlainPort = 50001
)

func defaultPort(proto Protocol) int {
	if proto == ProtoTLS {
		return defaultTLSPort
	}
	return defaultPlainPort
}

// PeerEntry is one row as delivered by server.peers.subscribe: the raw
// (addr, host, tags) triple.
type PeerEntry struct {
	Addr string
	Host string
	Tags []string
}

// ParsePeers implements parse_servers: entries with no protocol tag are
// dropped; tags matching [st]\d* set protocol->port (empty digits means
// "use the protocol default"); v\S+ sets version; p\d* sets pruning
// (empty digits -> "0", tag absent entirely -> "-").
func ParsePeers(entries []PeerEntry) HostMap {
	hm := make(HostMap)
	for _, e := range entries {
		entry := &HostEntry{Ports: make(map[Protocol]int), Pruning: "-"}
		hasProto := false
		for _, tag := range e.Tags {
			if m := protoTagRe.FindStringSubmatch(tag); m != nil {
				proto := Protocol(m[1][0])
				port := defaultPort(proto)
				if m[2] != "" {
					if p, err := strconv.Atoi(m[2]); err == nil {
						port = p
					}
				}
				entry.Ports[proto] = port
				hasProto = true
				continue
			}
			if m := versionRe.FindStringSubmatch(tag); m != nil {
				entry.Version = m[1]
				continue
			}
			if m := pruneRe.FindStringSubmatch(tag); m != nil {
				if m[1] == "" {
					entry.Pruning = "0"
				} else {
					entry.Pruning = m[1]
				}
				continue
			}
		}
		if !hasProto {
			continue
		}
		hm[e.Host] = entry
	}
	return hm
}

// versionAtLeast compares dotted-numeric version strings component-wise.
// Unparseable components make the comparison fail closed (false).
func versionAtLeast(version, min string) bool {
	vs := strings.Split(version, ".")
	ms := strings.Split(min, ".")
	for i := 0; i < len(ms); i++ {
		var mv, vv int
		var err error
		if mv, err = strconv.Atoi(ms[i]); err != nil {
			return false
		}
		if i >= len(vs) {
			vv = 0
		} else if vv, err = strconv.Atoi(vs[i]); err != nil {
			return false
		}
		if vv != mv {
			return vv > mv
		}
	}
	return true
}

// FilterVersion retains only entries whose advertised version is >= min
// under dotted-numeric comparison; entries with no version, or an
// unparseable one, are excluded.
func FilterVersion(hm HostMap, min string) HostMap {
	out := make(HostMap)
	for host, entry := range hm {
		if entry.Version == "" {
			continue
		}
		if versionAtLeast(entry.Version, min) {
			out[host] = entry
		}
	}
	return out
}

// FilterProtocol returns the serialised Key for every host offering proto.
func FilterProtocol(hm HostMap, proto Protocol) []Key {
	var keys []Key
	for host, entry := range hm {
		if port, ok := entry.Ports[proto]; ok {
			keys = append(keys, New(host, port, proto))
		}
	}
	return keys
}

// PickRandom returns a uniformly random Key offering proto, excluding any
// key present in exclude. Returns ("", false) if nothing is eligible.
func PickRandom(hm HostMap, proto Protocol, exclude map[Key]struct{}) (Key, bool) {
	candidates := FilterProtocol(hm, proto)
	eligible := candidates[:0]
	for _, k := range candidates {
		if _, excluded := exclude[k]; !excluded {
			eligible = append(eligible, k)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(len(eligible))))
	if err != nil {
		return eligible[0], true
	}
	return eligible[n.Int64()], true
}
