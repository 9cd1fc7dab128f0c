// Package events implements the typed event bus wallet-facing listeners
// subscribe to. Each event name gets its own payload type and its own
// listener list, rather than one generic envelope dispatched by string
// name.
package events

import (
	"sync"

	"walletnet/internal/serverkey"
)

// Status is the connection-state payload for the "status" event.
type Status struct {
	Server serverkey.Key
	State  ConnState
}

// ConnState enumerates the values a server's connection can be in.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Disconnected
)

// Updated is the local/server height pair payload for the "updated"
// event.
type Updated struct {
	LocalHeight  int
	ServerHeight int
}

// Banner is the "banner" event payload.
type Banner struct {
	Text string
}

// Fee is the "fee" event payload: one estimate for a target confirmation
// count, in satoshis per kB.
type Fee struct {
	Target       int
	SatPerKVByte int64
}

// Servers is the "servers" event payload: the freshest known host map.
type Servers struct {
	Hosts serverkey.HostMap
}

// Interfaces is the "interfaces" event payload: a snapshot of currently
// connected servers.
type Interfaces struct {
	Connected []serverkey.Key
}

// Bus is a typed, in-process publish/subscribe hub. Each Subscribe* call
// returns an unsubscribe function. Bus is safe for concurrent use;
// listener invocation happens synchronously on the publisher's
// goroutine, so listeners must not block.
type Bus struct {
	mu         sync.RWMutex
	status     []func(Status)
	updated    []func(Updated)
	banner     []func(Banner)
	fee        []func(Fee)
	servers    []func(Servers)
	interfaces []func(Interfaces)
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeStatus(fn func(Status)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.status)
	b.status = append(b.status, fn)
	return func() { b.removeStatus(idx) }
}

func (b *Bus) removeStatus(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < len(b.status) {
		b.status[idx] = nil
	}
}

// PublishStatus invokes every live status listener with payload p.
func (b *Bus) PublishStatus(p Status) {
	b.mu.RLock()
	listeners := append([]func(Status){}, b.status...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}

func (b *Bus) SubscribeUpdated(fn func(Updated)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.updated)
	b.updated = append(b.updated, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.updated) {
			b.updated[idx] = nil
		}
	}
}

func (b *Bus) PublishUpdated(p Updated) {
	b.mu.RLock()
	listeners := append([]func(Updated){}, b.updated...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}

func (b *Bus) SubscribeBanner(fn func(Banner)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.banner)
	b.banner = append(b.banner, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.banner) {
			b.banner[idx] = nil
		}
	}
}

func (b *Bus) PublishBanner(p Banner) {
	b.mu.RLock()
	listeners := append([]func(Banner){}, b.banner...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}

func (b *Bus) SubscribeFee(fn func(Fee)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.fee)
	b.fee = append(b.fee, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.fee) {
			b.fee[idx] = nil
		}
	}
}

func (b *Bus) PublishFee(p Fee) {
	b.mu.RLock()
	listeners := append([]func(Fee){}, b.fee...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}

func (b *Bus) SubscribeServers(fn func(Servers)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.servers)
	b.servers = append(b.servers, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.servers) {
			b.servers[idx] = nil
		}
	}
}

func (b *Bus) PublishServers(p Servers) {
	b.mu.RLock()
	listeners := append([]func(Servers){}, b.servers...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}

func (b *Bus) SubscribeInterfaces(fn func(Interfaces)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.interfaces)
	b.interfaces = append(b.interfaces, fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.interfaces) {
			b.interfaces[idx] = nil
		}
	}
}

func (b *Bus) PublishInterfaces(p Interfaces) {
	b.mu.RLock()
	listeners := append([]func(Interfaces){}, b.interfaces...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(p)
		}
	}
}
