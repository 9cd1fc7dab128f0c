// Package iface implements the per-connection Interface: the client side
// of one live connection to one remote server, its pending-request table,
// and the header-sync state machine that decides how that connection's
// view of history folds into the local chain set.
package iface

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
	"walletnet/internal/serverkey"
	"walletnet/internal/wire"
)

// Mode is the header-sync state.
type Mode int

const (
	ModeVerification Mode = iota
	ModeBackward
	ModeBinary
	ModeCatchUp
	ModeDefault
)

func (m Mode) String() string {
	switch m {
	case ModeVerification:
		return "VERIFICATION"
	case ModeBackward:
		return "BACKWARD"
	case ModeBinary:
		return "BINARY"
	case ModeCatchUp:
		return "CATCH_UP"
	case ModeDefault:
		return "DEFAULT"
	default:
		return "UNKNOWN"
	}
}

// IdleThreshold is the protocol-idle window; ping is required at half of
// it and the interface is considered timed out beyond it.
const IdleThreshold = 60 * time.Second

// RequestTimeout is how long a single outstanding request may sit
// unanswered before the interface is declared down.
const RequestTimeout = 20 * time.Second

// pendingRequest records an outstanding request for timeout
// bookkeeping; the cross-interface reissue table lives in
// internal/router.
type pendingRequest struct {
	Method   string
	Params   []interface{}
	Enqueued time.Time
}

// Interface is one live connection to one remote server.
type Interface struct {
	Server serverkey.Key

	conn  net.Conn
	codec *wire.Codec

	chains   *blockchain.ChainSet
	chain    *blockchain.Chain
	verifier *checkpoint.Validator

	checkpointHeight     int
	checkpointConfigured bool
	confirmationsNeeded  int
	confirmationRoots    [][]byte // roots seen so far while the checkpoint is unconfirmed
	checkpointRootSeen   func([]byte) error

	mu                  sync.Mutex
	Tip                 int
	TipHeader           []byte
	mode                Mode
	good, bad           int
	badHeader           []byte
	requestedChunks     map[int]struct{}
	pending             map[int]pendingRequest
	nextID              int
	lastSend            time.Time
	lastActivity        time.Time
	closed              bool
	closeErr            error
	verificationStarted bool
	cachedTipHeight     int
	cachedTipHeader     []byte

	incoming chan *wire.Message
	readErr  error

	logger *logrus.Logger
}

// Config bundles the dependencies an Interface needs beyond its socket.
type Config struct {
	Server               serverkey.Key
	Chains               *blockchain.ChainSet
	Verifier             *checkpoint.Validator
	CheckpointHeight     int
	CheckpointConfigured bool
	ConfirmationsNeeded  int // 1 unless an operator opts into N-of-M
	// CheckpointRootSeen lets the supervisor enforce that every interface
	// verifying against an auto-detected checkpoint agrees on the same
	// root. Nil accepts any root this interface itself reports.
	CheckpointRootSeen func([]byte) error
	Logger             *logrus.Logger
}

// New wraps an established connection as an Interface and starts its
// background read loop. The caller still owes the first two requests
// (server.version, blockchain.headers.subscribe) via Start.
func New(conn net.Conn, cfg Config) *Interface {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	confirmations := cfg.ConfirmationsNeeded
	if confirmations < 1 {
		confirmations = 1
	}
	now := time.Now()
	iface := &Interface{
		Server:               cfg.Server,
		conn:                 conn,
		codec:                wire.NewCodec(conn),
		chains:               cfg.Chains,
		chain:                cfg.Chains.Canonical(),
		verifier:             cfg.Verifier,
		checkpointHeight:     cfg.CheckpointHeight,
		checkpointConfigured: cfg.CheckpointConfigured,
		confirmationsNeeded:  confirmations,
		checkpointRootSeen:   cfg.CheckpointRootSeen,
		mode:                 ModeVerification,
		requestedChunks:      make(map[int]struct{}),
		pending:              make(map[int]pendingRequest),
		lastSend:             now,
		lastActivity:         now,
		incoming:             make(chan *wire.Message, 64),
		logger:               cfg.Logger,
	}
	go iface.readLoop()
	return iface
}

func (iface *Interface) readLoop() {
	for {
		msg, err := iface.codec.ReadMessage()
		if err != nil {
			iface.mu.Lock()
			iface.readErr = err
			iface.mu.Unlock()
			close(iface.incoming)
			return
		}
		iface.mu.Lock()
		iface.lastActivity = time.Now()
		iface.mu.Unlock()
		iface.incoming <- msg
	}
}

// Incoming exposes the decoded-message stream for the supervisor to
// drain once per loop iteration.
func (iface *Interface) Incoming() <-chan *wire.Message {
	return iface.incoming
}

// Err returns the error that ended the read loop, if any, after Incoming
// has been closed.
func (iface *Interface) Err() error {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	return iface.readErr
}

// Mode reports the current sync-state-machine mode.
func (iface *Interface) Mode() Mode {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	return iface.mode
}

// Start issues the two mandatory opening requests, in order.
func (iface *Interface) Start() error {
	if _, err := iface.Send("server.version", []interface{}{wire.ClientVersion, wire.ProtocolVersion}); err != nil {
		return err
	}
	if _, err := iface.Send("blockchain.headers.subscribe", []interface{}{}); err != nil {
		return err
	}
	return nil
}

// Send assigns a fresh message id, records it in the pending-request
// table, and writes the request on the wire.
func (iface *Interface) Send(method string, params []interface{}) (int, error) {
	iface.mu.Lock()
	id := iface.nextID
	iface.nextID++
	iface.pending[id] = pendingRequest{Method: method, Params: params, Enqueued: time.Now()}
	iface.lastSend = time.Now()
	iface.mu.Unlock()

	if err := iface.codec.WriteRequest(wire.NewRequest(id, method, params)); err != nil {
		return id, err
	}
	return id, nil
}

// TakePending removes and returns the pending request recorded under id,
// if any -- called by the router once a response for id is dispatched.
func (iface *Interface) TakePending(id int) (method string, params []interface{}, ok bool) {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	p, exists := iface.pending[id]
	if !exists {
		return "", nil, false
	}
	delete(iface.pending, id)
	return p.Method, p.Params, true
}

// OldestPendingAge returns how long the oldest outstanding request has
// been unanswered, and whether there is one at all.
func (iface *Interface) OldestPendingAge() (time.Duration, bool) {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	var oldest time.Time
	found := false
	for _, p := range iface.pending {
		if !found || p.Enqueued.Before(oldest) {
			oldest = p.Enqueued
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return time.Since(oldest), true
}

// HasTimedOut reports whether this interface has been silent beyond the
// idle threshold.
func (iface *Interface) HasTimedOut() bool {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	return time.Since(iface.lastActivity) > IdleThreshold
}

// PingRequired reports whether the connection has been idle beyond half
// the threshold and should be kept warm with a server.ping.
func (iface *Interface) PingRequired() bool {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	return time.Since(iface.lastSend) > IdleThreshold/2
}

// Close idempotently tears down the connection.
func (iface *Interface) Close() error {
	iface.mu.Lock()
	if iface.closed {
		iface.mu.Unlock()
		return iface.closeErr
	}
	iface.closed = true
	iface.mu.Unlock()
	err := iface.conn.Close()
	iface.mu.Lock()
	iface.closeErr = err
	iface.mu.Unlock()
	return err
}

// Closed reports whether Close has been called.
func (iface *Interface) Closed() bool {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	return iface.closed
}
