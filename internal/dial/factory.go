package dial

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"walletnet/internal/serverkey"
)

// DefaultTimeout bounds one connection attempt end to end (DNS, TCP,
// TLS handshake).
const DefaultTimeout = 15 * time.Second

// Outcome is what the factory enqueues onto the socket completion queue
// once an attempt finishes, successfully or not.
type Outcome struct {
	Server    serverkey.Key
	Conn      net.Conn // nil on failure
	Err       error
	AttemptID uuid.UUID
}

// Factory spawns connection attempts and tracks which servers currently
// have one in flight. A ServerKey appears in the connecting set for
// exactly the duration of its attempt.
type Factory struct {
	mu         sync.Mutex
	connecting map[serverkey.Key]struct{}
	certs      *CertStore
	logger     *logrus.Logger
	timeout    time.Duration
}

// NewFactory builds a Factory pinning certificates into certs.
func NewFactory(certs *CertStore, logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Factory{
		connecting: make(map[serverkey.Key]struct{}),
		certs:      certs,
		logger:     logger,
		timeout:    DefaultTimeout,
	}
}

// IsConnecting reports whether an attempt for key is currently in flight.
func (f *Factory) IsConnecting(key serverkey.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connecting[key]
	return ok
}

// Connect starts one connection attempt for key and delivers its outcome
// on out once it completes. proxyCfg may be nil for a direct connection.
func (f *Factory) Connect(ctx context.Context, key serverkey.Key, proxyCfg *serverkey.ProxyConfig, out chan<- Outcome) {
	f.mu.Lock()
	f.connecting[key] = struct{}{}
	f.mu.Unlock()

	attemptID := uuid.New()
	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.connecting, key)
			f.mu.Unlock()
		}()

		conn, err := f.attempt(ctx, key, proxyCfg)
		out <- Outcome{Server: key, Conn: conn, Err: err, AttemptID: attemptID}
	}()
}

func (f *Factory) attempt(ctx context.Context, key serverkey.Key, proxyCfg *serverkey.ProxyConfig) (net.Conn, error) {
	host, port, proto, err := key.Parse()
	if err != nil {
		return nil, fmt.Errorf("dial: invalid server key %q: %w", key, err)
	}

	dialer, err := dialerFor(proxyCfg)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialContext(attemptCtx, dialer, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: connect to %s: %w", addr, err)
	}

	if proto != serverkey.ProtoTLS {
		return conn, nil
	}

	var pinErr error
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // trust-on-first-use pinning replaces CA verification
		VerifyConnection: func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return fmt.Errorf("dial: server presented no certificate")
			}
			pinErr = f.certs.Verify(host, state.PeerCertificates[0].Raw)
			return pinErr
		},
	})
	if err := tlsConn.HandshakeContext(attemptCtx); err != nil {
		conn.Close()
		if pinErr != nil {
			return nil, pinErr
		}
		return nil, fmt.Errorf("dial: tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}
