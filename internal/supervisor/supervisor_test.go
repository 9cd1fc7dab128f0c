package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
	"walletnet/internal/dial"
	"walletnet/internal/events"
	"walletnet/internal/iface"
	"walletnet/internal/router"
	"walletnet/internal/serverkey"
	"walletnet/internal/testutil"
)

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	chains, err := blockchain.NewChainSet(filepath.Join(sb.Root, "chains"), nil)
	if err != nil {
		t.Fatalf("NewChainSet: %v", err)
	}
	t.Cleanup(func() { chains.Close() })

	registry, err := serverkey.NewRegistry(sb.Root)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	verifier, err := checkpoint.NewValidator("")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	certs, err := dial.NewCertStore(sb.Root)
	if err != nil {
		t.Fatalf("NewCertStore: %v", err)
	}
	factory := dial.NewFactory(certs, nil)

	rt, err := router.New(nil)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	return New(cfg, factory, rt, chains, registry, verifier, nil)
}

func newConnectedInterfacePair(t *testing.T, s *Supervisor, key serverkey.Key) (*iface.Interface, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })
	i := iface.New(clientConn, iface.Config{
		Server: key,
		Chains: s.Chains,
	})
	s.mu.Lock()
	s.interfaces[key] = i
	s.mu.Unlock()
	return i, serverConn
}

func TestTopUpPoolStartsConnectionsUpToTarget(t *testing.T) {
	s := newTestSupervisor(t, Config{TargetCount: 2})
	hm := serverkey.HostMap{
		"a.example.com": {Ports: map[serverkey.Protocol]int{serverkey.ProtoTLS: 50002}, Pruning: "-"},
		"b.example.com": {Ports: map[serverkey.Protocol]int{serverkey.ProtoTLS: 50002}, Pruning: "-"},
	}
	s.SetHostMap(hm)

	s.topUpPool(context.Background())

	s.mu.Lock()
	connecting := len(s.connecting)
	s.mu.Unlock()
	if connecting != 2 {
		t.Fatalf("expected 2 connection attempts in flight, got %d", connecting)
	}
}

func TestDrainCompletionsAddsInterfaceOnSuccess(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	key := serverkey.New("host.example.com", 50002, serverkey.ProtoTLS)
	s.mu.Lock()
	s.connecting[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	s.completions <- dial.Outcome{Server: key, Conn: clientConn}
	s.drainCompletions()

	if _, ok := s.Interfaces()[key]; !ok {
		t.Fatalf("expected interface to be registered after successful completion")
	}
	s.mu.Lock()
	_, stillConnecting := s.connecting[key]
	s.mu.Unlock()
	if stillConnecting {
		t.Fatalf("expected key to be removed from the connecting set")
	}
}

func TestDrainCompletionsMarksDisconnectedOnFailure(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	key := serverkey.New("host.example.com", 50002, serverkey.ProtoTLS)
	s.mu.Lock()
	s.connecting[key] = struct{}{}
	s.mu.Unlock()

	s.completions <- dial.Outcome{Server: key, Err: context.DeadlineExceeded}
	s.drainCompletions()

	s.mu.Lock()
	_, down := s.disconnected[key]
	s.mu.Unlock()
	if !down {
		t.Fatalf("expected key to land in the disconnected set after a failed attempt")
	}
}

func TestManagePrimarySwitchesToDefaultWhenPresent(t *testing.T) {
	s := newTestSupervisor(t, Config{Host: "host.example.com", Port: 50002, Protocol: serverkey.ProtoTLS})
	key := serverkey.New("host.example.com", 50002, serverkey.ProtoTLS)
	_, serverConn := newConnectedInterfacePair(t, s, key)
	defer serverConn.Close()

	s.managePrimary(context.Background())

	primary, ok := s.Primary()
	if !ok || primary != key {
		t.Fatalf("expected primary to be %s, got %s (ok=%v)", key, primary, ok)
	}
}

func TestClearTransientDisconnectedRespectsInterval(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	key := serverkey.New("host.example.com", 50002, serverkey.ProtoTLS)
	s.mu.Lock()
	s.disconnected[key] = time.Now()
	s.lastNodesRetry = time.Now()
	s.mu.Unlock()

	s.clearTransientDisconnected()

	s.mu.Lock()
	_, stillThere := s.disconnected[key]
	s.mu.Unlock()
	if !stillThere {
		t.Fatalf("expected disconnected set to survive before the retry interval elapses")
	}
}

func TestSetParametersRejectsInvalidPort(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	err := s.SetParameters(context.Background(), Config{Host: "host.example.com", Port: 0})
	if err == nil {
		t.Fatalf("expected an error for a zero port with a non-empty host")
	}
}

func TestSetParametersTearsDownOnProtocolChange(t *testing.T) {
	s := newTestSupervisor(t, Config{Protocol: serverkey.ProtoTLS})
	key := serverkey.New("host.example.com", 50002, serverkey.ProtoTLS)
	_, serverConn := newConnectedInterfacePair(t, s, key)
	defer serverConn.Close()
	s.mu.Lock()
	s.primary = key
	s.mu.Unlock()

	if err := s.SetParameters(context.Background(), Config{Protocol: serverkey.ProtoPlain}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}

	if len(s.Interfaces()) != 0 {
		t.Fatalf("expected every interface to be torn down after a protocol change")
	}
	if _, ok := s.Primary(); ok {
		t.Fatalf("expected primary to be cleared after teardown")
	}
}

func TestRunOnceDoesNotPanicWithEmptyState(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	s.RunOnce(context.Background())
}

func TestOnBannerPublishesEvent(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	s.Bus = events.New()
	got := make(chan events.Banner, 1)
	s.Bus.SubscribeBanner(func(b events.Banner) { got <- b })

	s.onBanner(json.RawMessage(`"welcome to the server"`))

	select {
	case b := <-got:
		if b.Text != "welcome to the server" {
			t.Fatalf("unexpected banner text %q", b.Text)
		}
	default:
		t.Fatalf("expected a banner event")
	}
}

func TestOnDonationAddressRecorded(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	s.onDonationAddress(json.RawMessage(`"1BitcoinEaterAddressDontSendf59kuE"`))
	if got := s.DonationAddress(); got != "1BitcoinEaterAddressDontSendf59kuE" {
		t.Fatalf("unexpected donation address %q", got)
	}
}
