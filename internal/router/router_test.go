package router

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
	"walletnet/internal/iface"
	"walletnet/internal/serverkey"
	"walletnet/internal/testutil"
	"walletnet/internal/wire"
)

func newLinkedPair(t *testing.T) (*iface.Interface, net.Conn) {
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

	verifier, err := checkpoint.NewValidator("")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	i := iface.New(clientConn, iface.Config{
		Server:   serverkey.New("host.example.com", 50002, serverkey.ProtoTLS),
		Chains:   chains,
		Verifier: verifier,
	})
	return i, serverConn
}

// readAndReply reads one request off serverConn and writes back the
// given result as its response.
func readAndReply(t *testing.T, serverConn net.Conn, result string) wire.Request {
	t.Helper()
	codec := wire.NewCodec(serverConn)
	msg, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var params []interface{}
	_ = json.Unmarshal(msg.Params, &params)
	req := wire.Request{ID: *msg.ID, Method: msg.Method, Params: params}
	resp := map[string]interface{}{"id": req.ID, "result": json.RawMessage(result)}
	raw, _ := json.Marshal(resp)
	if _, err := serverConn.Write(append(raw, '\n')); err != nil {
		t.Fatalf("write response: %v", err)
	}
	return req
}

func TestSendDrainAndDispatchDeliversCallback(t *testing.T) {
	i, serverConn := newLinkedPair(t)
	defer i.Close()

	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := make(chan Response, 1)
	r.Send([]Message{{Method: "blockchain.relayfee", Params: []interface{}{}}}, func(resp Response) {
		got <- resp
	})
	// Queued before SetPrimary, the request goes out ahead of the startup
	// sequence. Drain runs concurrently because net.Pipe's writes block
	// until the fake server reads them.
	r.SetPrimary(i)
	go r.Drain()

	readAndReply(t, serverConn, `0.00001`)

	select {
	case msg := <-i.Incoming():
		if msg == nil {
			t.Fatalf("interface channel closed")
		}
		r.Dispatch(i, msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response on interface channel")
	}

	select {
	case resp := <-got:
		if resp.Method != "blockchain.relayfee" {
			t.Fatalf("unexpected method: %s", resp.Method)
		}
		if string(resp.Result) != `0.00001` {
			t.Fatalf("unexpected result: %s", resp.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback was never invoked")
	}
}

func TestSubscribeCacheHitShortCircuitsWire(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := subKey{Method: "blockchain.scripthash.subscribe", Param: "abc"}
	r.cache.Add(key, Response{Method: key.Method, Params: []interface{}{"abc"}, Result: json.RawMessage(`"status1"`)})

	calls := 0
	r.Send([]Message{{Method: "blockchain.scripthash.subscribe", Params: []interface{}{"abc"}}}, func(resp Response) {
		calls++
		if string(resp.Result) != `"status1"` {
			t.Fatalf("unexpected cached result: %s", resp.Result)
		}
	})

	if calls != 1 {
		t.Fatalf("expected cache hit to invoke callback synchronously once, got %d", calls)
	}
	r.mu.Lock()
	pending := len(r.pendingSends)
	r.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no queued sends on cache hit, got %d", pending)
	}
}

func TestDispatchNotificationRewritesHeadersSubscribe(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got Response
	r.subscriptions[subKey{Method: "blockchain.headers.subscribe"}] = []Callback{func(resp Response) { got = resp }}

	params, _ := json.Marshal([]json.RawMessage{json.RawMessage(`{"height":100,"hex":"aa"}`)})
	msg := &wire.Message{Method: "blockchain.headers.subscribe", Params: params}
	r.dispatchNotification(nil, msg)

	if string(got.Result) != `{"height":100,"hex":"aa"}` {
		t.Fatalf("unexpected rewritten result: %s", got.Result)
	}
	if len(got.Params) != 0 {
		t.Fatalf("expected empty params after rewrite, got %v", got.Params)
	}
}

func TestDispatchNotificationRewritesScripthashSubscribe(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got Response
	r.subscriptions[subKey{Method: "blockchain.scripthash.subscribe", Param: "abc"}] = []Callback{func(resp Response) { got = resp }}

	params, _ := json.Marshal([]json.RawMessage{json.RawMessage(`"abc"`), json.RawMessage(`"status2"`)})
	msg := &wire.Message{Method: "blockchain.scripthash.subscribe", Params: params}
	r.dispatchNotification(nil, msg)

	if string(got.Result) != `"status2"` {
		t.Fatalf("unexpected rewritten result: %s", got.Result)
	}
	if len(got.Params) != 1 || got.Params[0] != "abc" {
		t.Fatalf("unexpected rewritten params: %v", got.Params)
	}
}

func TestSetPrimaryQueuesStartupSequenceAndResubscribes(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetFeeTargets([]int{2, 6})
	r.subscriptions[subKey{Method: "blockchain.scripthash.subscribe", Param: "abc"}] = []Callback{func(Response) {}}

	i, serverConn := newLinkedPair(t)
	defer i.Close()
	defer serverConn.Close()

	r.SetPrimary(i)

	r.mu.Lock()
	methods := map[string]int{}
	for _, item := range r.pendingSends {
		methods[item.Method]++
	}
	r.mu.Unlock()

	for _, want := range []string{"server.banner", "server.donation_address", "server.peers.subscribe", "blockchain.relayfee", "blockchain.estimatefee", "blockchain.scripthash.subscribe"} {
		if methods[want] == 0 {
			t.Fatalf("expected %s to be queued after SetPrimary, got %v", want, methods)
		}
	}
	if methods["blockchain.estimatefee"] != 2 {
		t.Fatalf("expected one estimatefee send per target, got %d", methods["blockchain.estimatefee"])
	}
}

func TestDispatchHeadersSubscribeResponseHitsHook(t *testing.T) {
	i, serverConn := newLinkedPair(t)
	defer i.Close()
	defer serverConn.Close()

	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hooked := make(chan json.RawMessage, 1)
	r.SetHooks(Hooks{OnHeadersSubscribeNotification: func(_ *iface.Interface, result json.RawMessage) {
		hooked <- result
	}})

	// Consume the request so Send doesn't block on the pipe.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()
	id, err := i.Send("blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The subscribe *response* (id echoed, result = current tip) must
	// reach the state-machine hook just like a later push would.
	r.Dispatch(i, &wire.Message{ID: &id, Result: json.RawMessage(`{"height":100,"hex":"aa"}`)})

	select {
	case result := <-hooked:
		if string(result) != `{"height":100,"hex":"aa"}` {
			t.Fatalf("unexpected hook payload: %s", result)
		}
	default:
		t.Fatalf("expected the headers.subscribe response to reach the hook")
	}
}

func TestSetPrimaryNilRequeuesUnansweredOnly(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.mu.Lock()
	r.unanswered[7] = sendItem{Method: "blockchain.scripthash.get_history", Params: []interface{}{"abc"}}
	r.mu.Unlock()

	r.SetPrimary(nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pendingSends) != 1 {
		t.Fatalf("expected only the unanswered request to be requeued, got %d queued sends", len(r.pendingSends))
	}
	if r.pendingSends[0].Method != "blockchain.scripthash.get_history" {
		t.Fatalf("unexpected requeued method %q", r.pendingSends[0].Method)
	}
	if len(r.unanswered) != 0 {
		t.Fatalf("expected the unanswered table to be cleared")
	}
}

func TestSynchronousGetTimesOutWithoutPrimary(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	_, err = r.SynchronousGet(ctx, "server.version", []interface{}{"walletnet", "1.4"}, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error with no primary interface")
	}
}
