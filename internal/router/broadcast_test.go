package router

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"walletnet/internal/wire"
)

// startDrainPump periodically flushes the router's pending sends onto the
// wire until stop is closed -- SetPrimary queues its startup sequence
// (banner, donation_address, ...) ahead of any request issued afterwards,
// and net.Pipe's unbuffered Write blocks until the peer reads it, so
// draining must run concurrently with a peer that is already consuming.
func startDrainPump(r *Router, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Drain()
			}
		}
	}()
}

// discardUntilBroadcast reads and drops every request on serverConn except
// blockchain.transaction.broadcast, which it answers with reply, then
// returns.
func discardUntilBroadcast(t *testing.T, codec *wire.Codec, serverConn net.Conn, reply map[string]interface{}) {
	t.Helper()
	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			t.Errorf("ReadMessage: %v", err)
			return
		}
		if msg.Method != "blockchain.transaction.broadcast" {
			continue
		}
		reply["id"] = *msg.ID
		raw, err := json.Marshal(reply)
		if err != nil {
			t.Errorf("marshal reply: %v", err)
			return
		}
		if _, err := serverConn.Write(append(raw, '\n')); err != nil {
			t.Errorf("write reply: %v", err)
		}
		return
	}
}

func TestBroadcastTransactionReturnsTxid(t *testing.T) {
	i, serverConn := newLinkedPair(t)
	defer i.Close()
	defer serverConn.Close()

	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetPrimary(i)

	stop := make(chan struct{})
	defer close(stop)
	startDrainPump(r, stop)

	go discardUntilBroadcast(t, wire.NewCodec(serverConn), serverConn,
		map[string]interface{}{"result": json.RawMessage(`"deadbeef"`)})

	done := make(chan struct{})
	var txid string
	var broadcastErr error
	go func() {
		defer close(done)
		txid, broadcastErr = r.BroadcastTransaction(context.Background(), "aabbcc", 2*time.Second)
	}()

	select {
	case msg := <-i.Incoming():
		if msg == nil {
			t.Fatalf("interface channel closed")
		}
		r.Dispatch(i, msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast response")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("BroadcastTransaction never returned")
	}

	if broadcastErr != nil {
		t.Fatalf("unexpected error: %v", broadcastErr)
	}
	if txid != "deadbeef" {
		t.Fatalf("unexpected txid: %q", txid)
	}
}

func TestBroadcastTransactionSanitizesServerError(t *testing.T) {
	i, serverConn := newLinkedPair(t)
	defer i.Close()
	defer serverConn.Close()

	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetPrimary(i)

	stop := make(chan struct{})
	defer close(stop)
	startDrainPump(r, stop)

	go discardUntilBroadcast(t, wire.NewCodec(serverConn), serverConn,
		map[string]interface{}{"error": map[string]interface{}{"message": "258: txn-mempool-conflict"}})

	done := make(chan struct{})
	var broadcastErr error
	go func() {
		defer close(done)
		_, broadcastErr = r.BroadcastTransaction(context.Background(), "aabbcc", 2*time.Second)
	}()

	select {
	case msg := <-i.Incoming():
		if msg == nil {
			t.Fatalf("interface channel closed")
		}
		r.Dispatch(i, msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast response")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("BroadcastTransaction never returned")
	}

	if broadcastErr == nil {
		t.Fatalf("expected a sanitized error")
	}
	want := "transaction broadcast failed: it conflicts with one already in the server's mempool"
	if broadcastErr.Error() != want {
		t.Fatalf("unexpected error message: got %q, want %q", broadcastErr.Error(), want)
	}
}

func TestGetMerkleForTransactionReturnsRawResult(t *testing.T) {
	i, serverConn := newLinkedPair(t)
	defer i.Close()
	defer serverConn.Close()

	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetPrimary(i)

	stop := make(chan struct{})
	defer close(stop)
	startDrainPump(r, stop)

	codec := wire.NewCodec(serverConn)
	go func() {
		for {
			msg, err := codec.ReadMessage()
			if err != nil {
				return
			}
			if msg.Method != "blockchain.transaction.get_merkle" {
				continue
			}
			reply := map[string]interface{}{
				"id":     *msg.ID,
				"result": json.RawMessage(`{"block_height":123,"merkle":["aa"],"pos":0}`),
			}
			raw, err := json.Marshal(reply)
			if err != nil {
				t.Errorf("marshal reply: %v", err)
				return
			}
			if _, err := serverConn.Write(append(raw, '\n')); err != nil {
				t.Errorf("write reply: %v", err)
			}
			return
		}
	}()

	done := make(chan struct{})
	var result json.RawMessage
	var getErr error
	go func() {
		defer close(done)
		result, getErr = r.GetMerkleForTransaction(context.Background(), "deadbeef", 100, 2*time.Second)
	}()

	select {
	case msg := <-i.Incoming():
		if msg == nil {
			t.Fatalf("interface channel closed")
		}
		r.Dispatch(i, msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for get_merkle response")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("GetMerkleForTransaction never returned")
	}

	if getErr != nil {
		t.Fatalf("unexpected error: %v", getErr)
	}
	if string(result) != `{"block_height":123,"merkle":["aa"],"pos":0}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestSanitizeBroadcastErrorUnknownReason(t *testing.T) {
	if got := sanitizeBroadcastError("some unrecognized failure"); got != "reason unknown" {
		t.Fatalf("expected fallback reason, got %q", got)
	}
}
