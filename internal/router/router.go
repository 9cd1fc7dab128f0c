// Package router implements the request router: the single entry point
// external callers use to talk to whichever interface is currently
// primary, the subscription cache, and response dispatch with
// method-name interception.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"walletnet/internal/iface"
	"walletnet/internal/wire"
)

// Callback receives the canonical response shape for one request or
// subscription notification.
type Callback func(Response)

// Response is the canonical shape delivered to callbacks: method and
// params echo the originating request (or, for notifications, the
// rewritten canonical params), Result/Error come straight off the wire.
type Response struct {
	Method string
	Params []interface{}
	Result json.RawMessage
	Error  *wire.RPCError
}

// Message is one (method, params) pair passed to Send.
type Message struct {
	Method string
	Params []interface{}
}

type sendItem struct {
	Method   string
	Params   []interface{}
	Callback Callback
}

// subKey identifies one subscription: the method plus its first
// parameter.
type subKey struct {
	Method string
	Param  string
}

func firstParamString(params []interface{}) string {
	if len(params) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", params[0])
}

const cacheSize = 512

// subscriptionCacheSize lets tests override the LRU size; production
// code always uses cacheSize.
var subscriptionCacheSize = cacheSize

// Hooks lets the supervisor intercept specific internal methods without
// the router needing to know about chain sync, peer lists, or fee
// policy directly.
type Hooks struct {
	OnHeadersSubscribeNotification func(from *iface.Interface, result json.RawMessage)
	OnPeersSubscribe               func(result json.RawMessage)
	OnBanner                       func(result json.RawMessage)
	OnDonationAddress              func(result json.RawMessage)
	OnEstimateFee                  func(target int, result json.RawMessage)
	OnRelayFee                     func(result json.RawMessage)
	// OnBlockHeader/OnBlockHeaders drive the header-sync state machine
	// from blockchain.block.header(s) responses. Params
	// are the originating request's params (so base/count/cp_height are
	// available without re-parsing the echoed request).
	OnBlockHeader  func(from *iface.Interface, params []interface{}, result json.RawMessage, errResp *wire.RPCError)
	OnBlockHeaders func(from *iface.Interface, params []interface{}, result json.RawMessage, errResp *wire.RPCError)
}

// Router is the single entry point for issuing requests to the current
// primary interface and dispatching its responses back to callbacks.
type Router struct {
	mu            sync.Mutex
	pendingSends  []sendItem
	subscriptions map[subKey][]Callback
	cache         *lru.Cache[subKey, Response]
	unanswered    map[int]sendItem
	primary       *iface.Interface
	feeTargets    []int
	hooks         Hooks
	logger        *logrus.Logger
}

// New builds an empty Router.
func New(logger *logrus.Logger) (*Router, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cache, err := lru.New[subKey, Response](subscriptionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("router: build subscription cache: %w", err)
	}
	return &Router{
		subscriptions: make(map[subKey][]Callback),
		cache:         cache,
		unanswered:    make(map[int]sendItem),
		logger:        logger,
	}, nil
}

// SetHooks installs the supervisor's internal-method interceptors.
func (r *Router) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// SetFeeTargets configures which confirmation targets get refreshed
// estimates on every primary switch.
func (r *Router) SetFeeTargets(targets []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeTargets = append([]int{}, targets...)
}

// Send queues messages for delivery on the primary interface, per
// message applying the subscription-cache short-circuit.
func (r *Router) Send(messages []Message, callback Callback) {
	for _, m := range messages {
		if strings.HasSuffix(m.Method, ".subscribe") {
			key := subKey{Method: m.Method, Param: firstParamString(m.Params)}
			r.mu.Lock()
			r.subscriptions[key] = dedupAppend(r.subscriptions[key], callback)
			cached, hit := r.cache.Get(key)
			r.mu.Unlock()
			if hit {
				if callback != nil {
					callback(cached)
				}
				continue
			}
		}
		r.queueSend(m.Method, m.Params, callback)
	}
}

func (r *Router) queueSend(method string, params []interface{}, callback Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingSends = append(r.pendingSends, sendItem{Method: method, Params: params, Callback: callback})
}

// dedupAppend appends fn to list unless an identical function value (by
// pointer identity) is already present.
func dedupAppend(list []Callback, fn Callback) []Callback {
	if fn == nil {
		return list
	}
	for _, existing := range list {
		if sameFunc(existing, fn) {
			return list
		}
	}
	return append(list, fn)
}

// sameFunc compares two callback values by underlying code pointer. Go
// gives no general equality for func values; comparing
// reflect.Value.Pointer() is the conventional way to dedup by identity
// when the same closure reference may be registered more than once.
func sameFunc(a, b Callback) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// SynchronousGet sends one request and blocks for its response or until
// timeout elapses.
func (r *Router) SynchronousGet(ctx context.Context, method string, params []interface{}, timeout time.Duration) (Response, error) {
	ch := make(chan Response, 1)
	r.Send([]Message{{Method: method, Params: params}}, func(resp Response) {
		select {
		case ch <- resp:
		default:
		}
	})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, fmt.Errorf("router: server error: %s", resp.Error.Message)
		}
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("router: server did not answer within %s", timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Drain flushes every queued send onto the primary interface. It is a
// no-op if there is no primary.
func (r *Router) Drain() {
	r.mu.Lock()
	primary := r.primary
	if primary == nil {
		r.mu.Unlock()
		return
	}
	items := r.pendingSends
	r.pendingSends = nil
	r.mu.Unlock()

	for _, item := range items {
		id, err := primary.Send(item.Method, item.Params)
		if err != nil {
			r.logger.WithError(err).WithField("method", item.Method).Warn("failed to send queued request")
			continue
		}
		r.mu.Lock()
		r.unanswered[id] = item
		r.mu.Unlock()
	}
}

// SetPrimary switches the router's active interface, replaying the
// startup sequence a fresh primary expects: server.banner,
// server.donation_address, server.peers.subscribe, blockchain.relayfee,
// fee estimates, and every previously-subscribed key; every unanswered
// request is requeued with a fresh id; the subscription cache is
// cleared.
func (r *Router) SetPrimary(p *iface.Interface) {
	r.mu.Lock()
	r.primary = p
	unanswered := r.unanswered
	r.unanswered = make(map[int]sendItem)
	r.cache.Purge()
	feeTargets := append([]int{}, r.feeTargets...)
	r.mu.Unlock()

	if p == nil {
		// Primary lost: keep the unanswered requests queued so the next
		// primary picks them up; its own SetPrimary call replays the
		// startup sequence and resubscriptions.
		r.mu.Lock()
		for _, item := range unanswered {
			r.pendingSends = append(r.pendingSends, item)
		}
		r.mu.Unlock()
		return
	}

	r.queueSend("server.banner", []interface{}{}, nil)
	r.queueSend("server.donation_address", []interface{}{}, nil)
	r.queueSend("server.peers.subscribe", []interface{}{}, nil)
	r.queueSend("blockchain.relayfee", []interface{}{}, nil)
	for _, target := range feeTargets {
		r.queueSend("blockchain.estimatefee", []interface{}{target}, nil)
	}

	r.mu.Lock()
	for key, callbacks := range r.subscriptions {
		var params []interface{}
		if key.Param != "" {
			params = []interface{}{key.Param}
		} else {
			params = []interface{}{}
		}
		for _, cb := range callbacks {
			r.pendingSends = append(r.pendingSends, sendItem{Method: key.Method, Params: params, Callback: cb})
		}
	}
	for _, item := range unanswered {
		r.pendingSends = append(r.pendingSends, item)
	}
	r.mu.Unlock()
}

// Dispatch processes one decoded message from an interface: a response
// (ID set) is matched to its originating request; a notification (ID
// nil) is rewritten into canonical shape and routed by subscription key

func (r *Router) Dispatch(from *iface.Interface, msg *wire.Message) {
	if msg.IsNotification() {
		r.dispatchNotification(from, msg)
		return
	}

	method, params, hadPending := from.TakePending(*msg.ID)
	r.mu.Lock()
	item, hasCallback := r.unanswered[*msg.ID]
	if hasCallback {
		delete(r.unanswered, *msg.ID)
	}
	r.mu.Unlock()
	if !hadPending {
		return // stale id (e.g. already reissued elsewhere); ignore
	}

	resp := Response{Method: method, Params: params, Result: msg.Result, Error: msg.Error}
	r.interceptResponse(from, resp)

	if strings.HasSuffix(method, ".subscribe") && msg.Error == nil {
		key := subKey{Method: method, Param: firstParamString(params)}
		r.mu.Lock()
		r.cache.Add(key, resp)
		r.mu.Unlock()
	}

	if hasCallback && item.Callback != nil {
		item.Callback(resp)
	}
}

func (r *Router) dispatchNotification(from *iface.Interface, msg *wire.Message) {
	var rawParams []json.RawMessage
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &rawParams)
	}

	var resp Response
	resp.Method = msg.Method
	var key subKey

	switch msg.Method {
	case "blockchain.headers.subscribe":
		if len(rawParams) > 0 {
			resp.Result = rawParams[0]
		}
		resp.Params = []interface{}{}
		key = subKey{Method: msg.Method}
		if r.hooks.OnHeadersSubscribeNotification != nil {
			r.hooks.OnHeadersSubscribeNotification(from, resp.Result)
		}
	case "blockchain.scripthash.subscribe":
		var scripthash interface{}
		if len(rawParams) > 0 {
			_ = json.Unmarshal(rawParams[0], &scripthash)
		}
		if len(rawParams) > 1 {
			resp.Result = rawParams[1]
		}
		resp.Params = []interface{}{scripthash}
		key = subKey{Method: msg.Method, Param: fmt.Sprintf("%v", scripthash)}
	default:
		resp.Result = msg.Result
		if len(rawParams) > 0 {
			params := make([]interface{}, len(rawParams))
			for i, raw := range rawParams {
				var v interface{}
				_ = json.Unmarshal(raw, &v)
				params[i] = v
			}
			resp.Params = params
		}
		key = subKey{Method: msg.Method}
	}

	r.mu.Lock()
	if strings.HasSuffix(msg.Method, ".subscribe") {
		r.cache.Add(key, resp)
	}
	callbacks := append([]Callback{}, r.subscriptions[key]...)
	r.mu.Unlock()
	for _, cb := range callbacks {
		if cb != nil {
			cb(resp)
		}
	}
}

// interceptResponse runs the hook, if any, for internal methods that
// feed a cross-cutting concern besides the caller's own callback.
func (r *Router) interceptResponse(from *iface.Interface, resp Response) {
	switch resp.Method {
	case "blockchain.headers.subscribe":
		// The subscribe response carries the server's current tip just
		// like a later push does; both enter the state machine the same
		// way.
		if r.hooks.OnHeadersSubscribeNotification != nil {
			r.hooks.OnHeadersSubscribeNotification(from, resp.Result)
		}
	case "server.peers.subscribe":
		if r.hooks.OnPeersSubscribe != nil {
			r.hooks.OnPeersSubscribe(resp.Result)
		}
	case "server.banner":
		if r.hooks.OnBanner != nil {
			r.hooks.OnBanner(resp.Result)
		}
	case "server.donation_address":
		if r.hooks.OnDonationAddress != nil {
			r.hooks.OnDonationAddress(resp.Result)
		}
	case "blockchain.estimatefee":
		if r.hooks.OnEstimateFee != nil && len(resp.Params) > 0 {
			target, _ := resp.Params[0].(int)
			r.hooks.OnEstimateFee(target, resp.Result)
		}
	case "blockchain.relayfee":
		if r.hooks.OnRelayFee != nil {
			r.hooks.OnRelayFee(resp.Result)
		}
	case "blockchain.block.header":
		if r.hooks.OnBlockHeader != nil {
			r.hooks.OnBlockHeader(from, resp.Params, resp.Result, resp.Error)
		}
	case "blockchain.block.headers":
		if r.hooks.OnBlockHeaders != nil {
			r.hooks.OnBlockHeaders(from, resp.Params, resp.Result, resp.Error)
		}
	}
}
