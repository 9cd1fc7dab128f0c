package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"walletnet/internal/blockchain"
	"walletnet/internal/events"
	"walletnet/internal/iface"
	"walletnet/internal/router"
	"walletnet/internal/serverkey"
	"walletnet/internal/wire"
)

// wireHooks installs the router interceptors that drive the header-sync
// state machine, host map, and fee events from wire traffic. This is
// the link between decoded server traffic and everything that cares
// about it: without it, responses land in the router's pending-request
// table and nowhere else.
func (s *Supervisor) wireHooks() {
	s.Router.SetHooks(router.Hooks{
		OnHeadersSubscribeNotification: s.onHeadersSubscribeNotification,
		OnPeersSubscribe:               s.onPeersSubscribe,
		OnBanner:                       s.onBanner,
		OnDonationAddress:              s.onDonationAddress,
		OnEstimateFee:                  s.onEstimateFee,
		OnRelayFee:                     s.onRelayFee,
		OnBlockHeader:                  s.onBlockHeader,
		OnBlockHeaders:                 s.onBlockHeaders,
	})
}

// drainInterfaceMessages feeds every interface's decoded wire traffic
// through the router -- the missing link between a connection's socket
// and the dispatch hooks below.
func (s *Supervisor) drainInterfaceMessages() {
	for key, i := range s.Interfaces() {
		s.drainOne(key, i)
	}
}

// drainOne empties one interface's decoded-message channel without
// blocking, dropping the interface once its read loop has ended.
func (s *Supervisor) drainOne(key serverkey.Key, i *iface.Interface) {
	for {
		select {
		case msg, ok := <-i.Incoming():
			if !ok {
				s.dropInterface(key, i)
				return
			}
			s.Router.Dispatch(i, msg)
		default:
			return
		}
	}
}

// checkpointRootSeen enforces that every interface verifying against an
// auto-detected checkpoint height agrees on the same root. The first
// root recorded wins; every subsequent one must match it byte-for-byte.
func (s *Supervisor) checkpointRootSeen(root []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstCheckpointRoot == nil {
		s.firstCheckpointRoot = append([]byte{}, root...)
		return nil
	}
	if !bytes.Equal(s.firstCheckpointRoot, root) {
		return fmt.Errorf("checkpoint root mismatch: expected %x, got %x", s.firstCheckpointRoot, root)
	}
	return nil
}

// blacklistAndDrop permanently bans key for a protocol violation (bad
// checkpoint proof, root mismatch, oversized chunk) and tears down its
// interface.
func (s *Supervisor) blacklistAndDrop(key serverkey.Key, i *iface.Interface) {
	if s.Registry != nil {
		_ = s.Registry.Blacklist(key)
	}
	if s.Metrics != nil {
		s.Metrics.ServerBlacklists.Inc()
		s.Metrics.CheckpointFailures.Inc()
	}
	if s.Logger != nil {
		s.Logger.WithField("server", key).Warn("blacklisting server for protocol violation")
	}
	s.dropInterface(key, i)
}

// checkVerified promotes the supervisor to the verified state the first
// time any interface reaches DEFAULT, unlocking collaborator jobs.
func (s *Supervisor) checkVerified(from *iface.Interface) {
	if from.Mode() == iface.ModeDefault {
		s.MarkVerified()
	}
}

// publishUpdated emits the "updated" event pairing the local chain
// height against the height one interface just advertised.
func (s *Supervisor) publishUpdated(from *iface.Interface) {
	if s.Bus == nil {
		return
	}
	s.Bus.PublishUpdated(events.Updated{LocalHeight: s.Chains.Longest().Height(), ServerHeight: from.Tip})
}

// onHeadersSubscribeNotification feeds a blockchain.headers.subscribe
// push into the originating interface's state machine.
func (s *Supervisor) onHeadersSubscribeNotification(from *iface.Interface, result json.RawMessage) {
	if from == nil || len(result) == 0 {
		return
	}
	var tip struct {
		Height int    `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(result, &tip); err != nil {
		if s.Logger != nil {
			s.Logger.WithError(err).WithField("server", from.Server).Warn("malformed headers.subscribe notification")
		}
		return
	}
	if err := from.HandleTipNotification(tip.Height, tip.Hex); err != nil {
		s.dropInterface(from.Server, from)
		return
	}
	s.publishUpdated(from)
	s.checkVerified(from)
}

// onPeersSubscribe refreshes the supervisor's host map from a
// server.peers.subscribe response.
func (s *Supervisor) onPeersSubscribe(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(result, &rows); err != nil {
		return
	}
	entries := make([]serverkey.PeerEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		var addr, host string
		var tags []string
		_ = json.Unmarshal(row[0], &addr)
		_ = json.Unmarshal(row[1], &host)
		_ = json.Unmarshal(row[2], &tags)
		entries = append(entries, serverkey.PeerEntry{Addr: addr, Host: host, Tags: tags})
	}
	hm := serverkey.ParsePeers(entries)
	s.SetHostMap(hm)
	if s.Bus != nil {
		s.Bus.PublishServers(events.Servers{Hosts: hm})
	}
}

// onBanner publishes the primary server's banner text.
func (s *Supervisor) onBanner(result json.RawMessage) {
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return
	}
	if s.Bus != nil {
		s.Bus.PublishBanner(events.Banner{Text: text})
	}
}

// onDonationAddress records the primary server's donation address for
// wallet-UI display.
func (s *Supervisor) onDonationAddress(result json.RawMessage) {
	var addr string
	if err := json.Unmarshal(result, &addr); err != nil {
		return
	}
	s.mu.Lock()
	s.donationAddress = addr
	s.mu.Unlock()
}

// onEstimateFee publishes a blockchain.estimatefee result, dropping
// non-positive results.
func (s *Supervisor) onEstimateFee(target int, result json.RawMessage) {
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil || btcPerKB <= 0 {
		return
	}
	if s.Bus != nil {
		s.Bus.PublishFee(events.Fee{Target: target, SatPerKVByte: int64(btcPerKB * 1e8)})
	}
}

// onRelayFee publishes a blockchain.relayfee result under fee target 0,
// the convention the fee event payload uses for the relay floor.
func (s *Supervisor) onRelayFee(result json.RawMessage) {
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil || btcPerKB < 0 {
		return
	}
	if s.Bus != nil {
		s.Bus.PublishFee(events.Fee{Target: 0, SatPerKVByte: int64(btcPerKB * 1e8)})
	}
}

// onBlockHeader handles a blockchain.block.header response, the
// single-header driver behind DEFAULT/BACKWARD/BINARY/CATCH_UP.
// A malformed response or state-machine disagreement (the bad
// header not connecting, or the backward search reaching the checkpoint
// without agreeing) just disconnects the interface; only an actual
// checkpoint-proof failure is a blacklistable offense.
func (s *Supervisor) onBlockHeader(from *iface.Interface, params []interface{}, result json.RawMessage, errResp *wire.RPCError) {
	if from == nil {
		return
	}
	if errResp != nil {
		s.dropInterface(from.Server, from)
		return
	}
	base, ok := paramInt(params, 0)
	if !ok {
		s.dropInterface(from.Server, from)
		return
	}
	headerHex, rootHex, branch, ok := decodeHeaderResult(result)
	if !ok {
		s.dropInterface(from.Server, from)
		return
	}
	if err := from.ApplyHeaderResponse(base, headerHex, rootHex, branch); err != nil {
		if rootHex != "" {
			s.blacklistAndDrop(from.Server, from)
			return
		}
		s.dropInterface(from.Server, from)
		return
	}
	s.publishUpdated(from)
	s.checkVerified(from)
}

// onBlockHeaders handles a blockchain.block.headers (chunk) response,
// the driver behind VERIFICATION and CATCH_UP's bulk fetches.
// Proof failures, root mismatches, and oversized chunks are
// protocol violations and blacklist the server; a plain request/response
// mismatch just disconnects it.
func (s *Supervisor) onBlockHeaders(from *iface.Interface, params []interface{}, result json.RawMessage, errResp *wire.RPCError) {
	if from == nil {
		return
	}
	if errResp != nil {
		s.dropInterface(from.Server, from)
		return
	}
	base, ok := paramInt(params, 0)
	if !ok {
		s.dropInterface(from.Server, from)
		return
	}
	count, _ := paramInt(params, 1)
	requestedProof := len(params) >= 3

	var payload struct {
		Count  int      `json:"count"`
		Hex    string   `json:"hex"`
		Max    int      `json:"max"`
		Root   string   `json:"root"`
		Branch []string `json:"branch"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		s.dropInterface(from.Server, from)
		return
	}

	chunk := iface.ChunkHeader{
		Base:      base,
		Count:     count,
		HeaderHex: payload.Hex,
		RootHex:   payload.Root,
		Branch:    payload.Branch,
		HasProof:  requestedProof && payload.Root != "",
	}
	outcome, err := from.ApplyChunk(chunk)
	if s.Metrics != nil {
		s.Metrics.ChunkOutcomes.WithLabelValues(outcomeLabel(outcome)).Inc()
	}
	if err != nil {
		s.blacklistAndDrop(from.Server, from)
		return
	}
	if outcome == blockchain.Rejected {
		s.dropInterface(from.Server, from)
		return
	}
	s.publishUpdated(from)
	s.checkVerified(from)
}

func outcomeLabel(o blockchain.Outcome) string {
	switch o {
	case blockchain.Accepted:
		return "accepted"
	case blockchain.Forks:
		return "forks"
	default:
		return "rejected"
	}
}

// paramInt pulls an int out of an echoed request's params, accepting
// both the plain int a local Send call stores and the float64 a JSON
// round-trip would otherwise produce.
func paramInt(params []interface{}, idx int) (int, bool) {
	if idx < 0 || idx >= len(params) {
		return 0, false
	}
	switch v := params[idx].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// decodeHeaderResult parses a blockchain.block.header result, which per
// the wire table is either a plain hex string or a {header, root,
// branch} object when a checkpoint proof was requested.
func decodeHeaderResult(result json.RawMessage) (headerHex, rootHex string, branch []string, ok bool) {
	var plain string
	if err := json.Unmarshal(result, &plain); err == nil {
		return plain, "", nil, true
	}
	var obj struct {
		Header string   `json:"header"`
		Root   string   `json:"root"`
		Branch []string `json:"branch"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return "", "", nil, false
	}
	return obj.Header, obj.Root, obj.Branch, true
}
