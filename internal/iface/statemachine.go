package iface

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"walletnet/internal/blockchain"
	"walletnet/internal/checkpoint"
)

// verificationChunkSpan is the 147-header window ([cp-146, cp]) requested
// to seed VERIFICATION.
const verificationChunkSpan = 146

// maxChunkCount is the largest header count a single chunk request may
// cover.
const maxChunkCount = 2016

// ChunkHeader bundles the decoded fields of a blockchain.block.header(s)
// response needed to drive the state machine.
type ChunkHeader struct {
	Base      int
	Count     int
	HeaderHex string
	RootHex   string // empty if no proof was attached
	Branch    []string
	HasProof  bool
}

// EnterVerification is called once, the first time this interface's
// headers.subscribe notification arrives, to kick off checkpoint
// verification with a 147-header chunk request.
func (iface *Interface) EnterVerification() error {
	base := iface.checkpointHeight - verificationChunkSpan
	if base < 0 {
		base = 0
	}
	return iface.requestHeaders(base, iface.checkpointHeight-base+1)
}

// RequestChunk requests the 2016-header chunk at chunkIndex, a no-op if
// that index is already outstanding.
func (iface *Interface) RequestChunk(chunkIndex int) error {
	iface.mu.Lock()
	if _, inFlight := iface.requestedChunks[chunkIndex]; inFlight {
		iface.mu.Unlock()
		return nil
	}
	iface.requestedChunks[chunkIndex] = struct{}{}
	iface.mu.Unlock()
	return iface.requestHeaders(chunkIndex*maxChunkCount, maxChunkCount)
}

// requestHeaders issues a blockchain.block.header(s) request for [base,
// base+count), clipping to the checkpoint and attaching a cp_height proof
// parameter on every range that touches checkpointed history.
func (iface *Interface) requestHeaders(base, count int) error {
	if count > maxChunkCount {
		return fmt.Errorf("iface: refusing to request %d headers (max %d)", count, maxChunkCount)
	}
	last := base + count - 1
	withProof := false
	cpHeight := iface.checkpointHeight

	switch {
	case last <= iface.checkpointHeight:
		withProof = true
	case base > iface.checkpointHeight:
		withProof = false
	default:
		// crosses the checkpoint: clip to [base, checkpoint_height] and
		// request with proof.
		count = iface.checkpointHeight - base + 1
		withProof = true
	}

	if count == 1 {
		params := []interface{}{base}
		if withProof {
			params = append(params, cpHeight)
		}
		_, err := iface.Send("blockchain.block.header", params)
		return err
	}
	params := []interface{}{base, count}
	if withProof {
		params = append(params, cpHeight)
	}
	_, err := iface.Send("blockchain.block.headers", params)
	return err
}

// clearRequestedChunk permits re-requesting chunkIndex after an aborted
// transition.
func (iface *Interface) clearRequestedChunk(base int) {
	if base%maxChunkCount != 0 {
		return
	}
	iface.mu.Lock()
	delete(iface.requestedChunks, base/maxChunkCount)
	iface.mu.Unlock()
}

// ApplyChunk runs the chunk-response algorithm: checking the header count
// against the requested count, proof validation against the chunk's last header, handing
// the bytes to the working chain, and driving catch-up continuation.
func (iface *Interface) ApplyChunk(resp ChunkHeader) (blockchain.Outcome, error) {
	count, err := wireHeaderCount(resp.HeaderHex)
	if err != nil {
		return blockchain.Rejected, err
	}
	if count > resp.Count {
		return blockchain.Rejected, fmt.Errorf("iface: server sent %d headers, more than the %d requested", count, resp.Count)
	}

	mode := iface.Mode()
	if mode == ModeVerification && !resp.HasProof {
		return blockchain.Rejected, fmt.Errorf("iface %s: chunk missing required checkpoint proof during verification, disconnecting", iface.Server)
	}

	if resp.HasProof {
		lastOffset := (count - 1) * blockchain.HeaderSize * 2
		lastHeaderHex := resp.HeaderHex[lastOffset : lastOffset+blockchain.HeaderSize*2]
		ok, _, err := iface.verifier.Validate(checkpoint.Proof{
			MerkleRootHex: resp.RootHex,
			Branch:        resp.Branch,
			HeaderHex:     lastHeaderHex,
			Height:        uint32(resp.Base + count - 1),
		})
		if err != nil {
			return blockchain.Rejected, err
		}
		if !ok {
			return blockchain.Rejected, fmt.Errorf("iface %s: checkpoint proof failed for base %d, disconnecting and blacklisting", iface.Server, resp.Base)
		}
	}

	outcome, err := iface.chain.ConnectChunk(resp.Base, resp.HeaderHex[:count*blockchain.HeaderSize*2], resp.HasProof)
	if err != nil {
		return outcome, err
	}
	if outcome == blockchain.Rejected {
		return outcome, nil
	}

	iface.clearRequestedChunk(resp.Base)

	if mode == ModeVerification {
		if err := iface.applySuccessfulVerification(resp); err != nil {
			return blockchain.Rejected, err
		}
		return outcome, nil
	}

	if mode == ModeCatchUp {
		iface.continueCatchUp(resp.Base + count)
	}
	return outcome, nil
}

// applySuccessfulVerification records the checkpoint root this server
// vouched for, enforces that it agrees with the first root any
// interface has reported, tracks the confirmation quorum, and (once
// satisfied) enters DEFAULT and processes the tip header cached from
// the first headers.subscribe notification.
func (iface *Interface) applySuccessfulVerification(resp ChunkHeader) error {
	root, err := hex.DecodeString(resp.RootHex)
	if err != nil {
		return fmt.Errorf("iface %s: bad checkpoint root hex: %w", iface.Server, err)
	}
	if iface.checkpointRootSeen != nil {
		if err := iface.checkpointRootSeen(root); err != nil {
			return fmt.Errorf("iface %s: checkpoint root mismatch, disconnecting and blacklisting: %w", iface.Server, err)
		}
	}

	iface.mu.Lock()
	iface.confirmationRoots = append(iface.confirmationRoots, root)
	reached := len(iface.confirmationRoots) >= iface.confirmationsNeeded
	if reached {
		iface.mode = ModeDefault
	}
	cachedHeight, cachedHeader := iface.cachedTipHeight, iface.cachedTipHeader
	hasCached := iface.cachedTipHeader != nil
	iface.mu.Unlock()

	if reached {
		iface.logger.WithFields(logrus.Fields{
			"server": iface.Server, "height": iface.checkpointHeight,
		}).Info("checkpoint verified")
	}
	if reached && hasCached {
		return iface.applyDefault(cachedHeight, cachedHeader)
	}
	if !reached {
		// Quorum not met yet: ask for the checkpoint window again.
		return iface.EnterVerification()
	}
	return nil
}

// HandleTipNotification processes one blockchain.headers.subscribe
// notification. While VERIFICATION is in progress the tip is cached
// and, the first time only, kicks off the checkpoint chunk request --
// auto-detecting checkpointHeight as tip-100 with a 3-way confirmation
// requirement when no height was configured. Once the interface is
// trusted (DEFAULT), the notification is just a new candidate tip and
// is run straight through the same logic a single-header response would
// use. Any other mode ignores the notification beyond recording the tip,
// since BACKWARD/BINARY/CATCH_UP are driven by explicit request/response
// traffic, not pushes.
func (iface *Interface) HandleTipNotification(height int, headerHex string) error {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return fmt.Errorf("iface %s: bad tip header hex: %w", iface.Server, err)
	}

	switch iface.Mode() {
	case ModeVerification:
		iface.mu.Lock()
		first := !iface.verificationStarted
		iface.verificationStarted = true
		iface.cachedTipHeight = height
		iface.cachedTipHeader = raw
		configured := iface.checkpointConfigured
		iface.mu.Unlock()
		iface.setTip(height, raw)
		if !first {
			return nil
		}
		if !configured {
			iface.mu.Lock()
			iface.checkpointHeight = height - 100
			iface.checkpointConfigured = true
			iface.confirmationsNeeded = 3
			iface.mu.Unlock()
		}
		return iface.EnterVerification()
	case ModeDefault:
		return iface.applyDefault(height, raw)
	default:
		iface.setTip(height, raw)
		return nil
	}
}

// continueCatchUp requests the next header/chunk while catching up, or
// finishes into DEFAULT once next exceeds the interface's advertised tip

func (iface *Interface) continueCatchUp(next int) {
	iface.mu.Lock()
	tip := iface.Tip
	iface.mu.Unlock()

	if next > tip {
		iface.mu.Lock()
		iface.mode = ModeDefault
		iface.mu.Unlock()
		iface.chain.ClearCatchUp()
		iface.logger.WithFields(logrus.Fields{
			"server": iface.Server, "tip": tip,
		}).Debug("caught up to advertised tip")
		return
	}
	if tip-next >= maxChunkCount {
		iface.RequestChunk(next / maxChunkCount)
		return
	}
	iface.requestHeaders(next, 1)
}

// ApplyHeader processes a single blockchain.block.header response, the
// driver behind DEFAULT/BACKWARD/BINARY/CATCH_UP transitions.
func (iface *Interface) ApplyHeader(height int, headerHex string) error {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return fmt.Errorf("iface: bad header hex: %w", err)
	}

	mode := iface.Mode()
	switch mode {
	case ModeDefault:
		return iface.applyDefault(height, raw)
	case ModeBackward:
		return iface.applyBackward(height, raw)
	case ModeBinary:
		return iface.applyBinary(height, raw)
	case ModeCatchUp:
		return iface.applyCatchUp(height, raw)
	default:
		return fmt.Errorf("iface: unexpected single-header response while in %s", mode)
	}
}

// ApplyHeaderResponse handles a blockchain.block.header reply that may
// carry a checkpoint proof (wire table: "hex string, or {header, root,
// branch}"). In practice BACKWARD/BINARY/CATCH_UP only ever request
// single headers above checkpointHeight, so rootHex is normally empty;
// this still honors the wire contract defensively for any cp_height
// single-header request a caller issues directly.
func (iface *Interface) ApplyHeaderResponse(height int, headerHex, rootHex string, branch []string) error {
	if rootHex != "" {
		ok, _, err := iface.verifier.Validate(checkpoint.Proof{
			MerkleRootHex: rootHex,
			Branch:        branch,
			HeaderHex:     headerHex,
			Height:        uint32(height),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("iface %s: checkpoint proof failed for height %d, disconnecting and blacklisting", iface.Server, height)
		}
	}
	return iface.ApplyHeader(height, headerHex)
}

func (iface *Interface) applyDefault(height int, header []byte) error {
	if stored, ok := iface.chain.ReadHeader(height); ok && hex.EncodeToString(stored) == hex.EncodeToString(header) {
		// Already part of this chain's history -- nothing to do beyond
		// recording the advertised tip.
		iface.setTip(height, header)
		return nil
	}
	if iface.chain.CanConnect(header, height) {
		if err := iface.chain.SaveHeader(height, header); err != nil {
			return err
		}
		iface.setTip(height, header)
		return nil
	}

	longestTip := iface.chains.Longest().Height()
	if longestTip > iface.checkpointHeight {
		iface.mu.Lock()
		iface.mode = ModeBackward
		iface.bad = height
		iface.badHeader = header
		iface.mu.Unlock()
		iface.logger.WithFields(logrus.Fields{
			"server": iface.Server, "bad": height,
		}).Debug("header does not connect, starting backward search")
		next := min(longestTip, height-1)
		return iface.requestHeaders(next, 1)
	}
	iface.mu.Lock()
	iface.mode = ModeCatchUp
	iface.mu.Unlock()
	return iface.requestHeaders(iface.checkpointHeight+1, 1)
}

func (iface *Interface) applyBackward(height int, header []byte) error {
	if stored, ok := iface.chain.ReadHeader(height); ok && hex.EncodeToString(stored) == hex.EncodeToString(header) {
		iface.mu.Lock()
		iface.mode = ModeBinary
		iface.good = height
		iface.mu.Unlock()
		return iface.requestBinaryMidpoint()
	}
	if height <= iface.checkpointHeight {
		return fmt.Errorf("iface %s: backward search reached checkpoint height %d without connecting, disconnecting", iface.Server, iface.checkpointHeight)
	}
	iface.mu.Lock()
	iface.bad = height
	iface.badHeader = header
	tip := iface.Tip
	iface.mu.Unlock()
	next := max(iface.checkpointHeight, tip-2*(tip-height))
	return iface.requestHeaders(next, 1)
}

func (iface *Interface) requestBinaryMidpoint() error {
	iface.mu.Lock()
	good, bad := iface.good, iface.bad
	iface.mu.Unlock()
	if bad-good <= 1 {
		return iface.resolveBinary()
	}
	mid := good + (bad-good)/2
	return iface.requestHeaders(mid, 1)
}

func (iface *Interface) applyBinary(height int, header []byte) error {
	if stored, ok := iface.chain.ReadHeader(height); ok && hex.EncodeToString(stored) == hex.EncodeToString(header) {
		iface.mu.Lock()
		iface.good = height
		iface.mu.Unlock()
	} else {
		iface.mu.Lock()
		iface.bad = height
		iface.badHeader = header
		iface.mu.Unlock()
	}
	return iface.requestBinaryMidpoint()
}

// resolveBinary settles the binary search once bad-good==1: join an
// existing fork that already records the server's view, overwrite one
// that disagrees, or fork fresh. ChainSet.ForkFrom is idempotent, so
// requesting the same base height twice joins rather than duplicates.
// Reparenting an existing fork onto its own parent is not attempted.
func (iface *Interface) resolveBinary() error {
	iface.mu.Lock()
	good, bad, badHeader := iface.good, iface.bad, iface.badHeader
	iface.mu.Unlock()

	if !iface.chain.CanConnect(badHeader, bad) {
		return fmt.Errorf("iface %s: bad_header at height %d cannot connect, disconnecting", iface.Server, bad)
	}

	existing, hasExisting := iface.chains.Get(bad)
	var fork *blockchain.Chain
	var err error
	if hasExisting {
		if stored, ok := existing.ReadHeader(bad); ok && hex.EncodeToString(stored) == hex.EncodeToString(badHeader) {
			fork = existing // join: someone already recorded this exact view
		} else {
			fork, err = iface.chains.Overwrite(iface.chain, bad)
		}
	} else if iface.chain.Height() > good {
		fork, err = iface.chains.ForkFrom(iface.chain, bad)
	}
	if err != nil {
		return err
	}
	if fork == nil {
		// Current chain's height equals good: nobody forked, just resume
		// catching up past the point of disagreement if uncontested.
		if _, claimed := iface.chain.CatchUp(); claimed {
			return nil
		}
		iface.chain.SetCatchUp(iface.Server)
		iface.mu.Lock()
		iface.mode = ModeCatchUp
		iface.mu.Unlock()
		return iface.requestHeaders(good+1, 1)
	}

	if err := fork.SaveHeader(bad, badHeader); err != nil {
		return err
	}
	iface.mu.Lock()
	iface.chain = fork
	iface.mode = ModeCatchUp
	iface.mu.Unlock()
	fork.SetCatchUp(iface.Server)
	iface.logger.WithFields(logrus.Fields{
		"server": iface.Server, "fork_height": bad,
	}).Info("binary search resolved, catching up on fork")
	return iface.requestHeaders(bad+1, 1)
}

func (iface *Interface) applyCatchUp(height int, header []byte) error {
	if iface.chain.CanConnect(header, height) {
		if err := iface.chain.SaveHeader(height, header); err != nil {
			return err
		}
		iface.continueCatchUp(height + 1)
		return nil
	}
	iface.mu.Lock()
	iface.mode = ModeBackward
	iface.bad = height
	iface.badHeader = header
	tip := iface.Tip
	iface.mu.Unlock()
	next := max(iface.checkpointHeight, tip-2*(tip-height))
	return iface.requestHeaders(next, 1)
}

func (iface *Interface) setTip(height int, header []byte) {
	iface.mu.Lock()
	defer iface.mu.Unlock()
	if height > iface.Tip {
		iface.Tip = height
		iface.TipHeader = header
	}
}

func wireHeaderCount(headerHex string) (int, error) {
	if len(headerHex)%(blockchain.HeaderSize*2) != 0 {
		return 0, fmt.Errorf("iface: chunk hex length %d not a multiple of %d", len(headerHex), blockchain.HeaderSize*2)
	}
	return len(headerHex) / (blockchain.HeaderSize * 2), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
