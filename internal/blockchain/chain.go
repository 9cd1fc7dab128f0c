package blockchain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"walletnet/internal/serverkey"
	"walletnet/pkg/utils"
)

// Outcome is the result of attempting to connect a chunk of headers.
type Outcome int

const (
	// Accepted means every header in the chunk connected and validated.
	Accepted Outcome = iota
	// Forks means a prefix of the chunk connected but the remainder
	// diverged from this chain's view. The interface is kept; the
	// truncation itself marks the fork boundary.
	Forks
	// Rejected means the chunk did not connect to this chain at all.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "ACCEPTED"
	case Forks:
		return "FORKS"
	default:
		return "REJECTED"
	}
}

// Chain is one fork of the header tree, backed by a dense binary file
// of 80-byte headers. Height 0 of the file corresponds to absolute
// height BaseHeight; a chain rooted above genesis only needs to store
// headers from its fork point onward and defers to Parent for anything
// earlier.
type Chain struct {
	mu         sync.RWMutex
	path       string
	file       *os.File
	baseHeight int
	tip        int // absolute height of the highest saved header, baseHeight-1 if empty
	parent     *Chain
	catchUp    *serverkey.Key
	logger     *logrus.Logger
}

// Open opens (creating if absent) the dense header file at path for a
// chain forked at baseHeight from parent (nil for the canonical chain
// rooted at genesis).
func Open(path string, baseHeight int, parent *Chain, logger *logrus.Logger) (*Chain, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, utils.Wrap(err, "blockchain: open header file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "blockchain: stat header file")
	}
	storedHeaders := int(info.Size() / HeaderSize)
	c := &Chain{
		path:       path,
		file:       f,
		baseHeight: baseHeight,
		tip:        baseHeight + storedHeaders - 1,
		parent:     parent,
		logger:     logger,
	}
	return c, nil
}

// Close releases the underlying file handle.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// Height returns the absolute height of this chain's highest known header,
// or BaseHeight()-1 if it holds none yet.
func (c *Chain) Height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// BaseHeight returns the absolute height this chain forked from its
// parent at (0 for the canonical chain).
func (c *Chain) BaseHeight() int {
	return c.baseHeight
}

// Parent returns the chain this one forked from, or nil for the canonical
// chain.
func (c *Chain) Parent() *Chain {
	return c.parent
}

// Path returns the backing file's path.
func (c *Chain) Path() string {
	return c.path
}

// CatchUp returns the server currently responsible for catching this
// chain up, if any. Stored as a ServerKey value rather than an owning
// reference to the interface.
func (c *Chain) CatchUp() (serverkey.Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.catchUp == nil {
		return "", false
	}
	return *c.catchUp, true
}

// SetCatchUp marks k as responsible for catching this chain up.
func (c *Chain) SetCatchUp(k serverkey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchUp = &k
}

// ClearCatchUp releases the catch-up claim, e.g. when the responsible
// interface disconnects or the chain finishes catching up.
func (c *Chain) ClearCatchUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchUp = nil
}

// ReadHeader returns the raw header at the given absolute height,
// delegating to the parent chain for heights below this chain's base.
func (c *Chain) ReadHeader(height int) ([]byte, bool) {
	if height < c.baseHeight {
		if c.parent == nil {
			return nil, false
		}
		return c.parent.ReadHeader(height)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readHeaderLocked(height)
}

func (c *Chain) readHeaderLocked(height int) ([]byte, bool) {
	if height > c.tip || height < c.baseHeight {
		return nil, false
	}
	offset := int64(height-c.baseHeight) * HeaderSize
	buf := make([]byte, HeaderSize)
	n, err := c.file.ReadAt(buf, offset)
	if err != nil || n != HeaderSize {
		return nil, false
	}
	if bytes.Equal(buf, make([]byte, HeaderSize)) {
		return nil, false // sparse hole: never written
	}
	return buf, true
}

// SaveHeader writes header at the given absolute height, extending the
// backing file (and the in-memory tip) as needed. Gaps between the old tip
// and height are left as sparse holes on filesystems that support them.
func (c *Chain) SaveHeader(height int, header []byte) error {
	if err := validateHeaderLen(header); err != nil {
		return err
	}
	if height < c.baseHeight {
		return fmt.Errorf("blockchain: height %d precedes chain base %d", height, c.baseHeight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	offset := int64(height-c.baseHeight) * HeaderSize
	if _, err := c.file.WriteAt(header, offset); err != nil {
		return utils.Wrap(err, "blockchain: write header")
	}
	if height > c.tip {
		c.tip = height
	}
	return nil
}

// CanConnect reports whether header's prev-hash field matches the hash of
// the header already stored immediately before checkHeight.
func (c *Chain) CanConnect(header []byte, checkHeight int) bool {
	if err := validateHeaderLen(header); err != nil {
		return false
	}
	prev, ok := c.ReadHeader(checkHeight - 1)
	if !ok {
		return checkHeight == 0 // genesis has no predecessor to match
	}
	return bytes.Equal(Header(header).PrevHash(), Header(prev).Hash())
}

// ConnectChunk validates and stores a run of headers starting at
// baseHeight. headerHex is the raw hex
// blob from the wire (already length-validated by the caller against the
// requested count).
func (c *Chain) ConnectChunk(baseHeight int, headerHex string, proofProvided bool) (Outcome, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return Rejected, utils.Wrap(err, "blockchain: decode chunk hex")
	}
	if len(raw)%HeaderSize != 0 {
		return Rejected, fmt.Errorf("blockchain: chunk byte length %d not a multiple of %d", len(raw), HeaderSize)
	}
	count := len(raw) / HeaderSize
	if count == 0 {
		return Rejected, fmt.Errorf("blockchain: empty chunk")
	}
	c.logger.WithFields(logrus.Fields{
		"base": baseHeight, "count": count, "proof": proofProvided,
	}).Debug("connecting header chunk")

	headers := make([]Header, count)
	for i := 0; i < count; i++ {
		headers[i] = Header(raw[i*HeaderSize : (i+1)*HeaderSize])
	}

	if !CheckHeader(headers[0]) {
		return Rejected, nil
	}
	if !c.CanConnect(headers[0], baseHeight) {
		return Rejected, nil
	}
	if err := c.SaveHeader(baseHeight, headers[0]); err != nil {
		return Rejected, err
	}

	for i := 1; i < count; i++ {
		if !CheckHeader(headers[i]) {
			c.logger.WithField("height", baseHeight+i).Warn("chunk header failed proof-of-work check, truncating")
			return Forks, nil
		}
		if !bytes.Equal(headers[i].PrevHash(), headers[i-1].Hash()) {
			c.logger.WithField("height", baseHeight+i).Warn("chunk header does not connect to predecessor, truncating")
			return Forks, nil
		}
		if err := c.SaveHeader(baseHeight+i, headers[i]); err != nil {
			return Rejected, err
		}
	}
	return Accepted, nil
}

// Fork creates a new chain rooted at badHeader: its base height is
// badHeight, and heights below it are read from c. Callers determine badHeader's height
// themselves (the binary-search cursor tracked by the Interface) and pass
// the same value used for SaveHeader.
func (c *Chain) Fork(badHeight int, path string) (*Chain, error) {
	return Open(path, badHeight, c, c.logger)
}
