package blockchain

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"walletnet/pkg/utils"
)

// ChainSet holds every known fork, keyed by the absolute height it
// diverged at. Chain 0 (base height 0) is always the canonical,
// longest-known chain.
type ChainSet struct {
	mu     sync.RWMutex
	dir    string
	chains map[int]*Chain
	logger *logrus.Logger
}

// NewChainSet opens (or creates) the canonical chain under dir and
// returns a ChainSet seeded with it.
func NewChainSet(dir string, logger *logrus.Logger) (*ChainSet, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, utils.Wrap(err, "blockchain: create chain directory")
	}
	canonical, err := Open(filepath.Join(dir, "blockchain_headers"), 0, nil, logger)
	if err != nil {
		return nil, utils.Wrap(err, "blockchain: open canonical chain")
	}
	return &ChainSet{
		dir:    dir,
		chains: map[int]*Chain{0: canonical},
		logger: logger,
	}, nil
}

// Canonical returns the chain rooted at genesis.
func (s *ChainSet) Canonical() *Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains[0]
}

// Get returns the fork rooted at baseHeight, if known.
func (s *ChainSet) Get(baseHeight int) (*Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[baseHeight]
	return c, ok
}

// Longest returns the chain with the greatest known tip height, breaking
// ties toward the canonical chain.
func (s *ChainSet) Longest() *Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := s.chains[0]
	for _, c := range s.chains {
		if c.Height() > best.Height() {
			best = c
		}
	}
	return best
}

// ForkFrom creates (or returns, if already present) a new chain rooted at
// baseHeight, forked off parent, and registers it.
func (s *ChainSet) ForkFrom(parent *Chain, baseHeight int) (*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chains[baseHeight]; ok {
		return existing, nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("fork_%d", baseHeight))
	c, err := parent.Fork(baseHeight, path)
	if err != nil {
		return nil, err
	}
	s.chains[baseHeight] = c
	s.logger.WithField("base_height", baseHeight).Info("new forked chain registered")
	return c, nil
}

// Overwrite replaces the fork at baseHeight with a fresh chain holding
// the server's view, discarding whatever the old fork recorded.
func (s *ChainSet) Overwrite(parent *Chain, baseHeight int) (*Chain, error) {
	s.mu.Lock()
	if old, ok := s.chains[baseHeight]; ok && old != parent {
		old.Close()
		if err := os.Remove(old.Path()); err != nil && !os.IsNotExist(err) {
			s.mu.Unlock()
			return nil, utils.Wrap(err, "blockchain: discard overwritten fork")
		}
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("fork_%d", baseHeight))
	c, err := parent.Fork(baseHeight, path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.chains[baseHeight] = c
	s.mu.Unlock()
	return c, nil
}

// Close closes every chain in the set.
func (s *ChainSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.chains {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
