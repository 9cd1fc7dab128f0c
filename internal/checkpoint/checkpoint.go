// Package checkpoint implements the merkle-proof validator that lets a
// freshly connected interface prove its view of history folds into the
// client's trusted checkpoint before it is allowed to contribute
// headers.
package checkpoint

import (
	"encoding/hex"
	"fmt"

	sha256simd "github.com/minio/sha256-simd"
)

// Proof bundles the wire-level fields needed to verify one server's
// checkpoint claim: the header at Height, the root it claims for the
// header merkle tree, and the branch connecting the two.
type Proof struct {
	MerkleRootHex string
	Branch        []string
	HeaderHex     string
	Height        uint32
}

// Validator checks checkpoint proofs against an optional hard-coded root.
// A Validator with no configured root accepts the server's claimed root
// as authoritative -- the "no baked-in checkpoint" case, not a disabled
// validator.
type Validator struct {
	configuredRoot []byte // nil if the network has no hard-coded checkpoint
}

// NewValidator builds a Validator. Pass "" for configuredRootHex when the
// network has no hard-coded checkpoint.
func NewValidator(configuredRootHex string) (*Validator, error) {
	if configuredRootHex == "" {
		return &Validator{}, nil
	}
	raw, err := hex.DecodeString(configuredRootHex)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: bad configured root: %w", err)
	}
	return &Validator{configuredRoot: reverseBytes(raw)}, nil
}

// Validate runs the full proof check and reports whether the proof
// checks out, along with the root it validated against (useful for callers
// that need to compare across servers, e.g. the multi-confirmation hook in
// the header sync state machine).
func (v *Validator) Validate(p Proof) (ok bool, root []byte, err error) {
	receivedRoot, err := hex.DecodeString(p.MerkleRootHex)
	if err != nil {
		return false, nil, fmt.Errorf("checkpoint: bad merkle root hex: %w", err)
	}
	receivedRoot = reverseBytes(receivedRoot)

	expectedRoot := receivedRoot
	if v.configuredRoot != nil {
		expectedRoot = v.configuredRoot
	}
	if !bytesEqual(receivedRoot, expectedRoot) {
		return false, expectedRoot, nil
	}

	headerRaw, err := hex.DecodeString(p.HeaderHex)
	if err != nil {
		return false, expectedRoot, fmt.Errorf("checkpoint: bad header hex: %w", err)
	}
	headerHash := sha256d(headerRaw)

	branch := make([][]byte, len(p.Branch))
	for i, b := range p.Branch {
		raw, err := hex.DecodeString(b)
		if err != nil {
			return false, expectedRoot, fmt.Errorf("checkpoint: bad branch element %d: %w", i, err)
		}
		branch[i] = reverseBytes(raw)
	}

	provenRoot := rootFromProof(headerHash, branch, p.Height)
	return bytesEqual(provenRoot, expectedRoot), expectedRoot, nil
}

// rootFromProof folds a merkle branch into a root using the standard
// binary-tree convention: at each level, the running hash is combined with
// the branch element on whichever side the current index indicates, then
// the index halves for the parent level.
func rootFromProof(leaf []byte, branch [][]byte, index uint32) []byte {
	hash := leaf
	for _, sibling := range branch {
		if index&1 == 1 {
			hash = sha256d(concat(sibling, hash))
		} else {
			hash = sha256d(concat(hash, sibling))
		}
		index >>= 1
	}
	return hash
}

func sha256d(b []byte) []byte {
	first := sha256simd.Sum256(b)
	second := sha256simd.Sum256(first[:])
	return second[:]
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
