// Package blockchain implements per-fork header storage: height, read
// and save operations, connectivity checks, and chunk ingestion.
package blockchain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	sha256simd "github.com/minio/sha256-simd"
)

// HeaderSize is the fixed 80-byte block header size.
const HeaderSize = 80

// Header is a thin accessor over a raw 80-byte header. It does not copy the
// backing array.
type Header []byte

func (h Header) valid() bool { return len(h) == HeaderSize }

// PrevHash returns the raw (internal byte order) previous-block-hash field.
func (h Header) PrevHash() []byte {
	if !h.valid() {
		return nil
	}
	return h[4:36]
}

// Bits returns the compact-format difficulty target field.
func (h Header) Bits() uint32 {
	if !h.valid() {
		return 0
	}
	return binary.LittleEndian.Uint32(h[72:76])
}

// Hash returns SHA256d(header), in the same internal byte order used
// throughout the header chain (reversed relative to the hex display
// convention -- see internal/checkpoint for the reversal at the wire
// boundary).
func (h Header) Hash() []byte {
	first := sha256simd.Sum256(h)
	second := sha256simd.Sum256(first[:])
	return second[:]
}

// bitsToTarget decodes the compact ("nBits") difficulty representation
// into the full 256-bit target a header hash must not exceed.
func bitsToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target
}

// meetsTarget reports whether hash, read as a big-endian integer after
// reversing its internal byte order, is at or below the bits-derived
// target.
func meetsTarget(hash []byte, bits uint32) bool {
	target := bitsToTarget(bits)
	if target.Sign() <= 0 {
		return false
	}
	reversed := make([]byte, len(hash))
	for i, b := range hash {
		reversed[len(hash)-1-i] = b
	}
	hashInt := new(big.Int).SetBytes(reversed)
	return hashInt.Cmp(target) <= 0
}

// CheckHeader verifies that header's own proof-of-work satisfies the
// target implied by its bits field. It does not recompute the difficulty
// retarget across adjustment periods.
func CheckHeader(header []byte) bool {
	h := Header(header)
	if !h.valid() {
		return false
	}
	return meetsTarget(h.Hash(), h.Bits())
}

func validateHeaderLen(header []byte) error {
	if len(header) != HeaderSize {
		return fmt.Errorf("blockchain: header must be %d bytes, got %d", HeaderSize, len(header))
	}
	return nil
}
