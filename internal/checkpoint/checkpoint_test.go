package checkpoint

import (
	"encoding/hex"
	"testing"
)

// buildProof constructs a header + single-sibling merkle branch and returns
// the Proof plus the expected root, so tests don't hand-encode hex fixtures.
func buildProof(t *testing.T, height uint32) (Proof, string) {
	t.Helper()
	header := make([]byte, 80)
	for i := range header {
		header[i] = byte(i)
	}
	sibling := make([]byte, 32)
	for i := range sibling {
		sibling[i] = byte(255 - i)
	}

	leafHash := sha256d(header)
	root := rootFromProof(leafHash, [][]byte{reverseBytes(sibling)}, height)

	return Proof{
		MerkleRootHex: hex.EncodeToString(reverseBytes(root)),
		Branch:        []string{hex.EncodeToString(sibling)},
		HeaderHex:     hex.EncodeToString(header),
		Height:        height,
	}, hex.EncodeToString(reverseBytes(root))
}

func TestValidateNoConfiguredRootAcceptsClaimedRoot(t *testing.T) {
	v, err := NewValidator("")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	proof, _ := buildProof(t, 42)
	ok, _, err := v.Validate(proof)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected proof to validate against its own claimed root")
	}
}

func TestValidateConfiguredRootMismatchRejected(t *testing.T) {
	proof, _ := buildProof(t, 7)
	v, err := NewValidator(hex.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ok, _, err := v.Validate(proof)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch against configured root to fail")
	}
}

func TestValidateConfiguredRootMatch(t *testing.T) {
	proof, rootHex := buildProof(t, 100)
	v, err := NewValidator(rootHex)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ok, root, err := v.Validate(proof)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected matching configured root to validate")
	}
	if hex.EncodeToString(reverseBytes(root)) != rootHex {
		t.Fatalf("expected returned root to equal configured root")
	}
}

func TestValidateBadHexRejected(t *testing.T) {
	v, _ := NewValidator("")
	_, _, err := v.Validate(Proof{MerkleRootHex: "not-hex", HeaderHex: "00", Height: 0})
	if err == nil {
		t.Fatalf("expected error for malformed merkle root hex")
	}
}

func TestValidateTamperedBranchRejected(t *testing.T) {
	proof, _ := buildProof(t, 3)
	// Flip a byte in the branch element: the proof no longer folds to the
	// claimed root even though the root hex itself is untouched.
	raw, _ := hex.DecodeString(proof.Branch[0])
	raw[0] ^= 0xFF
	proof.Branch[0] = hex.EncodeToString(raw)

	v, _ := NewValidator("")
	// configuredRoot is empty, so expectedRoot falls back to the (untouched)
	// claimed root -- the tampering must be caught by the branch fold, not
	// the root-equality short-circuit.
	ok, _, err := v.Validate(proof)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered branch to fail proof validation")
	}
}
