package dial

import (
	"testing"

	"walletnet/internal/testutil"
)

func TestCertStorePinsOnFirstUse(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	store, err := NewCertStore(sb.Root)
	if err != nil {
		t.Fatalf("NewCertStore: %v", err)
	}
	cert := []byte("fake-der-bytes-for-testing")
	if err := store.Verify("electrum.example.com", cert); err != nil {
		t.Fatalf("expected first-use pin to succeed: %v", err)
	}
	if err := store.Verify("electrum.example.com", cert); err != nil {
		t.Fatalf("expected matching cert to verify against the pin: %v", err)
	}
}

func TestCertStoreRejectsMismatch(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	store, err := NewCertStore(sb.Root)
	if err != nil {
		t.Fatalf("NewCertStore: %v", err)
	}
	if err := store.Verify("electrum.example.com", []byte("original-cert")); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := store.Verify("electrum.example.com", []byte("different-cert")); err == nil {
		t.Fatalf("expected mismatched certificate to be rejected")
	}
}
