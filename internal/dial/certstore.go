package dial

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"walletnet/pkg/utils"
)

// CertStore persists one pinned self-signed certificate per host under
// certs/<host>, mode 0700. On first connection to a host the presented
// certificate is pinned; thereafter any mismatched certificate fails
// the handshake (trust-on-first-use).
type CertStore struct {
	dir string
}

// NewCertStore creates the certs directory (0700) under root if absent.
func NewCertStore(root string) (*CertStore, error) {
	dir := filepath.Join(root, "certs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, utils.Wrap(err, "dial: create cert store directory")
	}
	return &CertStore{dir: dir}, nil
}

func (s *CertStore) pathFor(host string) string {
	return filepath.Join(s.dir, host)
}

// Verify checks certDER against the pin stored for host, pinning it if
// none exists yet. Returns an error if a different certificate was
// already pinned for this host.
func (s *CertStore) Verify(host string, certDER []byte) error {
	path := s.pathFor(host)
	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return utils.Wrap(err, "dial: read pinned cert")
		}
		return s.pin(path, certDER)
	}
	block, _ := pem.Decode(existing)
	if block == nil {
		return fmt.Errorf("dial: pinned cert for %s is corrupt", host)
	}
	if !bytes.Equal(block.Bytes, certDER) {
		return fmt.Errorf("dial: certificate for %s does not match pinned cert (possible MITM)", host)
	}
	return nil
}

func (s *CertStore) pin(path string, certDER []byte) error {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: certDER}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(block), 0o600); err != nil {
		return utils.Wrap(err, "dial: write pinned cert")
	}
	return os.Rename(tmp, path)
}
