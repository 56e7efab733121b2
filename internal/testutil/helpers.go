package testutil

import (
	"os"
	"path/filepath"
	"testing"

	nstls "grimm.is/nftsync/internal/tls"
)

// RequireVM skips the test if the NFT_SYNC_VM_TEST environment variable is
// not set. Tests that touch the real kernel ruleset only run in a disposable
// VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("NFT_SYNC_VM_TEST") == "" {
		t.Skip("Skipping test: requires NFT_SYNC_VM_TEST environment")
	}
}

// PKI is a throwaway certificate authority with one server and one client
// key pair.
type PKI struct {
	Dir    string
	Server nstls.Credentials
	Client nstls.Credentials
}

// NewPKI bootstraps a PKI in a temporary directory.
func NewPKI(t *testing.T) *PKI {
	t.Helper()
	dir := t.TempDir()
	if err := nstls.Bootstrap(nstls.BootstrapOptions{Dir: dir}); err != nil {
		t.Fatalf("failed to bootstrap PKI: %v", err)
	}
	ca := filepath.Join(dir, nstls.CAFile)
	return &PKI{
		Dir: dir,
		Server: nstls.Credentials{
			Cert: filepath.Join(dir, nstls.ServerFile),
			Key:  filepath.Join(dir, nstls.ServerKeyFile),
			CA:   ca,
		},
		Client: nstls.Credentials{
			Cert: filepath.Join(dir, nstls.ClientFile),
			Key:  filepath.Join(dir, nstls.ClientKeyFile),
			CA:   ca,
		},
	}
}
