// Package ruleset defines the named, hashed firewall ruleset blob that the
// sync engine moves between RuleStore, the wire and the kernel channel.
// The content is opaque: nothing in this package parses it.
package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"grimm.is/nftsync/internal/errors"
)

// HashSize is the length of a ruleset content hash.
const HashSize = sha256.Size

// MaxNameLen bounds a ruleset name so it fits a one-byte length prefix.
const MaxNameLen = 255

// KernelName is the reserved name addressing the live kernel ruleset.
// It can never collide with a stored ruleset because '@' fails ValidName.
const KernelName = "@kernel"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)

// Hash is the SHA-256 of a ruleset's content.
type Hash [HashSize]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex digits, for logs.
func (h Hash) Short() string {
	return h.String()[:12]
}

// Ruleset is a named blob of serialized firewall rules.
type Ruleset struct {
	Name    string
	Content []byte
	Hash    Hash
}

// New builds a Ruleset and computes its content hash.
func New(name string, content []byte) Ruleset {
	return Ruleset{
		Name:    name,
		Content: content,
		Hash:    Sum(content),
	}
}

// Sum hashes ruleset content.
func Sum(content []byte) Hash {
	return Hash(sha256.Sum256(content))
}

// Verify reports whether Hash matches Content.
func (r Ruleset) Verify() bool {
	return Sum(r.Content) == r.Hash
}

// ValidName reports whether name is allowed as a stored ruleset name:
// alphanumerics, dash and dot, not starting with a dot or dash.
// This rejects path separators and "..", so a valid name never escapes the
// rules directory.
func ValidName(name string) bool {
	return len(name) <= MaxNameLen && namePattern.MatchString(name)
}

// CheckName returns a KindInvalid error when name fails ValidName.
func CheckName(name string) error {
	if !ValidName(name) {
		return errors.Errorf(errors.KindInvalid, "invalid ruleset name %q", name)
	}
	return nil
}
