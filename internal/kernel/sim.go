package kernel

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/ruleset"
)

// SimChannel is an in-memory kernel. Each applied ruleset replaces the
// previous content stored under its name, all at once or not at all.
type SimChannel struct {
	mu         sync.Mutex
	tables     map[string][]byte
	generation uint64
	closed     bool

	// Reject, when set, is consulted before each apply; a non-nil result
	// aborts the transaction.
	Reject func(r ruleset.Ruleset) error
}

// NewSimChannel creates an empty simulated kernel.
func NewSimChannel() *SimChannel {
	return &SimChannel{tables: make(map[string][]byte)}
}

// RejectContaining returns a Reject function refusing any ruleset whose
// content contains marker.
func RejectContaining(marker string) func(ruleset.Ruleset) error {
	return func(r ruleset.Ruleset) error {
		if bytes.Contains(r.Content, []byte(marker)) {
			return errors.Errorf(errors.KindApply, "ruleset %s: syntax error near %q", r.Name, marker)
		}
		return nil
	}
}

// Query renders the simulated ruleset, one section per applied name in
// lexical order.
func (s *SimChannel) Query(ctx context.Context) (ruleset.Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ruleset.Ruleset{}, errors.New(errors.KindInternal, "kernel channel closed")
	}

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString("# " + name + "\n")
		buf.Write(s.tables[name])
		if n := len(s.tables[name]); n > 0 && s.tables[name][n-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return ruleset.New(ruleset.KernelName, buf.Bytes()), nil
}

// Apply stores r under its name unless Reject refuses it.
func (s *SimChannel) Apply(ctx context.Context, r ruleset.Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "kernel channel closed")
	}
	if s.Reject != nil {
		if err := s.Reject(r); err != nil {
			if !errors.IsKind(err, errors.KindApply) {
				err = errors.Wrapf(err, errors.KindApply, "ruleset %s rejected", r.Name)
			}
			return err
		}
	}

	s.tables[r.Name] = bytes.Clone(r.Content)
	s.generation++
	return nil
}

// Fingerprint returns the transaction generation.
func (s *SimChannel) Fingerprint(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatUint(s.generation, 10), nil
}

// Applied returns the content last applied under name.
func (s *SimChannel) Applied(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tables[name]
	return c, ok
}

// Generation returns the number of committed transactions.
func (s *SimChannel) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Close marks the channel closed.
func (s *SimChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
