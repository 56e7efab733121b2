// Package rulestore is the server-side repository of named ruleset files.
//
// Each regular file in the rules directory whose name passes
// ruleset.ValidName is one ruleset. The store is read-only: it never writes
// to the directory, so concurrent readers need no locking.
package rulestore

import (
	"io"
	"io/fs"
	"os"
	"sort"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
)

// Store reads rulesets from a directory.
type Store struct {
	dir    string
	root   *os.Root
	logger *logging.Logger
}

// Open opens the rules directory. Lookups go through an os.Root, so even a
// symlink inside the directory cannot resolve outside of it.
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "rules directory %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf(errors.KindConfig, "rules directory %s is not a directory", dir)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to open rules directory %s", dir)
	}
	return &Store{
		dir:    dir,
		root:   root,
		logger: logger.WithComponent("rulestore"),
	}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}

// List returns the names of all available rulesets in lexical order.
func (s *Store) List() ([]string, error) {
	entries, err := fs.ReadDir(s.root.FS(), ".")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list rules directory")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !ruleset.ValidName(e.Name()) {
			continue
		}
		info, err := s.root.Stat(e.Name())
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > protocol.MaxRulesetSize {
			s.logger.Warn("Skipping oversized ruleset", "name", e.Name(), "size", info.Size())
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read loads one ruleset. The name is validated before the filesystem is
// touched.
func (s *Store) Read(name string) (ruleset.Ruleset, error) {
	if err := ruleset.CheckName(name); err != nil {
		return ruleset.Ruleset{}, err
	}

	f, err := s.root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ruleset.Ruleset{}, errors.Errorf(errors.KindNotFound, "ruleset %s not found", name)
		}
		return ruleset.Ruleset{}, errors.Wrapf(err, errors.KindInternal, "failed to open ruleset %s", name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ruleset.Ruleset{}, errors.Wrapf(err, errors.KindInternal, "failed to stat ruleset %s", name)
	}
	if !info.Mode().IsRegular() {
		return ruleset.Ruleset{}, errors.Errorf(errors.KindNotFound, "ruleset %s not found", name)
	}

	content, err := io.ReadAll(io.LimitReader(f, protocol.MaxRulesetSize+1))
	if err != nil {
		return ruleset.Ruleset{}, errors.Wrapf(err, errors.KindInternal, "failed to read ruleset %s", name)
	}
	if len(content) > protocol.MaxRulesetSize {
		return ruleset.Ruleset{}, errors.Errorf(errors.KindInvalid, "ruleset %s exceeds %d bytes", name, protocol.MaxRulesetSize)
	}

	return ruleset.New(name, content), nil
}

// ReadAll loads every ruleset returned by List, in List order.
func (s *Store) ReadAll() ([]ruleset.Ruleset, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]ruleset.Ruleset, 0, len(names))
	for _, name := range names {
		r, err := s.Read(name)
		if err != nil {
			// The file vanished or grew between List and Read.
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
