package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
)

// report prints the outcome of a completed client command. FETCH results go
// to w, or into outputDir as one file per ruleset when it is set.
func report(w io.Writer, outputDir string, cmd protocol.Command, results []ruleset.Ruleset) error {
	if cmd.Op == protocol.OpPull {
		target := cmd.Name
		if cmd.All() {
			target = "all rulesets"
		}
		_, err := fmt.Fprintf(w, "Applied %s\n", target)
		return err
	}

	if outputDir == "" {
		return printRulesets(w, results)
	}
	for _, r := range results {
		path, err := writeRuleset(outputDir, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s sha256:%s\n", path, r.Hash)
	}
	return nil
}

func printRulesets(w io.Writer, results []ruleset.Ruleset) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "# %s sha256:%s\n", r.Name, r.Hash); err != nil {
			return err
		}
		if _, err := w.Write(r.Content); err != nil {
			return err
		}
		if n := len(r.Content); n > 0 && r.Content[n-1] != '\n' {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeRuleset replaces dir/name atomically. The name has already been
// checked by the client session, so it cannot escape dir.
func writeRuleset(dir string, r ruleset.Ruleset) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, errors.KindConfig, "failed to create output directory %s", dir)
	}
	path := filepath.Join(dir, r.Name)
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", errors.Errorf(errors.KindInvalid, "refusing to write ruleset %q outside %s", r.Name, dir)
	}

	tmp, err := os.CreateTemp(dir, "."+r.Name+".*")
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(r.Content); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	return path, nil
}
