package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/nftsync/internal/config"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/state"
)

type cmdJournal struct {
	global *cmdGlobal

	flagLimit int
}

func (c *cmdJournal) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "journal"
	cmd.Short = "Inspect the server's apply journal"
	cmd.Long = `Description:
  Inspect the apply journal kept in state_dir.

  A PULL of content already recorded here is skipped while the kernel
  ruleset is unchanged. "journal forget" drops a record so the next PULL
  applies unconditionally.
`
	cmd.Args = cobra.NoArgs

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the last apply of every ruleset",
		Args:  cobra.NoArgs,
		RunE:  c.runList,
	}
	history := &cobra.Command{
		Use:   "history <rule>",
		Short: "Show past applies of one ruleset, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runHistory,
	}
	history.Flags().IntVarP(&c.flagLimit, "limit", "n", 20, "Maximum number of entries")
	forget := &cobra.Command{
		Use:   "forget <rule>",
		Short: "Drop the last apply record so the next PULL applies again",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runForget,
	}
	cmd.AddCommand(list, history, forget)

	return cmd
}

// open loads the config and opens the journal it names. A missing journal
// file is reported instead of created.
func (c *cmdJournal) open() (*state.Journal, error) {
	cfg, err := config.Load(c.global.flagConfig)
	if err != nil {
		return nil, err
	}
	if !cfg.IsServer() {
		return nil, errors.New(errors.KindConfig, "the apply journal exists only in server mode")
	}

	path := filepath.Join(cfg.StateDir, JournalFile)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "no apply journal at %s", path)
	}
	return state.Open(state.DefaultOptions(path))
}

func (c *cmdJournal) runList(cmd *cobra.Command, args []string) error {
	j, err := c.open()
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.global.stdout, "No applies recorded")
		return nil
	}
	return printEntries(c.global, entries)
}

func (c *cmdJournal) runHistory(cmd *cobra.Command, args []string) error {
	if err := ruleset.CheckName(args[0]); err != nil {
		return err
	}
	if c.flagLimit <= 0 {
		return errors.New(errors.KindConfig, "--limit must be positive")
	}

	j, err := c.open()
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.History(cmd.Context(), args[0], c.flagLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.Errorf(errors.KindNotFound, "no apply recorded for %s", args[0])
	}
	return printEntries(c.global, entries)
}

func (c *cmdJournal) runForget(cmd *cobra.Command, args []string) error {
	if err := ruleset.CheckName(args[0]); err != nil {
		return err
	}

	j, err := c.open()
	if err != nil {
		return err
	}
	defer j.Close()

	if _, err := j.Last(cmd.Context(), args[0]); err != nil {
		return err
	}
	if err := j.Forget(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.global.stdout, "Forgot %s; the next PULL applies it again\n", args[0])
	return nil
}

func printEntries(global *cmdGlobal, entries []state.Entry) error {
	w := tabwriter.NewWriter(global.stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RULESET\tSHA256\tAPPLIED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Hash.Short(), e.AppliedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}
