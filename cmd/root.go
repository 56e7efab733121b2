// Package cmd implements the nft-sync command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"grimm.is/nftsync/internal/brand"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
)

// allRulesets is what --fetch or --pull hold when given without a value.
// It can never be a ruleset name.
const allRulesets = "*"

type cmdGlobal struct {
	flagConfig string
	flagFetch  string
	flagPull   string
	flagDebug  bool

	stdout io.Writer
	stderr io.Writer
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.SetPrefix(brand.BinaryName)
	app := newRootCommand(os.Stdout, os.Stderr)
	if err := app.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	global := &cmdGlobal{stdout: stdout, stderr: stderr}

	app := &cobra.Command{}
	app.Use = brand.BinaryName + " [rule]"
	app.Short = brand.Description
	app.Long = `Description:
  Distribute nftables rulesets across a fleet of machines.

  In server mode the rule directory is served to authenticated peers and
  PULL requests are applied to the local kernel. In client mode exactly one
  command is sent and the process exits when it completes:

    --fetch[=rule]   print a ruleset, or every ruleset without a name
    --pull[=rule]    apply a ruleset on the server, or every ruleset

  The rule name may also follow the flag as a separate argument.
`
	app.Example = `  nft-sync -c /etc/nft-sync/server.hcl
  nft-sync -c client.hcl --fetch
  nft-sync -c client.hcl -p 10-base`
	app.Args = cobra.MaximumNArgs(1)
	app.SilenceUsage = true
	app.SilenceErrors = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	app.Version = fmt.Sprintf("%s (%s)", brand.Version, brand.GitCommit)
	app.SetVersionTemplate("{{.Version}}\n")
	app.SetOut(stdout)
	app.SetErr(stderr)
	app.SetGlobalNormalizationFunc(wordSepNormalize)

	app.PersistentFlags().StringVarP(&global.flagConfig, "config", "c", brand.DefaultConfigPath(), "Configuration file")
	app.PersistentFlags().BoolVarP(&global.flagDebug, "debug", "d", false, "Log at debug level regardless of the configuration")

	app.Flags().StringVarP(&global.flagFetch, "fetch", "f", "", "Fetch a ruleset from the server, or all of them")
	app.Flags().Lookup("fetch").NoOptDefVal = allRulesets
	app.Flags().StringVarP(&global.flagPull, "pull", "p", "", "Apply a ruleset on the server, or all of them")
	app.Flags().Lookup("pull").NoOptDefVal = allRulesets

	app.RunE = func(cmd *cobra.Command, args []string) error {
		command, err := parseCommand(
			cmd.Flags().Changed("fetch"), global.flagFetch,
			cmd.Flags().Changed("pull"), global.flagPull,
			args,
		)
		if err != nil {
			return err
		}
		return run(cmd.Context(), global, command)
	}

	certs := cmdCerts{global: global}
	app.AddCommand(certs.Command())

	cfg := cmdConfig{global: global}
	app.AddCommand(cfg.Command())

	journal := cmdJournal{global: global}
	app.AddCommand(journal.Command())

	return app
}

// wordSepNormalize accepts underscores in flag names, so --server_name
// works like the HCL attribute it mirrors.
func wordSepNormalize(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// parseCommand turns the --fetch/--pull flags and an optional positional
// rule name into a protocol command. It returns nil when no command was
// requested.
func parseCommand(fetchSet bool, fetch string, pullSet bool, pull string, args []string) (*protocol.Command, error) {
	if fetchSet && pullSet {
		return nil, errors.New(errors.KindConfig, "only one of --fetch or --pull may be given")
	}
	if !fetchSet && !pullSet {
		if len(args) > 0 {
			return nil, errors.Errorf(errors.KindConfig, "unexpected argument %q without --fetch or --pull", args[0])
		}
		return nil, nil
	}

	cmd := &protocol.Command{Op: protocol.OpFetch}
	name := fetch
	if pullSet {
		cmd.Op = protocol.OpPull
		name = pull
	}
	if name == allRulesets {
		name = ""
	}
	if len(args) == 1 {
		if name != "" {
			return nil, errors.Errorf(errors.KindConfig, "rule name given twice: %q and %q", name, args[0])
		}
		name = args[0]
	}

	switch {
	case name == "":
	case name == ruleset.KernelName:
		if cmd.Op == protocol.OpPull {
			return nil, errors.Errorf(errors.KindInvalid, "%s can only be fetched", ruleset.KernelName)
		}
	default:
		if err := ruleset.CheckName(name); err != nil {
			return nil, err
		}
	}
	cmd.Name = name
	return cmd, nil
}
