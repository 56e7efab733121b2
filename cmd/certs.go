package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/nftsync/internal/errors"
	nstls "grimm.is/nftsync/internal/tls"
)

type cmdCerts struct {
	global *cmdGlobal

	flagOut        string
	flagServerName string
	flagClientName string
	flagHosts      []string
	flagValidity   time.Duration
}

func (c *cmdCerts) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "certs"
	cmd.Short = "Create a CA and mutual TLS key pairs"
	cmd.Long = `Description:
  Create a certificate authority with one server and one client key pair.

  An existing CA in the output directory is reused, so running the command
  again issues fresh peer certificates that still verify against the CA
  already deployed to the fleet.
`
	cmd.Args = cobra.NoArgs
	cmd.RunE = c.Run

	cmd.Flags().StringVarP(&c.flagOut, "out", "o", "", "Output directory")
	cmd.Flags().StringVar(&c.flagServerName, "server-name", "", "Server certificate common name")
	cmd.Flags().StringVar(&c.flagClientName, "client-name", "", "Client certificate common name")
	cmd.Flags().StringSliceVar(&c.flagHosts, "host", nil, "Extra server DNS name or IP (repeatable)")
	cmd.Flags().DurationVar(&c.flagValidity, "validity", nstls.DefaultValidity, "Peer certificate lifetime")

	return cmd
}

func (c *cmdCerts) Run(cmd *cobra.Command, args []string) error {
	if c.flagOut == "" {
		return errors.New(errors.KindConfig, "--out is required")
	}

	err := nstls.Bootstrap(nstls.BootstrapOptions{
		Dir:        c.flagOut,
		ServerName: c.flagServerName,
		ClientName: c.flagClientName,
		Hosts:      c.flagHosts,
		Validity:   c.flagValidity,
	})
	if err != nil {
		return err
	}

	for _, name := range []string{nstls.CAFile, nstls.ServerFile, nstls.ServerKeyFile, nstls.ClientFile, nstls.ClientKeyFile} {
		fmt.Fprintln(c.global.stdout, filepath.Join(c.flagOut, name))
	}
	return nil
}
