package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/nftsync/internal/config"
)

type cmdConfig struct {
	global *cmdGlobal
}

func (c *cmdConfig) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "config"
	cmd.Short = "Inspect the configuration file"
	cmd.Args = cobra.NoArgs

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE:  c.runCheck,
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, defaults included",
		Args:  cobra.NoArgs,
		RunE:  c.runShow,
	}
	cmd.AddCommand(check, show)

	return cmd
}

func (c *cmdConfig) runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.global.flagConfig)
	if err != nil {
		return err
	}

	out := c.global.stdout
	fmt.Fprintf(out, "Configuration valid!\n")
	fmt.Fprintf(out, "Schema Version: %s\n", cfg.SchemaVersion)
	fmt.Fprintf(out, "Modes: %v\n", cfg.Mode)
	fmt.Fprintf(out, "Protocol: %s\n", cfg.Protocol)
	if cfg.IsServer() {
		fmt.Fprintf(out, "Rules: %s\n", cfg.RulesDir)
		fmt.Fprintf(out, "State: %s\n", cfg.StateDir)
		fmt.Fprintf(out, "Listen: %s\n", listenDescription(cfg.Server))
	}
	if cfg.IsClient() {
		fmt.Fprintf(out, "Server: %s\n", cfg.Client.Address)
	}
	return nil
}

func (c *cmdConfig) runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.global.flagConfig)
	if err != nil {
		return err
	}
	_, err = c.global.stdout.Write(config.Render(cfg))
	return err
}

func listenDescription(s *config.ServerConfig) string {
	if s.Interface != "" {
		return fmt.Sprintf("%s (interface %s)", s.Address, s.Interface)
	}
	return s.Address
}
