package cmd

import (
	"github.com/spf13/cobra"

	"github.com/orizon-lang/memcx/internal/cli"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := cli.GetVersionInfo(a.cfg.Host.Version)
			return cli.PrintVersion(cmd.OutOrStdout(), "memcx", info, a.jsonOutput())
		},
	}
}
