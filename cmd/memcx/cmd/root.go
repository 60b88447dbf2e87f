// Package cmd holds the memcx command tree.
package cmd

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orizon-lang/memcx/internal/config"
	"github.com/orizon-lang/memcx/internal/logging"
)

// app is the state shared by every subcommand once the root has loaded
// the configuration.
type app struct {
	cfgFile      string
	outputFormat string

	cfg    *config.Config
	logger *logrus.Logger
}

func (a *app) jsonOutput() bool { return a.outputFormat == "json" }

// NewRootCmd builds the memcx command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "memcx",
		Short: "Region memory and fault bridge toolkit",
		Long: `memcx drives an emulated pool-allocating host through the region manager:
it renders region trees, runs the scripted region scenarios and exports
allocation and fault metrics.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch a.outputFormat {
			case "table", "json":
			default:
				return errors.Errorf("unknown output format %q (want table or json)", a.outputFormat)
			}
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (defaults and MEMCX_* environment when empty)")
	root.PersistentFlags().StringVar(&a.outputFormat, "output", "table", "output format: table or json")

	root.AddCommand(
		newVersionCmd(a),
		newConfigCmd(a),
		newTreeCmd(a),
		newDemoCmd(a),
		newServeCmd(a),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
