package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/orizon-lang/memcx/internal/mem"
	"github.com/orizon-lang/memcx/internal/workload"
)

type regionRow struct {
	Name       string `json:"name"`
	Depth      int    `json:"depth"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	LiveChunks uint64 `json:"live_chunks"`
	LiveBytes  uint64 `json:"live_bytes"`
	BlockBytes uint64 `json:"block_bytes"`
	Resets     uint64 `json:"resets"`
}

func newTreeCmd(a *app) *cobra.Command {
	var scenario string
	treeCmd := &cobra.Command{
		Use:   "tree",
		Short: "Render the region tree of a fresh host",
		Long: `Render the region tree of a freshly started host. With --scenario the
named scenario runs first, so the tree shows what it left behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner := workload.NewRunner(a.cfg, a.logger, nil)
			env, err := runner.NewEnv()
			if err != nil {
				return err
			}
			defer env.Runtime.Close()
			if scenario != "" {
				selected, err := workload.Select(scenario)
				if err != nil {
					return err
				}
				if _, err := env.Run(selected[0]); err != nil {
					return errors.Wrapf(err, "scenario %s", scenario)
				}
			}
			rows, err := collectRegions(env.Mem.Tree)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				out, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encoding regions")
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}
			return renderRegions(cmd.OutOrStdout(), rows)
		},
	}
	treeCmd.Flags().StringVar(&scenario, "scenario", "", "run this scenario before rendering ("+strings.Join(workload.Names(), ", ")+")")
	return treeCmd
}

func collectRegions(tree *mem.Tree) ([]regionRow, error) {
	var rows []regionRow
	var walkErr error
	tree.Walk(func(r mem.Ref, depth int) bool {
		st, err := tree.Stats(r)
		if err != nil {
			walkErr = err
			return false
		}
		kind, err := tree.Kind(r)
		if err != nil {
			walkErr = err
			return false
		}
		rows = append(rows, regionRow{
			Name:       tree.Name(r),
			Depth:      depth,
			Kind:       kind.String(),
			State:      tree.State(r).String(),
			LiveChunks: st.LiveChunks,
			LiveBytes:  st.LiveBytes,
			BlockBytes: st.BlockBytes,
			Resets:     st.Resets,
		})
		return true
	})
	return rows, walkErr
}

func renderRegions(w io.Writer, rows []regionRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("Region", "Kind", "State", "Chunks", "Live", "Held", "Resets")
	for _, row := range rows {
		if err := table.Append(
			strings.Repeat("  ", row.Depth)+row.Name,
			row.Kind,
			row.State,
			fmt.Sprintf("%d", row.LiveChunks),
			humanize.Bytes(row.LiveBytes),
			humanize.Bytes(row.BlockBytes),
			fmt.Sprintf("%d", row.Resets),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nTotal regions: %d\n", len(rows))
	return err
}
