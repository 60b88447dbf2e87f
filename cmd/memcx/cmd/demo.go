package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/orizon-lang/memcx/internal/workload"
)

type resultRow struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
	Regions  int    `json:"regions"`
	Bytes    uint64 `json:"bytes"`
}

func newDemoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo [scenario...]",
		Short: "Run the region scenarios and report the outcome",
		Long: `Run the scripted region scenarios, each against a fresh host, and print
one line per scenario. With no arguments every scenario runs.`,
		ValidArgs: workload.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := workload.NewRunner(a.cfg, a.logger, nil).Run(args...)
			if err != nil {
				return err
			}
			if err := printResults(cmd.OutOrStdout(), results, a.jsonOutput()); err != nil {
				return err
			}
			failed := 0
			for _, res := range results {
				if !res.Passed {
					failed++
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d scenarios failed", failed, len(results))
			}
			return nil
		},
	}
}

func printResults(w io.Writer, results []workload.Result, asJSON bool) error {
	rows := make([]resultRow, 0, len(results))
	for _, res := range results {
		row := resultRow{
			Name:     res.Name,
			Passed:   res.Passed,
			Detail:   res.Detail,
			Duration: res.Duration.String(),
			Regions:  res.Regions,
			Bytes:    res.Bytes,
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		rows = append(rows, row)
	}

	if asJSON {
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding results")
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Scenario", "Result", "Time", "Regions", "Held", "Detail")
	for _, row := range rows {
		status, detail := "PASS", row.Detail
		if !row.Passed {
			status, detail = "FAIL", row.Error
		}
		if err := table.Append(
			row.Name,
			status,
			row.Duration,
			fmt.Sprintf("%d", row.Regions),
			humanize.Bytes(row.Bytes),
			detail,
		); err != nil {
			return err
		}
	}
	return table.Render()
}
