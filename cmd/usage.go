package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Query the call attempt ledger",
	Long:  "Lists call attempts, or with --summary rolls them up per provider with cost.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := usageFilter(cmd, time.Now())
		if err != nil {
			return err
		}

		env, err := initCore(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, _ := cmd.Flags().GetBool("summary")
		asJSON, _ := cmd.Flags().GetBool("json")

		if summary {
			sums, err := env.Ledger.Summarize(ctx, f)
			if err != nil {
				return eris.Wrap(err, "usage summary")
			}
			if asJSON {
				return writeJSONOut(os.Stdout, sums)
			}
			formatUsageSummary(os.Stdout, sums)
			return nil
		}

		attempts, err := env.Ledger.Query(ctx, f)
		if err != nil {
			return eris.Wrap(err, "usage")
		}
		if asJSON {
			return writeJSONOut(os.Stdout, attempts)
		}
		if len(attempts) == 0 {
			fmt.Fprintln(os.Stderr, "No attempts found.")
			return nil
		}
		formatAttempts(os.Stdout, attempts)
		return nil
	},
}

// usageFilter builds a ledger filter from flags. --since takes a duration
// back from now.
func usageFilter(cmd *cobra.Command, now time.Time) (ledger.Filter, error) {
	provider, _ := cmd.Flags().GetString("provider")
	stage, _ := cmd.Flags().GetString("stage")
	capName, _ := cmd.Flags().GetString("capability")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	f := ledger.Filter{ProviderID: provider, Stage: stage, Limit: limit}
	if capName != "" {
		c, err := model.ParseCapability(capName)
		if err != nil {
			return f, err
		}
		f.Capability = c
	}
	if since < 0 {
		return f, eris.New("--since must be positive")
	}
	if since > 0 {
		f.Since = now.Add(-since)
	}
	return f, nil
}

func formatAttempts(w io.Writer, attempts []model.CallAttempt) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPROVIDER\tSTAGE\tATTEMPT\tOUTCOME\tSTATUS\tLATENCY\tUNITS\tBILLABLE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%d\t%t\n",
			a.StartedAt.Format(time.RFC3339), a.ProviderID, a.Stage, a.Attempt,
			a.Outcome, a.StatusCode, a.Latency.Round(time.Millisecond), a.CostUnits, a.Billable,
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatUsageSummary(w io.Writer, sums []ledger.UsageSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tCAPABILITY\tATTEMPTS\tSUCCESS\tUNITS\tBILLABLE\tCOST_USD\tMEAN_LATENCY")
	var total float64
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\t%d\t%d\t%.4f\t%s\n",
			s.ProviderID, s.Capability, s.Attempts, s.SuccessRate()*100,
			s.CostUnits, s.BillableUnits, s.CostUSD, s.MeanLatency.Round(time.Millisecond),
		)
		total += s.CostUSD
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t\t\t\t%.4f\t\n", total)
	tw.Flush() //nolint:errcheck
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := usageCmd.Flags()
	f.String("provider", "", "filter by provider id")
	f.String("stage", "", "filter by stage")
	f.String("capability", "", "filter by capability")
	f.Duration("since", 24*time.Hour, "only attempts newer than this (0 for all)")
	f.Int("limit", 100, "max attempts to list")
	f.Bool("summary", false, "roll up per provider")
	f.Bool("json", false, "print JSON")
	rootCmd.AddCommand(usageCmd)
}
