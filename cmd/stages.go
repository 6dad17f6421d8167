package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/scheduler"
	"github.com/sells-group/agency-core/internal/store"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the stage catalog with next fire times",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		rows, err := stageRows(cat.Stages, cfg.Location(), time.Now())
		if err != nil {
			return err
		}
		formatStages(os.Stdout, rows)
		return nil
	},
}

var stagesRunsCmd = &cobra.Command{
	Use:   "runs <stage>",
	Short: "List recent runs of a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListStageRuns(ctx, store.RunFilter{Stage: args[0], Limit: limit})
		if err != nil {
			return eris.Wrap(err, "stages runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatStageRuns(os.Stdout, runs)
		return nil
	},
}

type stageRow struct {
	Spec    catalog.StageSpec
	NextRun time.Time
}

func stageRows(specs []catalog.StageSpec, loc *time.Location, now time.Time) ([]stageRow, error) {
	rows := make([]stageRow, 0, len(specs))
	for _, s := range specs {
		c, err := scheduler.ParseCadence(s.Schedule, loc)
		if err != nil {
			return nil, eris.Wrapf(err, "stage %s", s.Name)
		}
		rows = append(rows, stageRow{Spec: s, NextRun: c.Next(now)})
	}
	return rows, nil
}

func formatStages(w io.Writer, rows []stageRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSCHEDULE\tCAPABILITY\tNEXT\tDEPENDS_ON")
	for _, r := range rows {
		next := r.NextRun.Format(time.RFC3339)
		if r.Spec.Disabled {
			next = "disabled"
		}
		deps := make([]string, 0, len(r.Spec.DependsOn))
		for _, d := range r.Spec.DependsOn {
			deps = append(deps, fmt.Sprintf("%s<%s", d.Stage, d.FreshWithin))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Spec.Name, r.Spec.Schedule, orDash(string(r.Spec.Capability)), next, orDash(strings.Join(deps, ",")))
	}
	tw.Flush() //nolint:errcheck
}

func formatStageRuns(w io.Writer, runs []model.StageRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRIGGER\tSTATUS\tSCHEDULED\tDURATION\tITEMS\tERROR")
	for _, r := range runs {
		dur := "-"
		if r.StartedAt != nil && r.EndedAt != nil {
			dur = r.EndedAt.Sub(*r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.Trigger, r.Status, r.ScheduledAt.Format(time.RFC3339), dur,
			r.ItemsSucceeded, r.ItemsTotal, r.Error)
	}
	tw.Flush() //nolint:errcheck
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	stagesRunsCmd.Flags().Int("limit", 20, "max runs to list")
	stagesCmd.AddCommand(stagesRunsCmd)
	rootCmd.AddCommand(stagesCmd)
}
