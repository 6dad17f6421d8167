package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agency-core/internal/model"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect and toggle providers",
}

// -- providers list --

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print provider state, health and quota usage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initCore(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		providers, err := env.Registry.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "providers list")
		}
		capFilter, _ := cmd.Flags().GetString("capability")
		if capFilter != "" {
			c, err := model.ParseCapability(capFilter)
			if err != nil {
				return err
			}
			providers = filterProviders(providers, c)
		}
		formatProviders(os.Stdout, providers, time.Now())
		return nil
	},
}

// -- providers disable / enable --

var providersDisableCmd = &cobra.Command{
	Use:   "disable <provider-id>",
	Short: "Manually disable a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initCore(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Registry.Disable(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s is now %s\n", p.ID, p.State)
		return nil
	},
}

var providersEnableCmd = &cobra.Command{
	Use:   "enable <provider-id>",
	Short: "Re-enable a provider and lift any throttle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initCore(ctx, cfg, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Registry.Enable(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s is now %s\n", p.ID, p.State)
		return nil
	},
}

func filterProviders(providers []model.Provider, c model.Capability) []model.Provider {
	var out []model.Provider
	for _, p := range providers {
		if p.Capability == c {
			out = append(out, p)
		}
	}
	return out
}

// formatProviders writes a provider status table.
func formatProviders(w io.Writer, providers []model.Provider, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCAPABILITY\tPRI\tSTATE\tHEALTH\tMINUTE\tHOUR\tDAY\tNOTE")
	for _, p := range providers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.1f\t%s\t%s\t%s\t%s\n",
			p.ID, p.Capability, p.Priority, p.State, p.HealthScore,
			usageCell(p.Usage.Minute, p.Limits.PerMinute),
			usageCell(p.Usage.Hour, p.Limits.PerHour),
			usageCell(p.Usage.Day, p.Limits.PerDay),
			providerNote(p, now),
		)
	}
	tw.Flush() //nolint:errcheck
}

func usageCell(used, limit int64) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/-", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}

func providerNote(p model.Provider, now time.Time) string {
	switch {
	case p.ManualDisabled:
		return "manually disabled"
	case p.State == model.ProviderThrottled && p.ThrottledUntil != nil:
		return fmt.Sprintf("%s (for %s)", p.ThrottleReason, p.ThrottledUntil.Sub(now).Round(time.Minute))
	default:
		return ""
	}
}

func init() {
	providersListCmd.Flags().String("capability", "", "only list providers of this capability")

	providersCmd.AddCommand(providersListCmd, providersDisableCmd, providersEnableCmd)
	rootCmd.AddCommand(providersCmd)
}
