package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/config"
	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "providers", "usage", "stages"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "agency-core", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("batch-size")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
}

func TestProvidersCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range providersCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "disable", "enable"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "memory"},
		Quota:     config.QuotaConfig{Backend: "memory"},
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Health:    config.HealthConfig{Floor: 40, Weights: config.HealthWeights{SuccessRate: 0.6, Latency: 0.2, Quota: 0.2}},
		Server:    config.ServerConfig{Port: 8080},
	}
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := testConfig()
	c.Store.Driver = "mongo"
	_, err := initStore(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitCore_MemoryBackends(t *testing.T) {
	env, err := initCore(context.Background(), testConfig(), "cli")
	require.NoError(t, err)
	defer env.Close()

	assert.NotEmpty(t, env.Catalog.Providers)
	assert.Len(t, env.Registry.List(), len(env.Catalog.Providers))
	assert.Equal(t, stageNames(env.Catalog)[0], "lead_generation")

	providers, err := env.Registry.Snapshot(context.Background())
	require.NoError(t, err)
	for _, p := range providers {
		assert.Equal(t, model.ProviderActive, p.State)
	}
}

func TestInitCore_InvalidConfig(t *testing.T) {
	c := testConfig()
	c.Quota.Backend = "etcd"
	_, err := initCore(context.Background(), c, "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota.backend")
}

func TestFormatProviders(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)
	var buf bytes.Buffer
	formatProviders(&buf, []model.Provider{
		{ID: "zerobounce", Capability: model.CapabilityEmailValidation, Priority: 3, State: model.ProviderActive,
			HealthScore: 97.5, Limits: model.QuotaLimits{PerDay: 100}, Usage: model.QuotaUsage{Day: 12}},
		{ID: "hunter_email_verifier", Capability: model.CapabilityEmailValidation, Priority: 2, State: model.ProviderThrottled,
			HealthScore: 31, ThrottledUntil: &until, ThrottleReason: "health below floor"},
		{ID: "clearbit_enrichment", Capability: model.CapabilityCompanyEnrichment, State: model.ProviderDisabled, ManualDisabled: true},
	}, now)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "HEALTH")
	assert.Contains(t, lines[1], "12/100")
	assert.Contains(t, lines[1], "97.5")
	assert.Contains(t, lines[2], "health below floor (for 30m0s)")
	assert.Contains(t, lines[3], "manually disabled")
}

func TestFilterProviders(t *testing.T) {
	got := filterProviders([]model.Provider{
		{ID: "a", Capability: model.CapabilityEmailValidation},
		{ID: "b", Capability: model.CapabilityLeadSourcing},
	}, model.CapabilityLeadSourcing)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func newUsageCmd() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().AddFlagSet(usageCmd.Flags())
	return c
}

func TestUsageFilter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cmd := newUsageCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--provider", "zerobounce", "--capability", "email_validation", "--since", "2h", "--limit", "5"}))

	f, err := usageFilter(cmd, now)
	require.NoError(t, err)
	assert.Equal(t, ledger.Filter{
		ProviderID: "zerobounce",
		Capability: model.CapabilityEmailValidation,
		Since:      now.Add(-2 * time.Hour),
		Limit:      5,
	}, f)
}

func TestUsageFilter_BadCapability(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("capability", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--capability", "telepathy"}))
	_, err := usageFilter(cmd, time.Now())
	assert.Error(t, err)
}

func TestFormatUsageSummary(t *testing.T) {
	var buf bytes.Buffer
	formatUsageSummary(&buf, []ledger.UsageSummary{
		{ProviderID: "zerobounce", Capability: model.CapabilityEmailValidation, Attempts: 4, Successes: 3,
			CostUnits: 4, BillableUnits: 4, CostUSD: 0.032, MeanLatency: 180 * time.Millisecond},
	})
	out := buf.String()
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "0.0320")
	assert.Contains(t, out, "TOTAL")
}

func TestFormatAttempts(t *testing.T) {
	var buf bytes.Buffer
	formatAttempts(&buf, []model.CallAttempt{{
		ProviderID: "hunter_email_verifier", Stage: "lead_qualification", Attempt: 2,
		Outcome: model.OutcomeTimeout, StatusCode: 408, Latency: 10 * time.Second,
		CostUnits: 1, Billable: true, StartedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "2026-03-02T09:00:00Z")
	assert.Contains(t, out, "TIMEOUT")
	assert.Contains(t, out, "10s")
}

func TestStageRows(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	rows, err := stageRows([]catalog.StageSpec{
		{Name: "lead_generation", Schedule: "0 9 * * *"},
		{Name: "prospect_research", Schedule: "every 2h", DependsOn: []catalog.Dependency{{Stage: "lead_generation", FreshWithin: 26 * time.Hour}}},
	}, time.UTC, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), rows[0].NextRun)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), rows[1].NextRun)

	var buf bytes.Buffer
	formatStages(&buf, rows)
	assert.Contains(t, buf.String(), "lead_generation<26h0m0s")
}

func TestStageRows_InvalidSchedule(t *testing.T) {
	_, err := stageRows([]catalog.StageSpec{{Name: "broken", Schedule: "whenever"}}, time.UTC, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage broken")
}

func TestFormatStageRuns(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	var buf bytes.Buffer
	formatStageRuns(&buf, []model.StageRun{{
		ID: "r1", Stage: "sales", Trigger: model.TriggerSchedule, Status: model.RunStatusSucceeded,
		ScheduledAt: start, StartedAt: &start, EndedAt: &end, ItemsTotal: 5, ItemsSucceeded: 4,
	}})
	out := buf.String()
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "4/5")
}
