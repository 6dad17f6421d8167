package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/model"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Len(t, c.Providers, 7)
	assert.Len(t, c.Stages, 7)

	email := c.ProvidersFor(model.CapabilityEmailValidation)
	require.Len(t, email, 3)
	assert.Equal(t, "zerobounce", email[2].ID)
	assert.Equal(t, 3, email[2].Priority)

	research, ok := c.Stage("prospect_research")
	require.True(t, ok)
	assert.Equal(t, "every 2h", research.Schedule)
	require.Len(t, research.DependsOn, 1)
	assert.Equal(t, "lead_generation", research.DependsOn[0].Stage)
	assert.Equal(t, 26*time.Hour, research.DependsOn[0].FreshWithin)
	assert.Equal(t, 4, research.Concurrency) // inherited
	assert.Equal(t, time.Hour, research.MaxDuration)

	gen, ok := c.Stage("lead_generation")
	require.True(t, ok)
	require.NotNil(t, gen.Seed)
	assert.Equal(t, model.CapabilityLeadSourcing, gen.Seed.Capability)
	assert.Equal(t, 25, gen.Seed.Payload["limit"])

	p, ok := c.Provider("hunter_email_verifier")
	require.True(t, ok)
	assert.Equal(t, int64(10), p.Limits.PerMinute)
	assert.Equal(t, int64(0), p.Limits.PerHour)
	assert.Equal(t, int64(1), p.CostUnits)
	assert.Equal(t, 10*time.Second, p.Timeout)
}

func TestLoad_File(t *testing.T) {
	doc := `
catalog:
  defaults:
    cost_units: 2
    stage_concurrency: 8
  providers:
    - id: a
      capability: email_validation
      priority: 1
      limits: { per_hour: 5 }
    - id: b
      capability: email_validation
      priority: 2
      cost_units: 3
  stages:
    - name: validate
      schedule: every 15m
      capability: email_validation
      max_duration: 5m
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	a, _ := c.Provider("a")
	assert.Equal(t, int64(2), a.CostUnits) // inherited
	assert.Equal(t, "a", a.Kind)
	assert.Equal(t, int64(5), a.Limits.PerHour)
	b, _ := c.Provider("b")
	assert.Equal(t, int64(3), b.CostUnits)

	s, _ := c.Stage("validate")
	assert.Equal(t, 8, s.Concurrency)
	assert.Equal(t, 5*time.Minute, s.MaxDuration)
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Providers)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/catalog.yaml")
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown capability",
			doc: `
catalog:
  providers:
    - { id: x, capability: sms_delivery }
`,
			want: "unknown capability sms_delivery",
		},
		{
			name: "duplicate provider",
			doc: `
catalog:
  providers:
    - { id: x, capability: email_validation }
    - { id: x, capability: lead_sourcing }
`,
			want: "duplicate provider x",
		},
		{
			name: "unknown dependency",
			doc: `
catalog:
  stages:
    - name: a
      schedule: every 1h
      depends_on: [{ stage: ghost, fresh_within: 1h }]
`,
			want: "depends on unknown stage ghost",
		},
		{
			name: "missing schedule",
			doc: `
catalog:
  stages:
    - name: a
`,
			want: "schedule is required",
		},
		{
			name: "cycle",
			doc: `
catalog:
  stages:
    - name: a
      schedule: every 1h
      depends_on: [{ stage: b, fresh_within: 1h }]
    - name: b
      schedule: every 1h
      depends_on: [{ stage: a, fresh_within: 1h }]
`,
			want: "dependency cycle: a -> b -> a",
		},
		{
			name: "unknown feed",
			doc: `
catalog:
  stages:
    - name: a
      schedule: every 1h
      feeds: [nowhere]
`,
			want: "feeds unknown stage nowhere",
		},
		{
			name: "malformed yaml",
			doc:  "catalog: [",
			want: "catalog: parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindCycle_SelfDependency(t *testing.T) {
	cycle := findCycle([]StageSpec{{Name: "a", DependsOn: []Dependency{{Stage: "a", FreshWithin: time.Hour}}}})
	assert.Equal(t, []string{"a", "a"}, cycle)
}

func TestProviderSpec_APIKey(t *testing.T) {
	t.Setenv("TEST_CATALOG_KEY", "secret")
	assert.Equal(t, "secret", ProviderSpec{APIKeyEnv: "TEST_CATALOG_KEY"}.APIKey())
	assert.Empty(t, ProviderSpec{}.APIKey())
}
