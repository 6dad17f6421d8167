// Package catalog loads the provider and stage catalog: which providers
// implement each capability and which stages the scheduler drives.
package catalog

import (
	_ "embed"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/agency-core/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the top-level catalog document.
type Catalog struct {
	Defaults  Defaults       `yaml:"defaults"`
	Providers []ProviderSpec `yaml:"providers"`
	Stages    []StageSpec    `yaml:"stages"`
}

// Defaults hold values applied to entries that leave them unset.
type Defaults struct {
	CostUnits        int64         `yaml:"cost_units"`
	Timeout          time.Duration `yaml:"timeout"`
	StageConcurrency int           `yaml:"stage_concurrency"`
	MaxDuration      time.Duration `yaml:"max_duration"`
}

// ProviderSpec describes one provider. Kind selects the HTTP client flavor.
type ProviderSpec struct {
	ID            string            `yaml:"id"`
	Capability    model.Capability  `yaml:"capability"`
	Kind          string            `yaml:"kind"`
	Priority      int               `yaml:"priority"`
	Limits        model.QuotaLimits `yaml:"limits"`
	CostUnits     int64             `yaml:"cost_units"`
	Endpoint      string            `yaml:"endpoint"`
	APIKeyEnv     string            `yaml:"api_key_env"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Timeout       time.Duration     `yaml:"timeout"`
	Disabled      bool              `yaml:"disabled"`
}

// APIKey reads the provider's key from its environment variable.
func (p ProviderSpec) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Dependency gates a stage on the freshness of another stage's last success.
type Dependency struct {
	Stage       string        `yaml:"stage"`
	FreshWithin time.Duration `yaml:"fresh_within"`
}

// SeedSpec is a request a stage issues to itself when its queue is empty.
type SeedSpec struct {
	Capability model.Capability `yaml:"capability"`
	Payload    map[string]any   `yaml:"payload"`
}

// StageSpec describes one pipeline stage.
type StageSpec struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Schedule    string           `yaml:"schedule"`
	Capability  model.Capability `yaml:"capability,omitempty"`
	DependsOn   []Dependency     `yaml:"depends_on"`
	Feeds       []string         `yaml:"feeds"`
	Seed        *SeedSpec        `yaml:"seed,omitempty"`
	MaxDuration time.Duration    `yaml:"max_duration"`
	Concurrency int              `yaml:"concurrency"`
	Disabled    bool             `yaml:"disabled"`
}

// Load reads a catalog from a YAML file. An empty path loads the built-in
// catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse decodes, defaults and validates a catalog document. The document has
// a top-level "catalog" key.
func Parse(data []byte) (*Catalog, error) {
	var wrapper struct {
		Catalog Catalog `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}

	c := &wrapper.Catalog
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) applyDefaults() {
	if c.Defaults.CostUnits <= 0 {
		c.Defaults.CostUnits = 1
	}
	if c.Defaults.Timeout <= 0 {
		c.Defaults.Timeout = 10 * time.Second
	}
	if c.Defaults.StageConcurrency <= 0 {
		c.Defaults.StageConcurrency = 4
	}
	if c.Defaults.MaxDuration <= 0 {
		c.Defaults.MaxDuration = time.Hour
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.CostUnits <= 0 {
			p.CostUnits = c.Defaults.CostUnits
		}
		if p.Timeout <= 0 {
			p.Timeout = c.Defaults.Timeout
		}
		if p.Kind == "" {
			p.Kind = p.ID
		}
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Concurrency <= 0 {
			s.Concurrency = c.Defaults.StageConcurrency
		}
		if s.MaxDuration <= 0 {
			s.MaxDuration = c.Defaults.MaxDuration
		}
	}
}

// Validate rejects unknown capabilities, duplicate ids, references to unknown
// stages and dependency cycles. All problems are reported together.
func (c *Catalog) Validate() error {
	var errs []string

	providerIDs := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, "provider with empty id")
			continue
		}
		if providerIDs[p.ID] {
			errs = append(errs, "duplicate provider "+p.ID)
		}
		providerIDs[p.ID] = true
		if !p.Capability.Valid() {
			errs = append(errs, "provider "+p.ID+": unknown capability "+string(p.Capability))
		}
		if p.Limits.PerMinute < 0 || p.Limits.PerHour < 0 || p.Limits.PerDay < 0 {
			errs = append(errs, "provider "+p.ID+": negative quota limit")
		}
	}

	stages := make(map[string]StageSpec, len(c.Stages))
	for _, s := range c.Stages {
		if s.Name == "" {
			errs = append(errs, "stage with empty name")
			continue
		}
		if _, dup := stages[s.Name]; dup {
			errs = append(errs, "duplicate stage "+s.Name)
		}
		stages[s.Name] = s
		if s.Schedule == "" {
			errs = append(errs, "stage "+s.Name+": schedule is required")
		}
		if s.Capability != "" && !s.Capability.Valid() {
			errs = append(errs, "stage "+s.Name+": unknown capability "+string(s.Capability))
		}
		if s.Seed != nil && !s.Seed.Capability.Valid() {
			errs = append(errs, "stage "+s.Name+": unknown seed capability "+string(s.Seed.Capability))
		}
	}
	for _, s := range c.Stages {
		for _, d := range s.DependsOn {
			if _, ok := stages[d.Stage]; !ok {
				errs = append(errs, "stage "+s.Name+": depends on unknown stage "+d.Stage)
			}
			if d.FreshWithin <= 0 {
				errs = append(errs, "stage "+s.Name+": dependency "+d.Stage+" needs fresh_within")
			}
		}
		for _, f := range s.Feeds {
			if _, ok := stages[f]; !ok {
				errs = append(errs, "stage "+s.Name+": feeds unknown stage "+f)
			}
		}
	}
	if cycle := findCycle(c.Stages); cycle != nil {
		errs = append(errs, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	if len(errs) > 0 {
		return eris.New("catalog: " + strings.Join(errs, "; "))
	}
	return nil
}

// findCycle returns the first dependency cycle found, or nil.
func findCycle(stages []StageSpec) []string {
	deps := make(map[string][]string, len(stages))
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
		for _, d := range s.DependsOn {
			deps[s.Name] = append(deps[s.Name], d.Stage)
		}
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(stages))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case visiting:
			for i, n := range path {
				if n == name {
					return append(append([]string{}, path[i:]...), name)
				}
			}
			return []string{name, name}
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, d := range deps[name] {
			if cycle := visit(d); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for _, n := range names {
		if cycle := visit(n); cycle != nil {
			return cycle
		}
	}
	return nil
}

// Provider returns the provider spec with the given id.
func (c *Catalog) Provider(id string) (ProviderSpec, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

// Stage returns the stage spec with the given name.
func (c *Catalog) Stage(name string) (StageSpec, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// ProvidersFor returns the providers implementing a capability in catalog order.
func (c *Catalog) ProvidersFor(capability model.Capability) []ProviderSpec {
	var out []ProviderSpec
	for _, p := range c.Providers {
		if p.Capability == capability {
			out = append(out, p)
		}
	}
	return out
}
