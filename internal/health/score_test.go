package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/agency-core/internal/config"
)

var defaultWeights = Weights{SuccessRate: 0.6, Latency: 0.2, Quota: 0.2}

func TestScore_NoSamplesIsPerfect(t *testing.T) {
	assert.InDelta(t, 100, Score(Inputs{}, defaultWeights, 5*time.Second), 1e-9)
}

func TestScore_StrictlyDecreasesWithSuccessRate(t *testing.T) {
	prev := 101.0
	for rate := 1.0; rate >= 0; rate -= 0.1 {
		s := Score(Inputs{Samples: 10, SuccessRate: rate, MeanLatency: time.Second}, defaultWeights, 5*time.Second)
		assert.Less(t, s, prev, "rate %.1f", rate)
		prev = s
	}
}

func TestScore_Terms(t *testing.T) {
	in := Inputs{Samples: 4, SuccessRate: 0.5, MeanLatency: 2500 * time.Millisecond, QuotaUtilization: 0.25}
	// 100 * (0.6*0.5 + 0.2*0.5 + 0.2*0.75)
	assert.InDelta(t, 55, Score(in, defaultWeights, 5*time.Second), 1e-9)
}

func TestScore_LatencyCappedAtCeiling(t *testing.T) {
	slow := Score(Inputs{Samples: 1, SuccessRate: 1, MeanLatency: time.Minute}, defaultWeights, 5*time.Second)
	slower := Score(Inputs{Samples: 1, SuccessRate: 1, MeanLatency: time.Hour}, defaultWeights, 5*time.Second)
	assert.InDelta(t, 80, slow, 1e-9)
	assert.InDelta(t, slow, slower, 1e-9)
}

func TestScore_WeightsNormalized(t *testing.T) {
	in := Inputs{Samples: 2, SuccessRate: 0.5}
	a := Score(in, Weights{SuccessRate: 3, Latency: 1, Quota: 1}, time.Second)
	b := Score(in, Weights{SuccessRate: 0.6, Latency: 0.2, Quota: 0.2}, time.Second)
	assert.InDelta(t, a, b, 1e-9)

	// Unusable weights fall back to the defaults.
	c := Score(in, Weights{}, time.Second)
	assert.InDelta(t, b, c, 1e-9)
}

func TestScore_ClampsInputs(t *testing.T) {
	s := Score(Inputs{Samples: 1, SuccessRate: 2, QuotaUtilization: -1}, defaultWeights, time.Second)
	assert.InDelta(t, 100, s, 1e-9)

	s = Score(Inputs{Samples: 1, SuccessRate: -1, MeanLatency: time.Hour, QuotaUtilization: 5}, defaultWeights, time.Second)
	assert.InDelta(t, 0, s, 1e-9)
}

func TestConfigFrom_Defaults(t *testing.T) {
	cfg := ConfigFrom(config.HealthConfig{Floor: 40})
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, time.Hour, cfg.Window)
	assert.Equal(t, 5*time.Second, cfg.LatencyCeiling)
	assert.Equal(t, 30*time.Minute, cfg.Cooldown)
	assert.InDelta(t, 40, cfg.Floor, 1e-9)
}
