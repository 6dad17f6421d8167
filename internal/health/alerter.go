package health

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProviderThrottled     AlertType = "provider_throttled"
	AlertCapabilityUnavailable AlertType = "capability_unavailable"
	AlertStageFailing          AlertType = "stage_failing"
)

// Severity ranks an alert for the receiving side.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Alert is one condition raised by the scorer or the checker. Exactly one of
// Throttle, Capability or Stage is set, matching Type.
type Alert struct {
	Type       AlertType        `json:"type"`
	Severity   Severity         `json:"severity"`
	Message    string           `json:"message"`
	Throttle   *Throttle        `json:"throttle,omitempty"`
	Capability model.Capability `json:"capability,omitempty"`
	Stage      *StageStreak     `json:"stage,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Throttle describes a provider the scorer took out of rotation.
type Throttle struct {
	ProviderID  string           `json:"provider_id"`
	Capability  model.Capability `json:"capability"`
	Score       float64          `json:"score"`
	Floor       float64          `json:"floor"`
	SuccessRate float64          `json:"success_rate"`
	Samples     int              `json:"samples"`
	Until       time.Time        `json:"until"`
}

// Digest is the webhook body: every alert one scoring or checking pass
// raised, in a single POST.
type Digest struct {
	Source string    `json:"source"`
	SentAt time.Time `json:"sent_at"`
	High   int       `json:"high"`
	Alerts []Alert   `json:"alerts"`
}

// Alerter posts alert digests as JSON to a webhook. An empty URL disables it.
type Alerter struct {
	webhookURL string
	client     *http.Client
	nowFunc    func() time.Time
}

// NewAlerter creates an Alerter for webhookURL.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		nowFunc:    time.Now,
	}
}

// Notify sends the alerts of one pass from source as a single digest. It
// reports whether the webhook accepted it; failures are logged, not returned,
// so a broken webhook never stalls scoring or checking.
func (a *Alerter) Notify(ctx context.Context, source string, alerts []Alert) bool {
	if a == nil || a.webhookURL == "" || len(alerts) == 0 {
		return false
	}

	d := Digest{Source: source, SentAt: a.nowFunc().UTC(), Alerts: alerts}
	for _, al := range alerts {
		if al.Severity == SeverityHigh {
			d.High++
		}
	}

	log := zap.L().With(
		zap.String("component", "health.alerter"),
		zap.String("source", source),
		zap.Int("alerts", len(alerts)),
	)
	if err := a.post(ctx, d); err != nil {
		log.Error("health: alert digest not delivered", zap.Error(err))
		return false
	}
	log.Info("health: alert digest delivered", zap.Int("high", d.High))
	return true
}

func (a *Alerter) post(ctx context.Context, d Digest) error {
	body, err := json.Marshal(d)
	if err != nil {
		return eris.Wrap(err, "health: encode digest")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "health: digest request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "health: post digest")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		return eris.Errorf("health: webhook answered %d", resp.StatusCode)
	}
	return nil
}
