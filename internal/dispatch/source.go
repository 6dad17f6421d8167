package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
)

// defaultBatchSize caps how many queued items a single run drains.
const defaultBatchSize = 100

// Inbox is an in-process WorkSource holding a FIFO queue per stage. A stage
// whose queue is empty falls back to its seed request, if it declares one.
type Inbox struct {
	mu        sync.Mutex
	queues    map[string][]model.CapabilityRequest
	batchSize int
}

// NewInbox creates an empty Inbox. batchSize <= 0 uses 100.
func NewInbox(batchSize int) *Inbox {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Inbox{queues: make(map[string][]model.CapabilityRequest), batchSize: batchSize}
}

// Enqueue appends requests to a stage's queue.
func (in *Inbox) Enqueue(stage string, reqs ...model.CapabilityRequest) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, r := range reqs {
		r.Stage = stage
		in.queues[stage] = append(in.queues[stage], r)
	}
}

// Pending returns the queue length per stage.
func (in *Inbox) Pending() map[string]int {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]int, len(in.queues))
	for stage, q := range in.queues {
		out[stage] = len(q)
	}
	return out
}

// Items drains up to one batch from the stage's queue.
func (in *Inbox) Items(_ context.Context, run model.StageRun, spec catalog.StageSpec) ([]model.CapabilityRequest, error) {
	in.mu.Lock()
	q := in.queues[run.Stage]
	n := len(q)
	if n > in.batchSize {
		n = in.batchSize
	}
	batch := make([]model.CapabilityRequest, n)
	copy(batch, q[:n])
	in.queues[run.Stage] = q[n:]
	in.mu.Unlock()

	if len(batch) > 0 || spec.Seed == nil {
		return batch, nil
	}
	seed, err := SeedRequest(spec)
	if err != nil {
		return nil, err
	}
	return []model.CapabilityRequest{seed}, nil
}

// Requeue puts requests back at the head of the stage's queue, ahead of
// newer work, in the order given.
func (in *Inbox) Requeue(_ context.Context, stage string, reqs []model.CapabilityRequest) {
	if len(reqs) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	head := make([]model.CapabilityRequest, 0, len(reqs)+len(in.queues[stage]))
	for _, r := range reqs {
		r.Stage = stage
		head = append(head, r)
	}
	in.queues[stage] = append(head, in.queues[stage]...)
}

// SeedRequest builds the request a stage issues to itself from its seed spec.
func SeedRequest(spec catalog.StageSpec) (model.CapabilityRequest, error) {
	raw, err := json.Marshal(spec.Seed.Payload)
	if err != nil {
		return model.CapabilityRequest{}, eris.Wrapf(err, "dispatch: encode seed for %s", spec.Name)
	}
	payload, err := model.DecodePayload(spec.Seed.Capability, raw)
	if err != nil {
		return model.CapabilityRequest{}, eris.Wrapf(err, "dispatch: decode seed for %s", spec.Name)
	}
	return model.CapabilityRequest{
		Capability: spec.Seed.Capability,
		Payload:    payload,
		Stage:      spec.Name,
	}, nil
}

// LogSink logs every item result.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, run model.StageRun, item ItemResult) {
	fields := []zap.Field{
		zap.String("stage", run.Stage),
		zap.String("run_id", run.ID),
		zap.String("request_id", item.Request.ID),
		zap.String("capability", string(item.Request.Capability)),
	}
	if item.Err != nil {
		zap.L().Warn("runner: item failed", append(fields, zap.Error(item.Err))...)
		return
	}
	zap.L().Info("runner: item succeeded", append(fields,
		zap.String("provider", item.Result.ProviderID),
		zap.Int("attempts", item.Result.Attempts),
	)...)
}

// MultiSink fans results out to several sinks in order.
type MultiSink []ResultSink

func (m MultiSink) Emit(ctx context.Context, run model.StageRun, item ItemResult) {
	for _, s := range m {
		s.Emit(ctx, run, item)
	}
}

// ForwardSink turns sourced leads into downstream work: each lead's company
// domain goes to fed stages that enrich companies, and its address to fed
// stages that validate email.
type ForwardSink struct {
	inbox  *Inbox
	stages map[string]catalog.StageSpec
}

// NewForwardSink creates a ForwardSink over the catalog's stages.
func NewForwardSink(inbox *Inbox, stages []catalog.StageSpec) *ForwardSink {
	byName := make(map[string]catalog.StageSpec, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}
	return &ForwardSink{inbox: inbox, stages: byName}
}

func (f *ForwardSink) Emit(_ context.Context, run model.StageRun, item ItemResult) {
	if item.Err != nil || item.Result == nil {
		return
	}
	leads, ok := item.Result.Value.(model.LeadSourcingResult)
	if !ok {
		return
	}
	spec, ok := f.stages[run.Stage]
	if !ok {
		return
	}

	for _, target := range spec.Feeds {
		ts, ok := f.stages[target]
		if !ok {
			continue
		}
		var reqs []model.CapabilityRequest
		seen := make(map[string]bool)
		for _, lead := range leads.Leads {
			switch ts.Capability {
			case model.CapabilityCompanyEnrichment:
				domain := emailDomain(lead.Email)
				if domain == "" || seen[domain] {
					continue
				}
				seen[domain] = true
				reqs = append(reqs, model.CapabilityRequest{
					Capability: model.CapabilityCompanyEnrichment,
					Payload:    model.CompanyEnrichmentRequest{Domain: domain},
				})
			case model.CapabilityEmailValidation:
				if lead.Email == "" || seen[lead.Email] {
					continue
				}
				seen[lead.Email] = true
				reqs = append(reqs, model.CapabilityRequest{
					Capability: model.CapabilityEmailValidation,
					Payload:    model.EmailValidationRequest{Email: lead.Email},
				})
			}
		}
		if len(reqs) > 0 {
			f.inbox.Enqueue(target, reqs...)
			zap.L().Debug("runner: forwarded leads",
				zap.String("from", run.Stage),
				zap.String("to", target),
				zap.Int("items", len(reqs)),
			)
		}
	}
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
