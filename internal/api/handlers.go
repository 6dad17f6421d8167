package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/ledger"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
	"github.com/sells-group/agency-core/internal/resilience"
	"github.com/sells-group/agency-core/internal/scheduler"
	"github.com/sells-group/agency-core/internal/store"
)

const (
	defaultUsageLimit = 500
	maxUsageLimit     = 10000
)

type providerView struct {
	model.Provider
	Circuit string `json:"circuit,omitempty"`
}

func (s *Server) view(p model.Provider) providerView {
	v := providerView{Provider: p}
	if s.breakers != nil {
		v.Circuit = s.breakers.Get(p.ID).State().String()
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, maxUsageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := store.SnapshotFilter{SubjectID: q.Get("subject"), Limit: limit}
	switch kind := model.SubjectKind(q.Get("kind")); kind {
	case "", model.SubjectProvider, model.SubjectStage:
		f.Kind = kind
	default:
		writeError(w, http.StatusBadRequest, "kind must be provider or stage")
		return
	}

	snaps, err := s.store.ListSnapshots(r.Context(), f)
	if err != nil {
		s.internalError(w, "list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(snaps))
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.registry.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, "provider snapshot", err)
		return
	}
	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		out = append(out, s.view(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	providers, err := s.registry.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, "provider snapshot", err)
		return
	}
	for _, p := range providers {
		if p.ID == id {
			writeJSON(w, http.StatusOK, s.view(p))
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown provider "+id)
}

func (s *Server) handleDisableProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.registry.Disable(r.Context(), id)
	if err != nil {
		s.providerError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

// handleEnableProvider also closes the provider's circuit so it is eligible
// immediately.
func (s *Server) handleEnableProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.registry.Enable(r.Context(), id)
	if err != nil {
		s.providerError(w, id, err)
		return
	}
	if s.breakers != nil {
		s.breakers.Get(id).Reset()
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) providerError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, registry.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, "unknown provider "+id)
		return
	}
	s.internalError(w, "update provider "+id, err)
}

func (s *Server) handleListStages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.stages.Status()))
}

func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.stages.Stage(name)
	if err != nil {
		s.stageError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStageRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.stages.Stage(name); err != nil {
		s.stageError(w, name, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50, maxUsageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListStageRuns(r.Context(), store.RunFilter{Stage: name, Limit: limit})
	if err != nil {
		s.internalError(w, "list stage runs", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	run, err := s.stages.RunNow(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, resilience.ErrStageOverlap):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "run": run})
	default:
		s.stageError(w, name, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	run, err := s.stages.Cancel(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusConflict, "stage "+name+" is not running")
	default:
		s.stageError(w, name, err)
	}
}

func (s *Server) stageError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, scheduler.ErrUnknownStage) {
		writeError(w, http.StatusNotFound, "unknown stage "+name)
		return
	}
	s.internalError(w, "stage "+name, err)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	f, err := parseAttemptFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempts, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		s.internalError(w, "query ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(attempts))
}

type usageSummaryResponse struct {
	Providers    []ledger.UsageSummary `json:"providers"`
	Daily        []ledger.DailyUsage   `json:"daily"`
	TotalCostUSD float64               `json:"total_cost_usd"`
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseAttemptFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaries, err := s.ledger.Summarize(r.Context(), f)
	if err != nil {
		s.internalError(w, "summarize ledger", err)
		return
	}
	daily, err := s.ledger.SummarizeDaily(r.Context(), f, s.loc)
	if err != nil {
		s.internalError(w, "summarize ledger by day", err)
		return
	}

	resp := usageSummaryResponse{Providers: nonNil(summaries), Daily: nonNil(daily)}
	for _, sum := range summaries {
		resp.TotalCostUSD += sum.CostUSD
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseAttemptFilter reads provider, capability, stage, since, until and
// limit from the query string. Times are RFC3339.
func parseAttemptFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		ProviderID: q.Get("provider"),
		Stage:      q.Get("stage"),
	}
	if c := q.Get("capability"); c != "" {
		capability, err := model.ParseCapability(c)
		if err != nil {
			return f, errors.New("unknown capability " + c)
		}
		f.Capability = capability
	}
	var err error
	if f.Since, err = parseTime(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, errors.New("since must be before until")
	}
	if f.Limit, err = parseLimit(q.Get("limit"), defaultUsageLimit, maxUsageLimit); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC3339 timestamp")
	}
	return t, nil
}

func parseLimit(v string, def, ceiling int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
