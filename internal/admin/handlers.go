package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/rollout"
	"github.com/sells-group/refguard/internal/store"
)

func (a *api) suggest(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decode(w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required")
		return
	}
	if req.Identity == "" {
		req.Identity = identity(r)
	}

	desc, err := a.d.Suggestions.Suggest(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (a *api) getSuggestion(w http.ResponseWriter, r *http.Request) {
	sg, err := a.d.Suggestions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (a *api) review(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status model.SuggestionStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	actor := identity(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, IdentityHeader+" header is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := a.d.Suggestions.Review(r.Context(), id, body.Status, actor); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(body.Status)})
}

func (a *api) apply(w http.ResponseWriter, r *http.Request) {
	actor := identity(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, IdentityHeader+" header is required")
		return
	}
	res, err := a.d.Suggestions.Apply(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := a.d.Flags.Flags(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if flags == nil {
		flags = []model.FeatureFlag{}
	}
	writeJSON(w, http.StatusOK, flags)
}

func (a *api) flagStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.d.Flags.Status(r.Context(), chi.URLParam(r, "flag"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type flagChange struct {
	Percentage *float64 `json:"percentage"`
	Reason     string   `json:"reason"`
}

func (a *api) enableFlag(w http.ResponseWriter, r *http.Request) {
	var body flagChange
	if !decode(w, r, &body) {
		return
	}
	if body.Percentage == nil {
		writeError(w, http.StatusBadRequest, "percentage is required")
		return
	}
	if p := *body.Percentage; p < 0 || p > 1 {
		writeError(w, http.StatusBadRequest, "percentage must be between 0 and 1")
		return
	}

	f, err := a.d.Flags.Enable(r.Context(), rollout.Change{
		Flag:       chi.URLParam(r, "flag"),
		Percentage: *body.Percentage,
		Reason:     body.Reason,
		Actor:      identity(r),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) disableFlag(w http.ResponseWriter, r *http.Request) {
	var body flagChange
	if !decodeOptional(w, r, &body) {
		return
	}
	f, err := a.d.Flags.Disable(r.Context(), rollout.Change{
		Flag:   chi.URLParam(r, "flag"),
		Reason: body.Reason,
		Actor:  identity(r),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) flagHistory(w http.ResponseWriter, r *http.Request) {
	h, err := a.d.Flags.History(r.Context(), chi.URLParam(r, "flag"), intQuery(r, "limit", 50))
	if err != nil {
		fail(w, r, err)
		return
	}
	if h == nil {
		h = []model.RolloutHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *api) setOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool  `json:"enabled"`
		Reason  string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	o := model.UserOverride{
		Identity: chi.URLParam(r, "identity"),
		Flag:     chi.URLParam(r, "flag"),
		Enabled:  *body.Enabled,
		Reason:   body.Reason,
	}
	if err := a.d.Flags.SetOverride(r.Context(), o, identity(r)); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *api) clearOverride(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Flags.ClearOverride(r.Context(), chi.URLParam(r, "identity"), chi.URLParam(r, "flag")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) auditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	evs, err := a.d.Ledger.Events(r.Context(), store.AuditFilter{
		EventType:   model.AuditEventType(q.Get("event_type")),
		ReferenceID: q.Get("reference_id"),
		Limit:       intQuery(r, "limit", 100),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *api) verifyChain(w http.ResponseWriter, r *http.Request) {
	v, err := a.d.Ledger.VerifyChain(r.Context(), intQuery(r, "limit", 0))
	if err != nil {
		fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, v)
}

func (a *api) driftStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Drift.Stats())
}

func (a *api) driftDetect(w http.ResponseWriter, _ *http.Request) {
	alerts := a.d.Drift.Detect()
	if alerts == nil {
		alerts = []model.DriftAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
