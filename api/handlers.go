package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"custos/core"
	"custos/notify"
	"custos/storage"
)

// writeStorageError maps storage and validation errors to HTTP statuses.
func (a *API) writeStorageError(w http.ResponseWriter, err error, context string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, context+" not found", err, a.logger)
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, context+" already exists", err, a.logger)
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to process "+context, err, a.logger)
	}
}

// healthCheck reports service liveness.
//
// GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}

// --- Frameworks ---

// listFrameworks returns all compliance frameworks.
//
// GET /api/frameworks
func (a *API) listFrameworks(w http.ResponseWriter, r *http.Request) {
	frameworks, err := a.frameworks.ListFrameworks(r.Context())
	if err != nil {
		a.writeStorageError(w, err, "frameworks")
		return
	}
	if frameworks == nil {
		frameworks = []*core.Framework{}
	}
	respondJSON(w, http.StatusOK, frameworks, a.logger)
}

// getFramework returns a single framework.
//
// GET /api/frameworks/{id}
func (a *API) getFramework(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid framework ID", err, a.logger)
		return
	}

	fw, err := a.frameworks.GetFramework(r.Context(), id)
	if err != nil {
		a.writeStorageError(w, err, "framework")
		return
	}
	respondJSON(w, http.StatusOK, fw, a.logger)
}

// createFramework creates a framework.
//
// POST /api/frameworks
func (a *API) createFramework(w http.ResponseWriter, r *http.Request) {
	var fw core.Framework
	if err := a.decodeJSONBodyWithLimit(w, r, &fw, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}

	fw.ID = ""
	if err := a.frameworks.CreateFramework(r.Context(), &fw); err != nil {
		a.writeStorageError(w, err, "framework")
		return
	}

	a.recordAudit(r, "framework.create", "framework", fw.ID, fw.Name)
	respondJSON(w, http.StatusCreated, fw, a.logger)
}

// updateFramework updates a framework.
//
// PUT /api/frameworks/{id}
func (a *API) updateFramework(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid framework ID", err, a.logger)
		return
	}

	var fw core.Framework
	if err := a.decodeJSONBodyWithLimit(w, r, &fw, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	fw.ID = id

	if err := a.frameworks.UpdateFramework(r.Context(), &fw); err != nil {
		a.writeStorageError(w, err, "framework")
		return
	}

	a.recordAudit(r, "framework.update", "framework", id, fw.Name)
	respondJSON(w, http.StatusOK, fw, a.logger)
}

// deleteFramework deletes a framework and everything under it.
//
// DELETE /api/frameworks/{id}
func (a *API) deleteFramework(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid framework ID", err, a.logger)
		return
	}

	if err := a.frameworks.DeleteFramework(r.Context(), id); err != nil {
		a.writeStorageError(w, err, "framework")
		return
	}

	a.recordAudit(r, "framework.delete", "framework", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// --- Controls ---

// listControls returns controls, optionally filtered by query params.
//
// GET /api/controls?framework_id=&status=&severity=&owner=
func (a *API) listControls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ControlFilter{
		FrameworkID: q.Get("framework_id"),
		Status:      core.ControlStatus(q.Get("status")),
		Severity:    core.ControlSeverity(q.Get("severity")),
		Owner:       q.Get("owner"),
	}

	controls, err := a.controls.ListControls(r.Context(), filter)
	if err != nil {
		a.writeStorageError(w, err, "controls")
		return
	}
	if controls == nil {
		controls = []*core.Control{}
	}
	respondJSON(w, http.StatusOK, controls, a.logger)
}

// getControl returns a single control.
//
// GET /api/controls/{id}
func (a *API) getControl(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid control ID", err, a.logger)
		return
	}

	c, err := a.controls.GetControl(r.Context(), id)
	if err != nil {
		a.writeStorageError(w, err, "control")
		return
	}
	respondJSON(w, http.StatusOK, c, a.logger)
}

// createControl creates a control.
//
// POST /api/controls
func (a *API) createControl(w http.ResponseWriter, r *http.Request) {
	var c core.Control
	if err := a.decodeJSONBodyWithLimit(w, r, &c, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}

	c.ID = ""
	if err := a.controls.CreateControl(r.Context(), &c); err != nil {
		a.writeStorageError(w, err, "control")
		return
	}

	a.recordAudit(r, "control.create", "control", c.ID, c.Code)
	a.broadcastEvent("control.created", c)
	respondJSON(w, http.StatusCreated, c, a.logger)
}

// updateControl updates a control and notifies on status changes.
//
// PUT /api/controls/{id}
func (a *API) updateControl(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid control ID", err, a.logger)
		return
	}

	existing, err := a.controls.GetControl(r.Context(), id)
	if err != nil {
		a.writeStorageError(w, err, "control")
		return
	}

	var c core.Control
	if err := a.decodeJSONBodyWithLimit(w, r, &c, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	c.ID = id
	c.FrameworkID = existing.FrameworkID

	if err := a.controls.UpdateControl(r.Context(), &c); err != nil {
		a.writeStorageError(w, err, "control")
		return
	}

	a.recordAudit(r, "control.update", "control", id, string(c.Status))
	a.broadcastEvent("control.updated", c)

	if c.Status != existing.Status {
		a.sendNotification(r, notify.Event{
			Type:     "control.status_changed",
			Severity: string(c.Severity),
			Subject:  c.Code + " " + c.Title,
			Detail:   string(existing.Status) + " -> " + string(c.Status),
		})
	}

	respondJSON(w, http.StatusOK, c, a.logger)
}

// deleteControl deletes a control.
//
// DELETE /api/controls/{id}
func (a *API) deleteControl(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid control ID", err, a.logger)
		return
	}

	if err := a.controls.DeleteControl(r.Context(), id); err != nil {
		a.writeStorageError(w, err, "control")
		return
	}

	a.recordAudit(r, "control.delete", "control", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// --- Evidence ---

// listEvidence returns evidence for a control.
//
// GET /api/controls/{id}/evidence
func (a *API) listEvidence(w http.ResponseWriter, r *http.Request) {
	controlID := mux.Vars(r)["id"]
	if err := validateUUID(controlID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid control ID", err, a.logger)
		return
	}

	items, err := a.evidence.ListEvidenceByControl(r.Context(), controlID)
	if err != nil {
		a.writeStorageError(w, err, "evidence")
		return
	}
	if items == nil {
		items = []*core.Evidence{}
	}
	respondJSON(w, http.StatusOK, items, a.logger)
}

// submitEvidence attaches evidence to a control. The submitter is taken
// from the session, never from the request body.
//
// POST /api/controls/{id}/evidence
func (a *API) submitEvidence(w http.ResponseWriter, r *http.Request) {
	controlID := mux.Vars(r)["id"]
	if err := validateUUID(controlID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid control ID", err, a.logger)
		return
	}

	var ev core.Evidence
	if err := a.decodeJSONBodyWithLimit(w, r, &ev, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}

	ev.ID = ""
	ev.ControlID = controlID
	ev.Status = core.EvidencePending
	ev.ReviewedBy = ""
	ev.ReviewedAt = nil
	if username, ok := GetUsername(r.Context()); ok {
		ev.SubmittedBy = username
	}

	if err := a.evidence.CreateEvidence(r.Context(), &ev); err != nil {
		a.writeStorageError(w, err, "evidence")
		return
	}

	a.recordAudit(r, "evidence.submit", "evidence", ev.ID, ev.Title)
	a.broadcastEvent("evidence.submitted", ev)
	respondJSON(w, http.StatusCreated, ev, a.logger)
}

type reviewEvidenceRequest struct {
	Status core.EvidenceStatus `json:"status"`
	Note   string              `json:"note,omitempty"`
}

// reviewEvidence accepts or rejects pending evidence. Auditor or admin
// only; the route enforces that.
//
// POST /api/evidence/{id}/review
func (a *API) reviewEvidence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid evidence ID", err, a.logger)
		return
	}

	var req reviewEvidenceRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	if req.Status != core.EvidenceAccepted && req.Status != core.EvidenceRejected {
		writeError(w, http.StatusBadRequest, "Review status must be accepted or rejected", nil, a.logger)
		return
	}

	ev, err := a.evidence.GetEvidence(r.Context(), id)
	if err != nil {
		a.writeStorageError(w, err, "evidence")
		return
	}
	if ev.Status != core.EvidencePending {
		writeError(w, http.StatusConflict, "Evidence has already been reviewed", nil, a.logger)
		return
	}

	now := time.Now()
	ev.Status = req.Status
	ev.ReviewedAt = &now
	if username, ok := GetUsername(r.Context()); ok {
		ev.ReviewedBy = username
	}

	if err := a.evidence.UpdateEvidence(r.Context(), ev); err != nil {
		a.writeStorageError(w, err, "evidence")
		return
	}

	a.recordAudit(r, "evidence.review", "evidence", id, string(req.Status))
	a.broadcastEvent("evidence.reviewed", ev)

	if req.Status == core.EvidenceRejected {
		a.sendNotification(r, notify.Event{
			Type:     "evidence.rejected",
			Severity: "high",
			Subject:  ev.Title,
			Detail:   req.Note,
		})
	}

	respondJSON(w, http.StatusOK, ev, a.logger)
}

// deleteEvidence removes an evidence record.
//
// DELETE /api/evidence/{id}
func (a *API) deleteEvidence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid evidence ID", err, a.logger)
		return
	}

	if err := a.evidence.DeleteEvidence(r.Context(), id); err != nil {
		a.writeStorageError(w, err, "evidence")
		return
	}

	a.recordAudit(r, "evidence.delete", "evidence", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// --- Dashboard ---

// getDashboardStats returns the compliance posture aggregates.
//
// GET /api/dashboard
func (a *API) getDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.stats.GetDashboardStats(r.Context())
	if err != nil {
		a.writeStorageError(w, err, "dashboard stats")
		return
	}
	respondJSON(w, http.StatusOK, stats, a.logger)
}

// --- Helpers ---

// recordAudit writes an audit entry with the request's actor. Failures
// are logged, not surfaced; the triggering operation already succeeded.
func (a *API) recordAudit(r *http.Request, action, entityType, entityID, detail string) {
	if a.audit == nil {
		return
	}
	actor, _ := GetUsername(r.Context())
	if actor == "" {
		actor = "system"
	}
	if err := a.audit.RecordAudit(r.Context(), actor, action, entityType, entityID, detail); err != nil {
		a.logger.Errorw("Failed to record audit entry", "action", action, "error", err)
	}
}

// sendNotification delivers a webhook event asynchronously so handler
// latency never depends on the webhook endpoint.
func (a *API) sendNotification(r *http.Request, event notify.Event) {
	if a.notifier == nil {
		return
	}
	if actor, ok := GetUsername(r.Context()); ok {
		event.Actor = actor
	}
	go func() {
		ctx, cancel := a.notifyContext()
		defer cancel()
		_ = a.notifier.Notify(ctx, event)
	}()
}
