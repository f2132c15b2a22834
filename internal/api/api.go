// Package api exposes the engine's intake, status and review boundaries over
// HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/wellsync/internal/conflict"
	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// maxBodyBytes bounds an intake request.
const maxBodyBytes = 1 << 20

// Orchestrator is the part of the engine the API drives.
type Orchestrator interface {
	SubmitOperation(ctx context.Context, sub engine.Submission) (engine.Receipt, error)
	Cancel(id string) error
	Status() engine.OrchestrationStatus
	AcknowledgeAlerts() int
}

// Handler serves the HTTP surface.
type Handler struct {
	engine Orchestrator
	inbox  conflict.Inbox
}

// NewHandler returns a handler over eng and inbox.
func NewHandler(eng Orchestrator, inbox conflict.Inbox) *Handler {
	return &Handler{engine: eng, inbox: inbox}
}

// NewRouter builds the router with the engine routes mounted.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Route("/v1", func(r chi.Router) {
		RegisterRoutes(r, h)
	})
	return r
}

// RegisterRoutes mounts the versioned routes on r.
func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/operations", h.SubmitOperation)
	r.Delete("/operations/{id}", h.CancelOperation)
	r.Get("/status", h.Status)
	r.Delete("/alerts", h.AcknowledgeAlerts)
	r.Get("/review", h.Review)
}

// SessionRequest describes a therapeutic session in an intake request.
type SessionRequest struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	StartedAt       time.Time `json:"started_at"`
	PhaseIntervalMS int64     `json:"phase_interval_ms,omitempty"`
	FlexibilityMS   int64     `json:"flexibility_ms,omitempty"`
}

// SubmitRequest is the body of POST /v1/operations.
type SubmitRequest struct {
	EntityType              string          `json:"entity_type"`
	RecordID                string          `json:"record_id,omitempty"`
	Fields                  json.RawMessage `json:"fields,omitempty"`
	CrisisThresholdExceeded bool            `json:"crisis_threshold_exceeded,omitempty"`
	PriorityHint            string          `json:"priority_hint,omitempty"`
	TherapeuticContinuity   bool            `json:"therapeutic_continuity,omitempty"`
	Session                 *SessionRequest `json:"session,omitempty"`
}

// ReceiptResponse is returned by POST /v1/operations.
type ReceiptResponse struct {
	OperationID        string `json:"operation_id"`
	Class              string `json:"class"`
	Queued             bool   `json:"queued"`
	LatencyMS          int64  `json:"latency_ms,omitempty"`
	EscalationRequired bool   `json:"escalation_required,omitempty"`
	SafetyFallback     string `json:"safety_fallback,omitempty"`
	Error              string `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOperation handles POST /v1/operations.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(engine.ErrCodeInvalidOperation), "invalid request body: "+err.Error())
		return
	}
	sub, err := req.submission()
	if err != nil {
		writeError(w, http.StatusBadRequest, string(engine.ErrCodeInvalidOperation), err.Error())
		return
	}

	receipt, err := h.engine.SubmitOperation(r.Context(), sub)
	if err != nil && receipt.OperationID == "" {
		writeEngineError(w, err)
		return
	}

	resp := ReceiptResponse{
		OperationID:        receipt.OperationID,
		Class:              receipt.Class.String(),
		Queued:             receipt.Queued,
		LatencyMS:          receipt.Latency.Milliseconds(),
		EscalationRequired: receipt.EscalationRequired,
		SafetyFallback:     receipt.SafetyFallback,
	}
	status := http.StatusAccepted
	switch {
	case receipt.EscalationRequired:
		// The crisis guarantee failed; the caller must show the fallback.
		status = http.StatusServiceUnavailable
		resp.Error = string(engine.CodeOf(err))
	case !receipt.Queued:
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (req SubmitRequest) submission() (engine.Submission, error) {
	entity, err := model.ParseEntityType(req.EntityType)
	if err != nil {
		return engine.Submission{}, err
	}
	fields := ir.Object{}
	if len(bytes.TrimSpace(req.Fields)) > 0 {
		v, err := ir.ParseJSON(req.Fields)
		if err != nil {
			return engine.Submission{}, fmt.Errorf("fields: %w", err)
		}
		obj, ok := v.(ir.Object)
		if !ok {
			return engine.Submission{}, errors.New("fields must be a JSON object")
		}
		fields = obj
	}

	sub := engine.Submission{
		EntityType:            entity,
		RecordID:              req.RecordID,
		Payload:               model.Payload{Fields: fields, CrisisThresholdExceeded: req.CrisisThresholdExceeded},
		TherapeuticContinuity: req.TherapeuticContinuity,
	}
	if req.PriorityHint != "" {
		hint, err := model.ParsePriorityClass(req.PriorityHint)
		if err != nil {
			return engine.Submission{}, err
		}
		sub.PriorityHint = &hint
	}
	if s := req.Session; s != nil {
		typ, err := model.ParseSessionType(s.Type)
		if err != nil {
			return engine.Submission{}, err
		}
		sub.Session = &model.SessionInfo{
			ID:            s.ID,
			Type:          typ,
			StartedAt:     s.StartedAt,
			PhaseInterval: time.Duration(s.PhaseIntervalMS) * time.Millisecond,
			Flexibility:   time.Duration(s.FlexibilityMS) * time.Millisecond,
		}
	}
	return sub, nil
}

// CancelOperation handles DELETE /v1/operations/{id}.
func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Health                  string           `json:"health"`
	Tier                    string           `json:"tier"`
	ActiveQueueDepths       map[string]int   `json:"active_queue_depths"`
	InFlight                int              `json:"in_flight"`
	CrisisResponseTimeP99MS int64            `json:"crisis_response_time_p99_ms"`
	Utilization             float64          `json:"utilization"`
	Alerts                  []AlertResponse  `json:"alerts"`
	EscalatedCrisis         []string         `json:"escalated_crisis"`
	Escalations             []PromotionEntry `json:"escalations"`
}

// AlertResponse is one alert in a status response.
type AlertResponse struct {
	ID          string    `json:"id"`
	Severity    string    `json:"severity"`
	Code        string    `json:"code"`
	Tier        string    `json:"tier"`
	OperationID string    `json:"operation_id,omitempty"`
	Message     string    `json:"message"`
	LatencyMS   int64     `json:"latency_ms"`
	TargetMS    int64     `json:"target_ms"`
	RaisedAt    time.Time `json:"raised_at"`
}

// PromotionEntry is one queue promotion in a status response.
type PromotionEntry struct {
	OperationID string    `json:"operation_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	WaitedMS    int64     `json:"waited_ms"`
	At          time.Time `json:"at"`
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st := h.engine.Status()
	resp := StatusResponse{
		Health:                  string(st.Health),
		Tier:                    string(st.Tier),
		ActiveQueueDepths:       st.QueueDepths,
		InFlight:                st.InFlight,
		CrisisResponseTimeP99MS: st.CrisisResponseTimeP99.Milliseconds(),
		Utilization:             st.Utilization,
		Alerts:                  make([]AlertResponse, 0, len(st.Alerts)),
		EscalatedCrisis:         append([]string{}, st.EscalatedCrisis...),
		Escalations:             make([]PromotionEntry, 0, len(st.Escalations)),
	}
	for _, a := range st.Alerts {
		resp.Alerts = append(resp.Alerts, AlertResponse{
			ID:          a.ID,
			Severity:    string(a.Severity),
			Code:        a.Code,
			Tier:        string(a.Tier),
			OperationID: a.OperationID,
			Message:     a.Message,
			LatencyMS:   a.Latency.Milliseconds(),
			TargetMS:    a.Target.Milliseconds(),
			RaisedAt:    a.RaisedAt,
		})
	}
	for _, ev := range st.Escalations {
		resp.Escalations = append(resp.Escalations, PromotionEntry{
			OperationID: ev.OperationID,
			From:        ev.From.String(),
			To:          ev.To.String(),
			WaitedMS:    ev.Waited.Milliseconds(),
			At:          ev.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AcknowledgeResponse is returned by DELETE /v1/alerts.
type AcknowledgeResponse struct {
	Cleared int    `json:"cleared"`
	Health  string `json:"health"`
}

// AcknowledgeAlerts handles DELETE /v1/alerts.
func (h *Handler) AcknowledgeAlerts(w http.ResponseWriter, _ *http.Request) {
	n := h.engine.AcknowledgeAlerts()
	writeJSON(w, http.StatusOK, AcknowledgeResponse{Cleared: n, Health: string(h.engine.Status().Health)})
}

// CaseResponse is one escalated conflict awaiting review.
type CaseResponse struct {
	ID         string            `json:"id"`
	RecordID   string            `json:"record_id"`
	EntityType string            `json:"entity_type"`
	Level      string            `json:"level"`
	Reason     string            `json:"reason"`
	DetectedAt time.Time         `json:"detected_at"`
	Replicas   []ReplicaResponse `json:"replicas"`
}

// ReplicaResponse is one version of the record under review.
type ReplicaResponse struct {
	OperationID string    `json:"operation_id"`
	Device      string    `json:"device"`
	Remote      bool      `json:"remote"`
	OriginAt    time.Time `json:"origin_at"`
	Fields      ir.Object `json:"fields"`
}

// Review handles GET /v1/review.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	cases, err := h.inbox.List(r.Context())
	if err != nil {
		slog.Error("failed to list review cases", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "review inbox unavailable")
		return
	}
	writeJSON(w, http.StatusOK, CasesResponse(cases))
}

// CasesResponse converts review cases to their response form.
func CasesResponse(cases []*conflict.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(cases))
	for _, c := range cases {
		cr := CaseResponse{
			ID:         c.ID,
			RecordID:   c.RecordID,
			EntityType: string(c.EntityType),
			Level:      c.Level.String(),
			Reason:     c.Reason,
			DetectedAt: c.DetectedAt,
		}
		for _, rep := range c.Replicas {
			cr.Replicas = append(cr.Replicas, ReplicaResponse{
				OperationID: rep.Op.ID(),
				Device:      rep.Op.OriginDevice(),
				Remote:      rep.Remote,
				OriginAt:    rep.Op.OriginTimestamp(),
				Fields:      rep.Op.Fields(),
			})
		}
		out = append(out, cr)
	}
	return out
}

// Healthz handles GET /healthz. It reports the engine health and answers
// 503 while a fatal alert is open.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	health := h.engine.Status().Health
	status := http.StatusOK
	if health == engine.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"health": string(health)})
}

func writeEngineError(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.ErrCodeInvalidOperation:
		status = http.StatusBadRequest
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeNotCancellable:
		status = http.StatusConflict
	case engine.ErrCodeResourceExhausted, engine.ErrCodeTransientNetwork, engine.ErrCodeDeadlineExceeded:
		status = http.StatusServiceUnavailable
	}
	if code == "" {
		code = "INTERNAL"
	}
	writeError(w, status, string(code), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "status", status, "error", err)
	}
}
