package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
)

type jobHandlers struct {
	manager     *jobs.Manager
	waker       jobs.Notifier
	urgent      int
	statsWindow int
}

type createJobRequest struct {
	Type               interfaces.JobType `json:"type"`
	Payload            json.RawMessage    `json:"payload"`
	Priority           int                `json:"priority,omitempty"`
	Urgent             bool               `json:"urgent,omitempty"`
	MaxRetries         int                `json:"maxRetries,omitempty"`
	ScheduledFor       *time.Time         `json:"scheduledFor,omitempty"`
	SkipDuplicateCheck bool               `json:"skipDuplicateCheck,omitempty"`
}

type listJobsResponse struct {
	Jobs   []*interfaces.Job `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (h *jobHandlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if !req.Type.Valid() {
		writeError(w, r, &jobs.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", req.Type)})
		return
	}

	opts := jobs.EnqueueOptions{
		Priority:           req.Priority,
		MaxRetries:         req.MaxRetries,
		SkipDuplicateCheck: req.SkipDuplicateCheck,
	}
	if req.Urgent && opts.Priority == 0 {
		opts.Priority = h.urgent
	}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}

	res, err := h.manager.EnqueueRaw(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *jobHandlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := interfaces.ListFilter{
		Status:  interfaces.JobStatus(q.Get("status")),
		Type:    interfaces.JobType(q.Get("type")),
		OrderID: q.Get("orderId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, &jobs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)})
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, &jobs.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", filter.Type)})
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "limit", Reason: err.Error()})
		return
	}
	if filter.Limit > jobs.MaxListLimit {
		writeError(w, r, &jobs.ValidationError{Field: "limit", Reason: fmt.Sprintf("must not exceed %d", jobs.MaxListLimit)})
		return
	}
	if filter.Limit == 0 {
		filter.Limit = jobs.DefaultListLimit
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "offset", Reason: err.Error()})
		return
	}

	list, total, err := h.manager.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*interfaces.Job{}
	}

	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: list, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *jobHandlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *jobHandlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.CancelJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(interfaces.StatusCancelled)})
}

func (h *jobHandlers) forceCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.ForceCancelJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(interfaces.StatusCancelled)})
}

func (h *jobHandlers) retriggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := h.manager.RetriggerJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": newID, "retriggeredFrom": id})
}

func (h *jobHandlers) stats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("hours"))
	if err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "hours", Reason: err.Error()})
		return
	}
	if hours == 0 {
		hours = h.statsWindow
	}
	stats, err := h.manager.GetJobStats(r.Context(), hours)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *jobHandlers) wake(w http.ResponseWriter, r *http.Request) {
	if h.waker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no worker notifier configured"})
		return
	}
	h.waker.Notify()
	writeJSON(w, http.StatusAccepted, map[string]bool{"woken": true})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

// writeError maps domain errors to status codes: validation 400, unknown job
// 404, wrong state 409, anything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r.Context())
	resp := errorResponse{Error: err.Error(), CorrelationID: correlationID}

	var verr *jobs.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Field = verr.Field
	case errors.Is(err, interfaces.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidTransition):
		status = http.StatusConflict
	}

	log := logger.WithCorrelationID(correlationID)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		log.Warn().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request rejected")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to encode response")
	}
}
