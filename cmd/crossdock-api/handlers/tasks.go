// Package handlers provides HTTP handlers for the cross-dock pricing API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crossdock/pricing-engine/internal/cache"
	"github.com/crossdock/pricing-engine/internal/observability"
	"github.com/crossdock/pricing-engine/internal/orchestrator"
	"github.com/crossdock/pricing-engine/internal/progress"
	"github.com/crossdock/pricing-engine/internal/task"
)

// TaskHandler handles task submission and status requests.
type TaskHandler struct {
	logger     *observability.Logger
	orch       *orchestrator.Orchestrator
	tasks      task.Repository
	subscriber cache.Subscriber
}

// NewTaskHandler creates a new task handler. The subscriber may be nil when
// the cache backend has no pub/sub; the events endpoint then reports
// unavailable.
func NewTaskHandler(
	logger *observability.Logger,
	orch *orchestrator.Orchestrator,
	tasks task.Repository,
	subscriber cache.Subscriber,
) *TaskHandler {
	return &TaskHandler{
		logger:     logger,
		orch:       orch,
		tasks:      tasks,
		subscriber: subscriber,
	}
}

// SubmitRequestDTO represents the API request for a batch lookup.
type SubmitRequestDTO struct {
	SupplierGroup string    `json:"supplier_group"`
	Items         []ItemDTO `json:"items"`
}

// ItemDTO is one brand/article pair.
type ItemDTO struct {
	Brand string `json:"brand"`
	SKU   string `json:"sku"`
}

// SubmitResponseDTO represents the submission acknowledgement.
type SubmitResponseDTO struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskDTO represents a task record in API responses.
type TaskDTO struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	SupplierGroup  string  `json:"supplier_group"`
	ItemCount      int     `json:"item_count"`
	ResultLocation string  `json:"result_location,omitempty"`
	ErrorDetail    string  `json:"error_detail,omitempty"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    string  `json:"completed_at,omitempty"`
	DurationSec    float64 `json:"duration_sec"`
}

// Submit handles POST /api/v1/tasks.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var reqDTO SubmitRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	items := make([]task.Item, 0, len(reqDTO.Items))
	for _, it := range reqDTO.Items {
		items = append(items, task.Item{Brand: it.Brand, SKU: it.SKU})
	}

	id, err := h.orch.Submit(r.Context(), items, reqDTO.SupplierGroup)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, "invalid submission", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Submit failed")
		h.writeError(w, http.StatusInternalServerError, "submit failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponseDTO{
		TaskID: id.String(),
		Status: string(task.StatusPending),
	})
}

// GetStatus handles GET /api/v1/tasks/{taskId}.
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid task id", "")
		return
	}

	t, err := h.orch.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "task not found", "")
			return
		}
		h.logger.Error().Err(err).Msg("Status lookup failed")
		h.writeError(w, http.StatusInternalServerError, "status lookup failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toTaskDTO(t))
}

// List handles GET /api/v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := h.tasks.List(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("List tasks failed")
		h.writeError(w, http.StatusInternalServerError, "list failed", "")
		return
	}

	dtos := make([]TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		dtos = append(dtos, toTaskDTO(t))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"tasks": dtos})
}

// Events handles GET /api/v1/tasks/{taskId}/events. Progress updates stream
// as server-sent events until the task reaches a terminal stage or the client
// disconnects.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		h.writeError(w, http.StatusNotImplemented, "progress events unavailable", "cache backend has no pub/sub")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid task id", "")
		return
	}

	t, err := h.orch.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "task not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "status lookup failed", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	updates, cancel, err := progress.Watch(r.Context(), h.subscriber, id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "subscribe failed", "")
		return
	}
	defer cancel()

	// The server write timeout would cut long streams short.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A task that finished before the subscription was set up will never
	// publish again; report its state and close.
	if t.Terminal() {
		h.writeEvent(w, progress.Update{Stage: terminalStage(t), Percent: 100, Message: t.ErrorDetail})
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.writeEvent(w, u)
			flusher.Flush()
			if u.Stage == progress.StageFinished || u.Stage == progress.StageFailed {
				return
			}
		}
	}
}

func (h *TaskHandler) writeEvent(w http.ResponseWriter, u progress.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (h *TaskHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}

func terminalStage(t *task.Task) string {
	if t.Status == task.StatusFailure {
		return progress.StageFailed
	}
	return progress.StageFinished
}

func toTaskDTO(t *task.Task) TaskDTO {
	dto := TaskDTO{
		ID:             t.ID.String(),
		Status:         string(t.Status),
		SupplierGroup:  t.SupplierGroup,
		ItemCount:      len(t.Items),
		ResultLocation: t.ResultLocation,
		ErrorDetail:    t.ErrorDetail,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		DurationSec:    t.Duration().Seconds(),
	}
	if t.CompletedAt != nil {
		dto.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
