package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/orchestrator"
)

// TaskHandler handles HTTP requests for task operations.
type TaskHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		orch:   orch,
		logger: logger.Named("task_handler"),
	}
}

// RegisterRoutes registers the task API routes with the given router.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", h.submitTaskHandler)
	r.Get("/tasks/{taskID}", h.getTaskHandler)
	r.Delete("/tasks/{taskID}", h.cancelTaskHandler)
	r.Post("/tasks/{taskID}/priority", h.reprioritizeTaskHandler)
	r.Get("/files/{fileID}/tasks", h.listFileTasksHandler)
	r.Get("/stats", h.statsHandler)

	h.logger.Info("Task API routes registered")
}

// respondWithError sends a JSON error response.
func (h *TaskHandler) respondWithError(w http.ResponseWriter, code int, message string, err error) {
	logFields := []zap.Field{
		zap.Int("status_code", code),
		zap.String("error_message", message),
	}
	if err != nil {
		logFields = append(logFields, zap.Error(err))
	}
	h.logger.Error("HTTP handler error", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondWithJSON sends a JSON success response.
func (h *TaskHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

// statusCodeFor maps domain errors to HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIntakeThrottled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// submitTaskHandler accepts a new task submission.
func (h *TaskHandler) submitTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	taskID, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		h.respondWithError(w, statusCodeFor(err), err.Error(), err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// getTaskHandler returns the current view of one task.
func (h *TaskHandler) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondWithError(w, http.StatusBadRequest, "Task ID is required", nil)
		return
	}

	view, err := h.orch.GetStatus(r.Context(), taskID)
	if err != nil {
		h.respondWithError(w, statusCodeFor(err), err.Error(), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, view)
}

// cancelTaskHandler cancels a task.
func (h *TaskHandler) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondWithError(w, http.StatusBadRequest, "Task ID is required", nil)
		return
	}

	cancelled, err := h.orch.Cancel(r.Context(), taskID)
	if err != nil {
		h.respondWithError(w, statusCodeFor(err), err.Error(), err)
		return
	}
	if !cancelled {
		h.respondWithError(w, http.StatusConflict, "Task is already in a terminal state", nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancellation requested"})
}

type reprioritizeRequest struct {
	FileWeight int `json:"file_weight"`
}

// reprioritizeTaskHandler updates a task's file weight.
func (h *TaskHandler) reprioritizeTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondWithError(w, http.StatusBadRequest, "Task ID is required", nil)
		return
	}

	var req reprioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FileWeight < 1 || req.FileWeight > 10 {
		h.respondWithError(w, http.StatusBadRequest, "file_weight must be between 1 and 10", nil)
		return
	}

	updated, err := h.orch.Reprioritize(r.Context(), taskID, req.FileWeight)
	if err != nil {
		h.respondWithError(w, statusCodeFor(err), err.Error(), err)
		return
	}
	if !updated {
		h.respondWithError(w, http.StatusConflict, "Task is already in a terminal state", nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "file_weight": req.FileWeight})
}

// listFileTasksHandler returns every task owned by a file.
func (h *TaskHandler) listFileTasksHandler(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	if fileID == "" {
		h.respondWithError(w, http.StatusBadRequest, "File ID is required", nil)
		return
	}

	views, err := h.orch.ListByFile(r.Context(), fileID)
	if err != nil {
		h.respondWithError(w, statusCodeFor(err), err.Error(), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"file_id": fileID, "tasks": views})
}

// statsHandler returns the aggregate system view: status counts, queue
// depth, concurrency state and resource pressure.
func (h *TaskHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to collect stats", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, stats)
}
