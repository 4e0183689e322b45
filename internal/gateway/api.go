// ABOUTME: HTTP API handlers for tasks, rollouts, cancellation, and step logs.
// ABOUTME: Step log writes require the per-rollout agent bearer token.

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/arena-gateway/internal/engine"
	"github.com/2389/arena-gateway/internal/store"
)

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	ID             string          `json:"id,omitempty"`
	Description    string          `json:"description"`
	ExpectedAnswer json.RawMessage `json:"expected_answer"`
}

// TaskUploadResponse reports the outcome of a bulk task upload.
type TaskUploadResponse struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// TaskResponse is the JSON representation of a task.
type TaskResponse struct {
	ID              string          `json:"id"`
	Description     string          `json:"description"`
	DescriptionHTML string          `json:"description_html"`
	ExpectedAnswer  json.RawMessage `json:"expected_answer"`
	CreatedAt       string          `json:"created_at"`
	RolloutCount    *int            `json:"rollout_count,omitempty"`
	CompletedCount  *int            `json:"completed_count,omitempty"`
	SuccessCount    *int            `json:"success_count,omitempty"`
}

// SubmitRolloutsRequest is the JSON request body for POST /api/rollouts.
// Attempts defaults to 1.
type SubmitRolloutsRequest struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts,omitempty"`
}

// SubmitRolloutsResponse reports which rollouts were admitted to the queue.
type SubmitRolloutsResponse struct {
	Admitted []RolloutResponse `json:"admitted"`
	Rejected int               `json:"rejected,omitempty"`
}

// RolloutResponse is the JSON representation of a rollout. The agent token
// is deliberately never included.
type RolloutResponse struct {
	ID            int64  `json:"id"`
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	AllocatedPort int    `json:"allocated_port,omitempty"`
	DBContainer   string `json:"db_container,omitempty"`
	UIContainer   string `json:"ui_container,omitempty"`
	RawOutput     string `json:"raw_output,omitempty"`
	Success       *bool  `json:"success"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RecordingPath string `json:"recording_path,omitempty"`
	CreatedAt     string `json:"created_at"`
	StartedAt     string `json:"started_at,omitempty"`
	EndedAt       string `json:"ended_at,omitempty"`
}

// StepLogRequest is the JSON request body for POST /api/rollouts/{id}/steps.
type StepLogRequest struct {
	StepNumber     int    `json:"step_number"`
	Reasoning      string `json:"reasoning,omitempty"`
	FunctionCalls  string `json:"function_calls,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// StepLogResponse is the JSON representation of one recorded agent step.
type StepLogResponse struct {
	StepNumber     int    `json:"step_number"`
	Reasoning      string `json:"reasoning,omitempty"`
	FunctionCalls  string `json:"function_calls,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// handleTasks handles GET and POST /api/tasks.
func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListTasks(w, r)
	case http.MethodPost:
		g.handleCreateTask(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.store.ListTasks(r.Context())
	if err != nil {
		g.logger.Error("failed to list tasks", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		tr := taskResponse(&t.Task)
		tr.RolloutCount = &t.RolloutCount
		tr.CompletedCount = &t.CompletedCount
		tr.SuccessCount = &t.SuccessCount
		resp = append(resp, tr)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleCreateTask accepts either a single task object or an array of
// tasks. Arrays are treated as a bulk upload: duplicates are skipped
// rather than rejected, and the response reports counts instead of the
// created records.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		g.handleUploadTasks(w, r, raw)
		return
	}

	var req CreateTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := validateTaskRequest(&req); msg != "" {
		g.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	task := newTask(&req)
	if err := g.store.CreateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			g.sendJSONError(w, http.StatusConflict, fmt.Sprintf("task '%s' already exists", task.ID))
			return
		}
		g.logger.Error("failed to create task", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("task created", "task_id", task.ID)
	g.writeJSON(w, http.StatusCreated, taskResponse(task))
}

func (g *Gateway) handleUploadTasks(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var reqs []CreateTaskRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for i := range reqs {
		if msg := validateTaskRequest(&reqs[i]); msg != "" {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("task %d: %s", i, msg))
			return
		}
	}

	var created, skipped int
	for i := range reqs {
		task := newTask(&reqs[i])
		if err := g.store.CreateTask(r.Context(), task); err != nil {
			if errors.Is(err, store.ErrDuplicateTask) {
				skipped++
				continue
			}
			g.logger.Error("failed to create task", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		created++
	}

	g.logger.Info("tasks uploaded", "created", created, "skipped", skipped)
	g.writeJSON(w, http.StatusCreated, TaskUploadResponse{Created: created, Skipped: skipped})
}

func validateTaskRequest(req *CreateTaskRequest) string {
	if strings.TrimSpace(req.Description) == "" {
		return "description is required"
	}
	if len(req.ExpectedAnswer) == 0 || !json.Valid(req.ExpectedAnswer) {
		return "expected_answer must be valid JSON"
	}
	return ""
}

func newTask(req *CreateTaskRequest) *store.Task {
	task := &store.Task{
		ID:             req.ID,
		Description:    req.Description,
		ExpectedAnswer: string(req.ExpectedAnswer),
		CreatedAt:      time.Now().UTC(),
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return task
}

// handleTaskByID handles GET /api/tasks/{id}.
func (g *Gateway) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	task, err := g.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		g.logger.Error("failed to get task", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, taskResponse(task))
}

// handleRollouts handles GET and POST /api/rollouts.
func (g *Gateway) handleRollouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListRollouts(w, r)
	case http.MethodPost:
		g.handleSubmitRollouts(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	filter := store.RolloutFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Status: r.URL.Query().Get("status"),
	}

	rollouts, err := g.store.ListRollouts(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list rollouts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RolloutResponse, 0, len(rollouts))
	for _, rollout := range rollouts {
		resp = append(resp, rolloutResponse(rollout))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSubmitRollouts(w http.ResponseWriter, r *http.Request) {
	var req SubmitRolloutsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.Attempts == 0 {
		req.Attempts = 1
	}
	if req.Attempts < 1 || req.Attempts > 100 {
		g.sendJSONError(w, http.StatusBadRequest, "attempts must be between 1 and 100")
		return
	}

	admitted, err := g.engine.SubmitBatch(r.Context(), req.TaskID, req.Attempts)
	if err != nil && !errors.Is(err, engine.ErrQueueFull) {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("task '%s' not found", req.TaskID))
			return
		}
		if errors.Is(err, engine.ErrShuttingDown) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down")
			return
		}
		g.logger.Error("failed to submit rollouts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if len(admitted) == 0 {
		g.sendJSONError(w, http.StatusTooManyRequests, "rollout queue is full")
		return
	}

	resp := SubmitRolloutsResponse{
		Admitted: make([]RolloutResponse, 0, len(admitted)),
		Rejected: req.Attempts - len(admitted),
	}
	for _, rollout := range admitted {
		resp.Admitted = append(resp.Admitted, rolloutResponse(rollout))
	}
	g.writeJSON(w, http.StatusAccepted, resp)
}

// handleRolloutRoutes dispatches /api/rollouts/{id}[...] subroutes.
func (g *Gateway) handleRolloutRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/rollouts/")
	parts := strings.SplitN(rest, "/", 2)

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "rollout not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			g.handleGetRollout(w, r, id)
		case http.MethodDelete:
			g.handleDeleteRollout(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleCancelRollout(w, r, id)
	case "steps":
		switch r.Method {
		case http.MethodGet:
			g.handleListSteps(w, r, id)
		case http.MethodPost:
			g.handleReportStep(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleGetRollout(w http.ResponseWriter, r *http.Request, id int64) {
	rollout, err := g.store.GetRollout(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "rollout not found")
			return
		}
		g.logger.Error("failed to get rollout", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, rolloutResponse(rollout))
}

func (g *Gateway) handleDeleteRollout(w http.ResponseWriter, r *http.Request, id int64) {
	err := g.store.DeleteRollout(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "rollout not found")
	case errors.Is(err, store.ErrNotTerminal):
		g.sendJSONError(w, http.StatusConflict, "rollout is still live; cancel it first")
	case err != nil:
		g.logger.Error("failed to delete rollout", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) handleCancelRollout(w http.ResponseWriter, r *http.Request, id int64) {
	err := g.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "rollout not found")
	case errors.Is(err, store.ErrStaleStatus):
		g.sendJSONError(w, http.StatusConflict, "rollout is already terminal")
	case err != nil:
		g.logger.Error("failed to cancel rollout", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleReportStep ingests one agent step. The bearer token must be the
// agent token minted for this exact rollout.
func (g *Gateway) handleReportStep(w http.ResponseWriter, r *http.Request, id int64) {
	tokenRollout, ok := g.authorizeAgent(w, r)
	if !ok {
		return
	}
	if tokenRollout != id {
		g.sendJSONError(w, http.StatusForbidden, "token is not valid for this rollout")
		return
	}

	var req StepLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StepNumber < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "step_number must be positive")
		return
	}

	if _, err := g.store.GetRollout(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "rollout not found")
			return
		}
		g.logger.Error("failed to get rollout", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	err := g.store.SaveStepLog(r.Context(), &store.StepLog{
		RolloutID:      id,
		StepNumber:     req.StepNumber,
		Reasoning:      req.Reasoning,
		FunctionCalls:  req.FunctionCalls,
		ScreenshotPath: req.ScreenshotPath,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		g.logger.Error("failed to save step log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListSteps(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := g.store.GetRollout(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "rollout not found")
			return
		}
		g.logger.Error("failed to get rollout", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	steps, err := g.store.ListStepLogs(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to list step logs", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]StepLogResponse, 0, len(steps))
	for _, s := range steps {
		resp = append(resp, StepLogResponse{
			StepNumber:     s.StepNumber,
			Reasoning:      s.Reasoning,
			FunctionCalls:  s.FunctionCalls,
			ScreenshotPath: s.ScreenshotPath,
			Timestamp:      s.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// authorizeAgent extracts and verifies the bearer token, returning the
// rollout ID it is scoped to.
func (g *Gateway) authorizeAgent(w http.ResponseWriter, r *http.Request) (int64, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return 0, false
	}

	rolloutID, err := g.tokens.Verify(token)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid bearer token")
		return 0, false
	}
	return rolloutID, true
}

func taskResponse(t *store.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Description:     t.Description,
		DescriptionHTML: renderMarkdown(t.Description),
		ExpectedAnswer:  json.RawMessage(t.ExpectedAnswer),
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func rolloutResponse(r *store.Rollout) RolloutResponse {
	resp := RolloutResponse{
		ID:            r.ID,
		TaskID:        r.TaskID,
		Status:        r.Status,
		AllocatedPort: r.AllocatedPort,
		DBContainer:   r.DBContainer,
		UIContainer:   r.UIContainer,
		RawOutput:     r.RawOutput,
		Success:       r.Success,
		ErrorMessage:  r.ErrorMessage,
		RecordingPath: r.RecordingPath,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		resp.StartedAt = r.StartedAt.UTC().Format(time.RFC3339)
	}
	if r.EndedAt != nil {
		resp.EndedAt = r.EndedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// renderMarkdown converts a task description to HTML for the dashboard.
// Render failures fall back to the raw text.
func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return src
	}
	return strings.TrimSpace(buf.String())
}

// writeJSON writes a JSON response with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
