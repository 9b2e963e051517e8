package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/governor"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/knowledge"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/otel"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

// handleMessage is the front door: admission, classification, dispatch.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := shared.PrincipalID(ctx)
	start := time.Now()

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.message",
		otel.AttrPrincipalID.String(principal))
	defer span.End()

	if err := s.cfg.Governor.Admit(ctx, principal); err != nil {
		var admErr *governor.AdmissionError
		if errors.As(err, &admErr) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AdmissionRejects.Add(ctx, 1,
					metric.WithAttributes(otel.AttrRejectCode.String(admErr.Code)))
			}
			writeJSON(w, admErr.HTTPStatus(), admErr)
			return
		}
		s.cfg.Logger.Error("admission check failed", "principal_id", principal, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	res, err := s.cfg.Dispatcher.HandleMessage(ctx, principal, req.Message)
	if err != nil {
		s.cfg.Logger.Error("dispatch failed", "principal_id", principal, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		if res.Root != nil {
			s.cfg.Metrics.TasksCreated.Add(ctx, int64(1+len(res.Children)),
				metric.WithAttributes(otel.AttrTaskType.String(res.Root.Type)))
		}
	}

	status := http.StatusOK
	if res.Root != nil && !persistence.IsTerminal(res.Root.Status) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleCancel cancels one task tree or everything the principal owns.
// The principal may only touch its own tasks.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := shared.PrincipalID(ctx)

	var req struct {
		Action string `json:"action"`
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	if req.Action == "stop_all" {
		cancelled, err := s.cfg.Dispatcher.CancelAll(ctx, principal, req.Reason)
		if err != nil {
			s.cfg.Logger.Error("cancel all failed", "principal_id", principal, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
		return
	}

	if req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id is required"})
		return
	}
	if task, _ := s.taskForPrincipal(w, r, req.TaskID, principal); task == nil {
		return
	}

	cancelled, err := s.cfg.Dispatcher.Cancel(ctx, req.TaskID, req.Reason)
	if err != nil {
		s.cfg.Logger.Error("cancel failed", "task_id", req.TaskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := shared.PrincipalID(ctx)
	limit := queryInt(r, "limit", 50)

	tasks, err := s.cfg.Store.ListTasks(ctx, principal, limit)
	if err != nil {
		s.cfg.Logger.Error("list tasks failed", "principal_id", principal, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := shared.PrincipalID(ctx)
	taskID := chi.URLParam(r, "id")

	task, _ := s.taskForPrincipal(w, r, taskID, principal)
	if task == nil {
		return
	}
	children, err := s.cfg.Store.ListChildren(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Error("list children failed", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Error("list task events failed", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"children": children,
		"events":   events,
	})
}

// handleTaskStart is the worker's running report. A start that loses to a
// cancellation gets 409 plus the current status, telling the worker to stop.
// Like cancel, reports only apply to tasks the caller's principal owns.
func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")
	if task, _ := s.taskForPrincipal(w, r, taskID, shared.PrincipalID(ctx)); task == nil {
		return
	}

	var req struct {
		Agent string `json:"agent"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	task, changed, err := s.cfg.Dispatcher.StartTask(ctx, taskID, req.Agent)
	s.writeTransition(w, taskID, task, changed, err)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")
	if task, _ := s.taskForPrincipal(w, r, taskID, shared.PrincipalID(ctx)); task == nil {
		return
	}

	var req struct {
		Output    string  `json:"output"`
		TokensIn  int     `json:"tokens_in"`
		TokensOut int     `json:"tokens_out"`
		CostUSD   float64 `json:"cost_usd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	task, changed, err := s.cfg.Dispatcher.CompleteTask(ctx, taskID, req.Output, req.TokensIn, req.TokensOut, req.CostUSD)
	if changed && s.cfg.Metrics != nil {
		s.cfg.Metrics.TaskOutcomes.Add(ctx, 1,
			metric.WithAttributes(otel.AttrTaskStatus.String(string(persistence.TaskStatusCompleted))))
	}
	s.writeTransition(w, taskID, task, changed, err)
}

func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")
	if task, _ := s.taskForPrincipal(w, r, taskID, shared.PrincipalID(ctx)); task == nil {
		return
	}

	var req struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Error == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "error is required"})
		return
	}

	task, changed, err := s.cfg.Dispatcher.FailTask(ctx, taskID, req.Error)
	if changed && s.cfg.Metrics != nil {
		s.cfg.Metrics.TaskOutcomes.Add(ctx, 1,
			metric.WithAttributes(otel.AttrTaskStatus.String(string(persistence.TaskStatusFailed))))
	}
	s.writeTransition(w, taskID, task, changed, err)
}

// writeTransition is the shared response shape for worker reports. 200 when
// the transition applied, 404 for unknown tasks, 409 with the winning status
// when the conditional write lost.
func (s *Server) writeTransition(w http.ResponseWriter, taskID string, task *persistence.Task, changed bool, err error) {
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		s.cfg.Logger.Error("task transition failed", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if !changed {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "transition not applied",
			"status": task.Status,
			"task":   task,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// taskForPrincipal loads a task and enforces ownership. Writes the error
// response and returns nil when the caller may not touch it.
func (s *Server) taskForPrincipal(w http.ResponseWriter, r *http.Request, taskID, principal string) (*persistence.Task, error) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return nil, err
		}
		s.cfg.Logger.Error("get task failed", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return nil, err
	}
	if task.PrincipalID != principal {
		// Hide the existence of other principals' tasks.
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return nil, nil
	}
	return task, nil
}

// handleKnowledgeSearch searches the caller's own knowledge notes.
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalID(r.Context())
	if s.cfg.Knowledge == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "knowledge store not configured"})
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	hits, err := s.cfg.Knowledge.Search(principal, query)
	if err != nil {
		s.cfg.Logger.Error("knowledge search failed", "principal_id", principal, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if hits == nil {
		hits = []knowledge.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
