// Package dispatcher owns the write path from an admitted message to tasks:
// it creates the root and child tasks, fans work out to worker endpoints,
// answers general intents inline, and propagates child completions back up
// to the parent.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/audit"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/brain"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/router"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/safety"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

// Knowledge receives completed task outputs worth remembering. The save and
// research workers produce durable knowledge; everything else is transient.
type Knowledge interface {
	IndexTaskOutput(ctx context.Context, task *persistence.Task) error
}

// WorkerPayload is the JSON body POSTed to a worker endpoint.
type WorkerPayload struct {
	TaskID      string `json:"task_id"`
	ParentID    string `json:"parent_id,omitempty"`
	PrincipalID string `json:"principal_id"`
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	Input       string `json:"input"`
	Project     string `json:"project,omitempty"`
	Tier        string `json:"tier"`
	TraceID     string `json:"trace_id,omitempty"`
}

// Result is what the gateway returns for one handled message.
type Result struct {
	Root               *persistence.Task  `json:"task,omitempty"`
	Children           []persistence.Task `json:"children,omitempty"`
	Reply              string             `json:"reply,omitempty"`
	NeedsClarification bool               `json:"needs_clarification,omitempty"`
}

type Dispatcher struct {
	store     *persistence.Store
	router    *router.Router
	brain     brain.Brain
	knowledge Knowledge // optional
	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector
	logger    *slog.Logger
	client    *http.Client

	mu      sync.RWMutex
	workers map[string]config.WorkerConfig

	wg sync.WaitGroup
}

func New(store *persistence.Store, rt *router.Router, b brain.Brain, workers map[string]config.WorkerConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers == nil {
		workers = map[string]config.WorkerConfig{}
	}
	return &Dispatcher{
		store:     store,
		router:    rt,
		brain:     b,
		sanitizer: safety.NewSanitizer(),
		leaks:     safety.NewLeakDetector(),
		logger:    logger,
		client:    &http.Client{Timeout: 60 * time.Second},
		workers:   workers,
	}
}

// SetKnowledge wires the optional knowledge sink.
func (d *Dispatcher) SetKnowledge(k Knowledge) {
	d.knowledge = k
}

// SetWorkers swaps the worker endpoint table, for config reload.
func (d *Dispatcher) SetWorkers(workers map[string]config.WorkerConfig) {
	if workers == nil {
		workers = map[string]config.WorkerConfig{}
	}
	d.mu.Lock()
	d.workers = workers
	d.mu.Unlock()
}

func (d *Dispatcher) workerFor(taskType string) (config.WorkerConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[taskType]
	return w, ok
}

// Wait blocks until all in-flight worker calls have returned. For shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleMessage runs the full dispatch path for one admitted message.
// Admission has already happened; this never rejects, it only degrades.
func (d *Dispatcher) HandleMessage(ctx context.Context, principalID, message string) (*Result, error) {
	if check := d.sanitizer.Check(message); check.Action != safety.ActionAllow {
		if check.Action == safety.ActionBlock {
			audit.Record("deny", "dispatch.sanitize", check.Reason, principalID)
			d.logger.Warn("message blocked by sanitizer", "principal_id", principalID, "reason", check.Reason)
			reply := "I can't act on that request."
			if err := d.store.AddConversation(ctx, principalID, "assistant", reply, ""); err != nil {
				return nil, err
			}
			return &Result{Reply: reply}, nil
		}
		d.logger.Warn("suspicious message admitted", "principal_id", principalID, "reason", check.Reason)
	}

	if err := d.store.AddConversation(ctx, principalID, "user", message, ""); err != nil {
		return nil, err
	}

	cls, err := d.router.Classify(ctx, principalID, message)
	if err != nil {
		return nil, fmt.Errorf("classify message: %w", err)
	}

	if len(cls.Intents) == 0 {
		question := cls.Question
		if question == "" {
			question = "I couldn't work out what you need. Can you rephrase?"
		}
		if err := d.store.AddConversation(ctx, principalID, "assistant", question, ""); err != nil {
			return nil, err
		}
		return &Result{Reply: question, NeedsClarification: true}, nil
	}

	if len(cls.Intents) == 1 {
		return d.dispatchSingle(ctx, principalID, message, cls)
	}
	return d.dispatchFanOut(ctx, principalID, message, cls)
}

// dispatchSingle handles a lone intent. A conversational one is answered
// inline on a zero-child root; anything worker-bound gets a root plus one
// child, so the only zero-child roots are the ones this process finalizes
// itself and the propagator closes the root when the child lands.
func (d *Dispatcher) dispatchSingle(ctx context.Context, principalID, message string, cls *router.Classification) (*Result, error) {
	intent := cls.Intents[0]
	root, err := d.store.CreateTask(ctx, principalID, intent.Type, intent.Summary, message)
	if err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}

	if intent.Type == persistence.TaskTypeGeneral {
		ctx = shared.WithTaskID(ctx, root.ID)
		reply := d.answerInline(ctx, root, cls.Tier)
		if cls.NeedsClarification {
			reply = strings.TrimSpace(reply + "\n\n" + cls.Question)
		}
		if err := d.store.AddConversation(ctx, principalID, "assistant", reply, root.ID); err != nil {
			d.logger.Error("record assistant turn failed", "task_id", root.ID, "error", err)
		}
		root, _ = d.store.GetTask(ctx, root.ID)
		return &Result{Root: root, Reply: reply, NeedsClarification: cls.NeedsClarification}, nil
	}

	ctx = shared.WithParentTaskID(ctx, root.ID)
	worker, hasWorker := d.workerFor(intent.Type)
	child, err := d.store.CreateChild(ctx, root.ID, principalID, intent.Type, worker.Agent, intent.Summary, message)
	if err != nil {
		return nil, fmt.Errorf("create child task: %w", err)
	}
	if hasWorker {
		d.sendToWorker(child, intent, cls.Tier)
	} else {
		d.failAndPropagate(ctx, child.ID, fmt.Sprintf("no worker configured for type %q", intent.Type))
	}

	reply := fmt.Sprintf("Started %s task: %s", intent.Type, intent.Summary)
	if cls.NeedsClarification {
		reply = strings.TrimSpace(reply + "\n" + cls.Question)
	}
	if err := d.store.AddConversation(ctx, principalID, "assistant", reply, root.ID); err != nil {
		d.logger.Error("record assistant turn failed", "task_id", root.ID, "error", err)
	}
	root, _ = d.store.GetTask(ctx, root.ID)
	if got, err := d.store.GetTask(ctx, child.ID); err == nil {
		child = got
	}
	return &Result{Root: root, Children: []persistence.Task{*child}, Reply: reply, NeedsClarification: cls.NeedsClarification}, nil
}

// dispatchFanOut creates a root plus one child per intent. The root is the
// fan-in point the completion propagator finalizes once every child lands.
func (d *Dispatcher) dispatchFanOut(ctx context.Context, principalID, message string, cls *router.Classification) (*Result, error) {
	summaries := make([]string, 0, len(cls.Intents))
	for _, intent := range cls.Intents {
		summaries = append(summaries, intent.Summary)
	}
	root, err := d.store.CreateTask(ctx, principalID, persistence.TaskTypeGeneral, strings.Join(summaries, "; "), message)
	if err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}
	ctx = shared.WithParentTaskID(ctx, root.ID)

	var children []persistence.Task
	for _, intent := range cls.Intents {
		worker, hasWorker := d.workerFor(intent.Type)
		agent := worker.Agent
		if intent.Type == persistence.TaskTypeGeneral {
			agent = "assistant"
		}
		child, err := d.store.CreateChild(ctx, root.ID, principalID, intent.Type, agent, intent.Summary, message)
		if err != nil {
			d.logger.Error("create child task failed", "parent_id", root.ID, "type", intent.Type, "error", err)
			continue
		}
		children = append(children, *child)

		switch {
		case intent.Type == persistence.TaskTypeGeneral:
			d.answerInline(ctx, child, cls.Tier)
		case hasWorker:
			d.sendToWorker(child, intent, cls.Tier)
		default:
			d.failAndPropagate(ctx, child.ID, fmt.Sprintf("no worker configured for type %q", intent.Type))
		}
	}

	// All children may already be terminal (all general, or all failed fast).
	if _, err := d.finalizeParent(ctx, root.ID); err != nil {
		d.logger.Error("parent finalize check failed", "task_id", root.ID, "error", err)
	}

	reply := fmt.Sprintf("Working on %d tasks: %s", len(children), strings.Join(summaries, "; "))
	if cls.NeedsClarification {
		reply = strings.TrimSpace(reply + "\n" + cls.Question)
	}
	if err := d.store.AddConversation(ctx, principalID, "assistant", reply, root.ID); err != nil {
		d.logger.Error("record assistant turn failed", "task_id", root.ID, "error", err)
	}
	root, _ = d.store.GetTask(ctx, root.ID)
	return &Result{Root: root, Children: children, Reply: reply, NeedsClarification: cls.NeedsClarification}, nil
}

// answerInline completes a general task with a direct model reply. The task
// never reaches running: it finalizes straight from queued.
func (d *Dispatcher) answerInline(ctx context.Context, task *persistence.Task, tier string) string {
	system := "You are a concise personal assistant. Answer directly."
	text, usage, err := d.brain.Generate(ctx, system, task.Input, d.brain.ModelName(tier))
	if err != nil {
		d.failAndPropagate(ctx, task.ID, fmt.Sprintf("inline answer failed: %v", err))
		return "Something went wrong answering that."
	}
	changed, err := d.store.FinalizeTask(ctx, task.ID, text)
	if err != nil {
		d.logger.Error("inline completion failed", "task_id", task.ID, "error", err)
	} else if !changed {
		// Lost to a concurrent cancel/reap. The reply still goes back, the
		// task record stays whatever won.
		d.logger.Warn("inline completion lost transition race", "task_id", task.ID)
	}
	if usage.TokensIn > 0 || usage.TokensOut > 0 {
		d.recordUsage(ctx, task.ID, usage)
	}
	if task.ParentID != "" {
		if _, err := d.finalizeParent(ctx, task.ParentID); err != nil {
			d.logger.Error("parent finalize after inline answer failed", "task_id", task.ParentID, "error", err)
		}
	}
	return text
}

func (d *Dispatcher) recordUsage(ctx context.Context, taskID string, usage brain.Usage) {
	_, err := d.store.DB().ExecContext(ctx, `
		UPDATE tasks SET tokens_in = tokens_in + ?, tokens_out = tokens_out + ?, cost_usd = cost_usd + ?
		WHERE id = ?;
	`, usage.TokensIn, usage.TokensOut, usage.CostUSD, taskID)
	if err != nil {
		d.logger.Error("record usage failed", "task_id", taskID, "error", err)
	}
}

// sendToWorker fires the HTTP call on a fresh goroutine and returns at once.
// The worker reports progress through the task endpoints; the only failure
// handled here is never reaching the worker at all.
func (d *Dispatcher) sendToWorker(task *persistence.Task, intent router.Intent, tier string) {
	worker, ok := d.workerFor(intent.Type)
	if !ok {
		d.failAndPropagate(context.Background(), task.ID, fmt.Sprintf("no worker configured for type %q", intent.Type))
		return
	}

	payload := WorkerPayload{
		TaskID:      task.ID,
		ParentID:    task.ParentID,
		PrincipalID: task.PrincipalID,
		Type:        task.Type,
		Summary:     intent.Summary,
		Input:       task.Input,
		Project:     intent.Project,
		Tier:        tier,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		timeout := time.Duration(worker.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		// Detached from the request context: the caller got its 202 already.
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ctx = shared.WithPrincipalID(ctx, task.PrincipalID)

		body, err := json.Marshal(payload)
		if err != nil {
			d.failAndPropagate(ctx, task.ID, fmt.Sprintf("encode worker payload: %v", err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker.Endpoint, bytes.NewReader(body))
		if err != nil {
			d.failAndPropagate(ctx, task.ID, fmt.Sprintf("build worker request: %v", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.failAndPropagate(ctx, task.ID, fmt.Sprintf("worker %s unreachable: %v", worker.Endpoint, err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			d.failAndPropagate(ctx, task.ID, fmt.Sprintf("worker %s rejected dispatch: %s", worker.Endpoint, resp.Status))
			return
		}
		d.logger.Info("task dispatched to worker",
			"task_id", task.ID, "type", task.Type, "endpoint", worker.Endpoint)
	}()
}
