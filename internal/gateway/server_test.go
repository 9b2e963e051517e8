package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/brain"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/dispatcher"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/gateway"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/governor"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/router"
)

// echoBrain classifies everything as one general intent and answers inline.
type echoBrain struct{}

func (echoBrain) Generate(ctx context.Context, system, prompt, modelName string) (string, brain.Usage, error) {
	if bytes.Contains([]byte(system), []byte("intent classifier")) {
		return `[{"type": "general", "summary": "general request"}]`, brain.Usage{TokensIn: 5, TokensOut: 5}, nil
	}
	return "echo: " + prompt, brain.Usage{TokensIn: 5, TokensOut: 5}, nil
}
func (echoBrain) ModelName(tier string) string { return "fake-model" }
func (echoBrain) Enabled() bool                { return true }

type testEnv struct {
	server *httptest.Server
	store  *persistence.Store
}

func newTestEnv(t *testing.T, limits governor.Limits) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "jamesbrain.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := echoBrain{}
	rt, err := router.New(b, store, nil, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	disp := dispatcher.New(store, rt, b, nil, nil)
	gov := governor.New(store, nil, limits, nil)

	srv := gateway.New(gateway.Config{
		BindAddr:   "127.0.0.1:0",
		Tokens:     map[string]string{"alice-token": "alice", "bob-token": "bob"},
		Store:      store,
		Governor:   gov,
		Dispatcher: disp,
		Bus:        bus.New(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store}
}

func defaultLimits() governor.Limits {
	return governor.Limits{
		MaxConcurrent: 10,
		DailyCap:      200,
		RatePerMinute: 1000,
		LoopThreshold: 100,
		LoopWindow:    time.Minute,
		StaleAfter:    10 * time.Minute,
	}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz_NoAuth(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp, body := env.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp, _ := env.request(t, http.MethodGet, "/v1/tasks", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodGet, "/v1/tasks", "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestMessage_InlineAnswerReturns200(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp, body := env.request(t, http.MethodPost, "/v1/messages", "alice-token",
		map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a terminal root", resp.StatusCode)
	}
	if body["reply"] != "echo: hello" {
		t.Errorf("reply = %v", body["reply"])
	}
	task, ok := body["task"].(map[string]any)
	if !ok {
		t.Fatalf("no task in body: %v", body)
	}
	if task["status"] != "completed" {
		t.Errorf("task status = %v", task["status"])
	}
}

func TestMessage_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp, _ := env.request(t, http.MethodPost, "/v1/messages", "alice-token",
		map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMessage_ConcurrentCapReturns409(t *testing.T) {
	limits := defaultLimits()
	limits.MaxConcurrent = 1
	env := newTestEnv(t, limits)

	// Occupy the cap with a queued worker-bound task.
	if _, err := env.store.CreateTask(context.Background(), "alice", persistence.TaskTypeResearch, "s", "i"); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, body := env.request(t, http.MethodPost, "/v1/messages", "alice-token",
		map[string]string{"message": "another"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "too_many_concurrent" {
		t.Errorf("code = %v", body["code"])
	}
	if body["error"] == nil {
		t.Error("rejection has no error message")
	}
}

func TestMessage_RateLimitReturns429(t *testing.T) {
	limits := defaultLimits()
	limits.RatePerMinute = 1
	env := newTestEnv(t, limits)

	env.request(t, http.MethodPost, "/v1/messages", "alice-token", map[string]string{"message": "one"})
	resp, body := env.request(t, http.MethodPost, "/v1/messages", "alice-token",
		map[string]string{"message": "two"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if body["code"] != "rate_limited" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestWorkerReports_LifecycleAndConflict(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, _ := env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", "alice-token",
		map[string]string{"agent": "researcher"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// Cancel wins the race; the completion report gets 409 plus the status.
	if _, err := env.store.CancelTask(ctx, task.ID, "user cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	resp, body := env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", "alice-token",
		map[string]any{"output": "late result", "tokens_in": 10, "tokens_out": 5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("late complete status = %d, want 409", resp.StatusCode)
	}
	if body["status"] != "cancelled" {
		t.Errorf("conflict status = %v, want cancelled", body["status"])
	}
}

func TestWorkerReports_UnknownTask404(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp, _ := env.request(t, http.MethodPost, "/v1/tasks/nope/start", "alice-token",
		map[string]string{"agent": "researcher"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWorkerReports_ForeignTask404(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A token for another principal cannot move the task, and the refusal
	// hides existence just like reads and cancels do.
	resp, _ := env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", "bob-token",
		map[string]string{"agent": "researcher"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign start status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", "bob-token",
		map[string]any{"output": "stolen"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign complete status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/fail", "bob-token",
		map[string]string{"error": "sabotage"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign fail status = %d, want 404", resp.StatusCode)
	}

	got, _ := env.store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusQueued {
		t.Errorf("task status = %s, want untouched queued", got.Status)
	}
}

func TestTaskFail_RequiresError(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	task, err := env.store.CreateTask(context.Background(), "alice", persistence.TaskTypeResearch, "s", "i")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, _ := env.request(t, http.MethodPost, "/v1/tasks/"+task.ID+"/fail", "alice-token",
		map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTask_HidesOtherPrincipals(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	task, err := env.store.CreateTask(context.Background(), "alice", persistence.TaskTypeResearch, "s", "i")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, _ := env.request(t, http.MethodGet, "/v1/tasks/"+task.ID, "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("own task status = %d", resp.StatusCode)
	}

	// Another principal sees 404, not 403: existence stays hidden.
	resp, _ = env.request(t, http.MethodGet, "/v1/tasks/"+task.ID, "bob-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign task status = %d, want 404", resp.StatusCode)
	}
}

func TestCancel_OwnTaskTree(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	ctx := context.Background()

	root, _ := env.store.CreateTask(ctx, "alice", persistence.TaskTypeGeneral, "s", "i")
	env.store.CreateChild(ctx, root.ID, "alice", persistence.TaskTypeResearch, "researcher", "c", "i")

	resp, body := env.request(t, http.MethodPost, "/v1/cancel", "alice-token",
		map[string]string{"task_id": root.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cancelled, ok := body["cancelled"].([]any)
	if !ok || len(cancelled) != 2 {
		t.Errorf("cancelled = %v, want 2 ids", body["cancelled"])
	}

	got, _ := env.store.GetTask(ctx, root.ID)
	if got.CancelReason != "cancelled by user" {
		t.Errorf("cancel_reason = %q, want default", got.CancelReason)
	}
}

func TestCancel_StopAll(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	ctx := context.Background()

	env.store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
	env.store.CreateTask(ctx, "alice", persistence.TaskTypeReport, "s", "i")
	other, _ := env.store.CreateTask(ctx, "bob", persistence.TaskTypeResearch, "s", "i")

	resp, body := env.request(t, http.MethodPost, "/v1/cancel", "alice-token",
		map[string]string{"action": "stop_all"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cancelled, ok := body["cancelled"].([]any)
	if !ok || len(cancelled) != 2 {
		t.Errorf("cancelled = %v, want alice's 2 tasks", body["cancelled"])
	}

	got, _ := env.store.GetTask(ctx, other.ID)
	if got.Status != persistence.TaskStatusQueued {
		t.Errorf("bob's task status = %s, want queued", got.Status)
	}
}

func TestCancel_ForeignTask404(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	task, _ := env.store.CreateTask(context.Background(), "alice", persistence.TaskTypeResearch, "s", "i")

	resp, _ := env.request(t, http.MethodPost, "/v1/cancel", "bob-token",
		map[string]string{"task_id": task.ID})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks_ScopedToPrincipal(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	ctx := context.Background()

	env.store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
	env.store.CreateTask(ctx, "bob", persistence.TaskTypeResearch, "s", "i")

	resp, body := env.request(t, http.MethodGet, "/v1/tasks", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tasks, ok := body["tasks"].([]any)
	if !ok || len(tasks) != 1 {
		t.Errorf("tasks = %v, want exactly alice's", body["tasks"])
	}
}

func TestTraceID_EchoedOnResponse(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Trace-Id"); got != "trace-abc-123" {
		t.Errorf("X-Trace-Id = %q", got)
	}
}
