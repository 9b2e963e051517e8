package router_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/brain"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/router"
)

// fakeBrain returns scripted responses in order, repeating the last one.
type fakeBrain struct {
	enabled   bool
	responses []string
	calls     int
}

func (f *fakeBrain) Generate(ctx context.Context, system, prompt, modelName string) (string, brain.Usage, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], brain.Usage{TokensIn: 10, TokensOut: 5, CostUSD: 0.0001}, nil
}

func (f *fakeBrain) ModelName(tier string) string { return "fake-model" }
func (f *fakeBrain) Enabled() bool                { return f.enabled }

func openRouterStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "jamesbrain.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRouter(t *testing.T, b brain.Brain, overrides map[string]string) (*router.Router, *persistence.Store) {
	t.Helper()
	store := openRouterStore(t)
	rt, err := router.New(b, store, overrides, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return rt, store
}

func TestClassify_SingleIntent(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "research", "summary": "research solar panel costs"}]`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "look into solar panel costs")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.Intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(c.Intents))
	}
	if c.Intents[0].Type != persistence.TaskTypeResearch {
		t.Errorf("type = %s", c.Intents[0].Type)
	}
	if c.Usage.TokensIn == 0 {
		t.Error("usage not recorded")
	}
}

func TestClassify_MultiIntent(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "research", "summary": "research flights"}, {"type": "save", "summary": "save the packing list"}]`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "research flights and save my packing list")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.Intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(c.Intents))
	}
	if c.Intents[1].Type != persistence.TaskTypeSave {
		t.Errorf("second type = %s", c.Intents[1].Type)
	}
}

func TestClassify_FencedAndWrappedJSON(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		"Here you go:\n```json\n[{\"type\": \"search\", \"summary\": \"find the doc\"}]\n```",
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "find the doc")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.Intents) != 1 || c.Intents[0].Type != persistence.TaskTypeSearch {
		t.Fatalf("intents = %+v", c.Intents)
	}
}

func TestClassify_SingleObjectCoercedToArray(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`{"type": "report", "summary": "weekly report"}`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "weekly report please")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.Intents) != 1 || c.Intents[0].Type != persistence.TaskTypeReport {
		t.Fatalf("intents = %+v", c.Intents)
	}
}

func TestClassify_CorrectiveRetryThenDegrade(t *testing.T) {
	// Both attempts invalid: the router degrades to one general intent.
	b := &fakeBrain{enabled: true, responses: []string{
		`total nonsense`,
		`still nonsense`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "do the thing")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2 (one corrective retry)", b.calls)
	}
	if len(c.Intents) != 1 || c.Intents[0].Type != persistence.TaskTypeGeneral {
		t.Fatalf("intents = %+v, want single general", c.Intents)
	}
	if c.Intents[0].Summary != "do the thing" {
		t.Errorf("summary = %q", c.Intents[0].Summary)
	}
}

func TestClassify_RetrySucceeds(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`oops not json`,
		`[{"type": "general", "summary": "answer the question"}]`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "what's up")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
	if len(c.Intents) != 1 {
		t.Fatalf("intents = %+v", c.Intents)
	}
}

func TestClassify_UnknownTypeBecomesGeneral(t *testing.T) {
	// Schema enum rejects unknown types, so both attempts fail and the router
	// degrades rather than dispatching an unroutable kind.
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "destroy", "summary": "rm -rf"}]`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "do something odd")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	for _, intent := range c.Intents {
		if intent.Type != persistence.TaskTypeGeneral {
			t.Errorf("type = %s, want general", intent.Type)
		}
	}
}

func TestClassify_HeuristicFallbackWithoutLLM(t *testing.T) {
	rt, _ := newTestRouter(t, &fakeBrain{enabled: false}, nil)

	cases := map[string]string{
		"save this link for me":    persistence.TaskTypeSave,
		"find my tax documents":    persistence.TaskTypeSearch,
		"research battery storage": persistence.TaskTypeResearch,
		"hello there":              persistence.TaskTypeGeneral,
	}
	for message, wantType := range cases {
		c, err := rt.Classify(context.Background(), "alice", message)
		if err != nil {
			t.Fatalf("classify %q: %v", message, err)
		}
		if len(c.Intents) != 1 || c.Intents[0].Type != wantType {
			t.Errorf("message %q: intents = %+v, want type %s", message, c.Intents, wantType)
		}
	}
}

func TestClassify_ProjectResolution(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "code", "summary": "fix the login bug", "project": "jamesbrain"}]`,
	}}
	rt, store := newTestRouter(t, b, nil)
	ctx := context.Background()

	store.EnsureProject(ctx, "alice", "JamesBrain", "/repos/jamesbrain")
	store.EnsureProject(ctx, "alice", "website", "/repos/website")

	c, err := rt.Classify(ctx, "alice", "fix the login bug in jamesbrain")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.Intents) != 1 {
		t.Fatalf("intents = %+v", c.Intents)
	}
	// Exact case-insensitive match resolves to the registered name.
	if c.Intents[0].Project != "JamesBrain" {
		t.Errorf("project = %q, want JamesBrain", c.Intents[0].Project)
	}
}

func TestClassify_UnnamedProjectSingleRegistered(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "code", "summary": "fix the bug"}]`,
	}}
	rt, store := newTestRouter(t, b, nil)
	ctx := context.Background()

	store.EnsureProject(ctx, "alice", "jamesbrain", "/repos/jamesbrain")

	c, err := rt.Classify(ctx, "alice", "fix the bug")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if c.NeedsClarification {
		t.Fatalf("unexpected clarification: %q", c.Question)
	}
	if len(c.Intents) != 1 || c.Intents[0].Project != "jamesbrain" {
		t.Fatalf("intents = %+v", c.Intents)
	}
}

func TestClassify_AmbiguousProjectAsksQuestion(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "code", "summary": "fix the bug"}]`,
	}}
	rt, store := newTestRouter(t, b, nil)
	ctx := context.Background()

	store.EnsureProject(ctx, "alice", "jamesbrain", "/repos/jamesbrain")
	store.EnsureProject(ctx, "alice", "website", "/repos/website")

	c, err := rt.Classify(ctx, "alice", "fix the bug")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !c.NeedsClarification {
		t.Fatal("expected clarification question")
	}
	if !strings.Contains(c.Question, "jamesbrain") || !strings.Contains(c.Question, "website") {
		t.Errorf("question %q missing project names", c.Question)
	}
	// The unresolved code intent is dropped.
	if len(c.Intents) != 0 {
		t.Errorf("intents = %+v, want none", c.Intents)
	}
}

func TestClassify_NoProjectsRegistered(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "code", "summary": "fix the bug"}]`,
	}}
	rt, _ := newTestRouter(t, b, nil)

	c, err := rt.Classify(context.Background(), "alice", "fix the bug")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !c.NeedsClarification {
		t.Fatal("expected clarification question")
	}
	if !strings.Contains(c.Question, "don't have any registered") {
		t.Errorf("question = %q", c.Question)
	}
}

func TestClassify_UnknownProjectNameTakenAtFaceValue(t *testing.T) {
	b := &fakeBrain{enabled: true, responses: []string{
		`[{"type": "code", "summary": "fix the bug", "project": "brand-new-thing"}]`,
	}}
	rt, store := newTestRouter(t, b, nil)
	ctx := context.Background()

	store.EnsureProject(ctx, "alice", "jamesbrain", "/repos/jamesbrain")

	c, err := rt.Classify(ctx, "alice", "fix the bug in brand-new-thing")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if c.NeedsClarification {
		t.Fatalf("unexpected clarification: %q", c.Question)
	}
	if len(c.Intents) != 1 || c.Intents[0].Project != "brand-new-thing" {
		t.Fatalf("intents = %+v", c.Intents)
	}
}

func TestResolveTier(t *testing.T) {
	rt, _ := newTestRouter(t, &fakeBrain{enabled: false}, map[string]string{"vip": brain.TierHeavy})

	cases := []struct {
		principal string
		message   string
		want      string
	}{
		{"alice", "hello", brain.TierStandard},
		{"alice", "give me an in-depth analysis of the market", brain.TierHeavy},
		{"alice", strings.Repeat("long message ", 60), brain.TierHeavy},
		{"vip", "hello", brain.TierHeavy},
	}
	for _, tc := range cases {
		c, err := rt.Classify(context.Background(), tc.principal, tc.message)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if c.Tier != tc.want {
			t.Errorf("principal %s message %.30q: tier = %s, want %s", tc.principal, tc.message, c.Tier, tc.want)
		}
	}
}
