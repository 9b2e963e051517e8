package persistence_test

import (
	"context"
	"testing"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

func TestConversation_AddAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, entry := range []struct{ role, content string }{
		{"user", "what's the weather"},
		{"assistant", "Started research task: weather"},
		{"user", "and my calendar?"},
	} {
		if err := store.AddConversation(ctx, "alice", entry.role, entry.content, ""); err != nil {
			t.Fatalf("add conversation: %v", err)
		}
	}
	if err := store.AddConversation(ctx, "bob", "user", "bob's message", ""); err != nil {
		t.Fatalf("add bob conversation: %v", err)
	}

	entries, err := store.ListConversation(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Oldest first for prompt assembly.
	if entries[0].Content != "what's the weather" {
		t.Errorf("first entry = %q", entries[0].Content)
	}
	if entries[2].Role != "user" {
		t.Errorf("last entry role = %q, want user", entries[2].Role)
	}

	// Limit keeps the most recent entries, still oldest first.
	limited, err := store.ListConversation(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("got %d limited entries, want 2", len(limited))
	}
	if limited[0].Content != "Started research task: weather" {
		t.Errorf("limited first entry = %q", limited[0].Content)
	}
}

func TestConversation_RejectsUnknownRole(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddConversation(context.Background(), "alice", "system", "nope", ""); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestKVStore_SetAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetKV(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetKV(ctx, "greeting", "hi again"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetKV(ctx, "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hi again" {
		t.Errorf("got %q, want %q", got, "hi again")
	}

	missing, err := store.GetKV(ctx, "absent")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != "" {
		t.Errorf("missing key returned %q", missing)
	}
}

func TestProjects_EnsureAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p1, err := store.EnsureProject(ctx, "alice", "jamesbrain", "/repos/jamesbrain")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if p1.Name != "jamesbrain" {
		t.Errorf("name = %q", p1.Name)
	}

	// Upsert with a new path must not duplicate.
	if _, err := store.EnsureProject(ctx, "alice", "jamesbrain", "/new/path"); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if _, err := store.EnsureProject(ctx, "alice", "website", "/repos/website"); err != nil {
		t.Fatalf("ensure second: %v", err)
	}
	// Same project name under a different principal is a separate row.
	if _, err := store.EnsureProject(ctx, "bob", "jamesbrain", "/bob/repo"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	projects, err := store.ListProjects(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	for _, p := range projects {
		if p.Name == "jamesbrain" && p.RepoPath != "/new/path" {
			t.Errorf("repo path not updated: %q", p.RepoPath)
		}
	}
}

func TestRunRetention_PurgesOldRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, "alice", persistence.TaskTypeResearch)
	if err := store.AddConversation(ctx, "alice", "user", "old message", ""); err != nil {
		t.Fatalf("add conversation: %v", err)
	}

	// Backdate everything past the cutoff.
	for _, q := range []string{
		`UPDATE task_events SET created_at = datetime('now', '-40 days')`,
		`UPDATE conversations SET created_at = datetime('now', '-40 days')`,
	} {
		if _, err := store.DB().Exec(q); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	result, err := store.RunRetention(ctx, 30, 30, 30)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedTaskEvents == 0 {
		t.Error("no task events purged")
	}
	if result.PurgedConversations != 1 {
		t.Errorf("purged %d conversations, want 1", result.PurgedConversations)
	}

	// Tasks themselves are never purged: the caps count against them.
	if _, err := store.GetTask(ctx, task.ID); err != nil {
		t.Errorf("task purged by retention: %v", err)
	}

	// Zero windows keep everything.
	again, err := store.RunRetention(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("run retention zero: %v", err)
	}
	if again.PurgedTaskEvents != 0 || again.PurgedConversations != 0 {
		t.Errorf("zero-window retention purged rows: %+v", again)
	}
}
