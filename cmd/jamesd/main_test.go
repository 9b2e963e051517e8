package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
)

func TestGovernorLimits(t *testing.T) {
	got := governorLimits(config.GovernorConfig{
		MaxConcurrent:     5,
		DailyCap:          100,
		RatePerMinute:     15,
		LoopThreshold:     20,
		LoopWindowSeconds: 60,
		StaleAfterMinutes: 10,
	})
	if got.MaxConcurrent != 5 || got.DailyCap != 100 || got.RatePerMinute != 15 {
		t.Errorf("caps not mapped: %+v", got)
	}
	if got.LoopWindow != time.Minute {
		t.Errorf("LoopWindow = %v, want 1m", got.LoopWindow)
	}
	if got.StaleAfter != 10*time.Minute {
		t.Errorf("StaleAfter = %v, want 10m", got.StaleAfter)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTEST_DOTENV_A=hello\nTEST_DOTENV_B=world\n\nNOEQUALS\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TEST_DOTENV_B", "preset")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_A"); got != "hello" {
		t.Errorf("TEST_DOTENV_A = %q, want hello", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("TEST_DOTENV_B"); got != "preset" {
		t.Errorf("TEST_DOTENV_B = %q, want preset", got)
	}
	os.Unsetenv("TEST_DOTENV_A")
}
