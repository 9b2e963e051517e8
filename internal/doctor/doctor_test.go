package doctor

import (
	"context"
	"testing"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
)

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Errorf("nil config: status = %s, want FAIL", got.Status)
	}

	cfg := &config.Config{HomeDir: t.TempDir()}
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Errorf("no auth tokens: status = %s, want WARN", got.Status)
	}

	cfg.AuthTokens = map[string]string{"secret": "alice"}
	if got := checkConfig(context.Background(), cfg); got.Status != "PASS" {
		t.Errorf("complete config: status = %s, want PASS", got.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := &config.Config{}
	cfg.LLM.Provider = "anthropic"
	if got := checkAPIKey(context.Background(), cfg); got.Status != "WARN" {
		t.Errorf("missing key: status = %s, want WARN", got.Status)
	}

	cfg.LLM.APIKey = "sk-test"
	if got := checkAPIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Errorf("key in config: status = %s, want PASS", got.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Errorf("fresh home dir: status = %s (%s), want PASS", got.Status, got.Message)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	if got := checkPermissions(context.Background(), cfg); got.Status != "PASS" {
		t.Errorf("writable home: status = %s, want PASS", got.Status)
	}
}

func TestCheckWorkers(t *testing.T) {
	cfg := &config.Config{}
	if got := checkWorkers(context.Background(), cfg); got.Status != "WARN" {
		t.Errorf("no workers: status = %s, want WARN", got.Status)
	}

	cfg.Workers = map[string]config.WorkerConfig{
		"research": {Agent: "researcher", Endpoint: "http://127.0.0.1:9001/run"},
		"code":     {Agent: "coder", Endpoint: "not a url"},
	}
	got := checkWorkers(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Errorf("bad endpoint: status = %s, want FAIL", got.Status)
	}

	cfg.Workers["code"] = config.WorkerConfig{Agent: "coder", Endpoint: "http://127.0.0.1:9002/run"}
	if got := checkWorkers(context.Background(), cfg); got.Status != "PASS" {
		t.Errorf("valid endpoints: status = %s, want PASS", got.Status)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	if got := checkNetwork(context.Background(), nil); got.Status != "SKIP" {
		t.Errorf("status = %s, want SKIP", got.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := checkNetwork(ctx, &config.Config{}); got.Status != "FAIL" {
		t.Errorf("status = %s, want FAIL", got.Status)
	}
}
