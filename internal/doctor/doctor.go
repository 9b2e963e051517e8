// Package doctor runs startup diagnostics: config, credentials, database,
// worker endpoints, and provider reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkWorkers,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if len(cfg.AuthTokens) == 0 {
		return CheckResult{Name: "Config", Status: "WARN",
			Message: fmt.Sprintf("Loaded from %s but no auth_tokens configured", cfg.HomeDir),
			Detail:  "Every /v1 request will be rejected until a bearer token is added"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS",
			Message: fmt.Sprintf("Key present for provider %q", cfg.LLM.Provider)}
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	envVar, ok := envVars[strings.ToLower(cfg.LLM.Provider)]
	if !ok {
		envVar = "GEMINI_API_KEY"
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, cfg.LLM.Provider),
		Detail:  "The router falls back to keyword heuristics and inline answers degrade",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "jamesbrain.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.CountActive(ctx, "doctor"); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkWorkers validates every configured worker endpoint without calling it.
func checkWorkers(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workers", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Workers) == 0 {
		return CheckResult{Name: "Workers", Status: "WARN",
			Message: "No workers configured",
			Detail:  "Only general intents can be served; everything else fails at dispatch"}
	}

	kinds := make([]string, 0, len(cfg.Workers))
	for kind := range cfg.Workers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var bad []string
	for _, kind := range kinds {
		w := cfg.Workers[kind]
		u, err := url.Parse(w.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			bad = append(bad, fmt.Sprintf("%s: bad endpoint %q", kind, w.Endpoint))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Workers",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d worker endpoints invalid", len(bad), len(cfg.Workers)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Workers", Status: "PASS",
		Message: fmt.Sprintf("%d workers configured: %s", len(kinds), strings.Join(kinds, ", "))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[strings.ToLower(cfg.LLM.Provider)]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.LLM.Provider),
	}
}
