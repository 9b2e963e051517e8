// Package router turns a raw inbound message into dispatchable intents.
// Classification goes through the LLM with a forced JSON schema; anything
// the model gets wrong degrades to a single general intent rather than an
// error back to the user.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/brain"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

// Intent is one unit of work extracted from a message.
type Intent struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Project string `json:"project,omitempty"`
}

// Classification is the router's verdict for one message.
type Classification struct {
	Intents []Intent
	// Tier selects the model for downstream LLM work on this request.
	Tier string
	// NeedsClarification is set when a code intent could not be bound to a
	// project. Question carries the text to send back to the user; the
	// unresolved intent is dropped from Intents.
	NeedsClarification bool
	Question           string
	Usage              brain.Usage
}

const classifySystemPrompt = `You are the intent classifier for a personal assistant.
Given the user's message, respond with ONLY a JSON array of intents, no prose.
Each intent has:
  "type": one of "research", "save", "search", "report", "code", "general"
  "summary": a one-sentence restatement of that piece of work
  "project": (only for "code") the project name if the user named one
A message may contain several independent requests; emit one intent per request.
If nothing fits a specific type, use "general".`

// heavyMarkers escalate a request to the heavy model tier.
var heavyMarkers = []string{"analyze", "analysis", "in depth", "in-depth", "comprehensive", "detailed report", "deep dive", "architecture"}

type Router struct {
	brain  brain.Brain
	store  *persistence.Store
	logger *slog.Logger
	schema *jsonschema.Schema

	mu            sync.RWMutex
	tierOverrides map[string]string
}

func New(b brain.Brain, store *persistence.Store, tierOverrides map[string]string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileIntentSchema()
	if err != nil {
		return nil, err
	}
	if tierOverrides == nil {
		tierOverrides = map[string]string{}
	}
	return &Router{
		brain:         b,
		store:         store,
		logger:        logger,
		schema:        schema,
		tierOverrides: tierOverrides,
	}, nil
}

// SetTierOverrides replaces the per-principal tier pins, for config reload.
func (r *Router) SetTierOverrides(overrides map[string]string) {
	if overrides == nil {
		overrides = map[string]string{}
	}
	r.mu.Lock()
	r.tierOverrides = overrides
	r.mu.Unlock()
}

// Classify extracts intents from a message and resolves code intents to
// registered projects.
func (r *Router) Classify(ctx context.Context, principalID, message string) (*Classification, error) {
	out := &Classification{Tier: r.resolveTier(principalID, message)}

	intents, usage, err := r.classifyIntents(ctx, message, out.Tier)
	out.Usage = usage
	if err != nil {
		// Degrade: the whole message becomes one general task.
		r.logger.Warn("intent classification degraded to general", "principal_id", principalID, "error", err)
		intents = []Intent{{Type: persistence.TaskTypeGeneral, Summary: message}}
	}

	resolved := make([]Intent, 0, len(intents))
	for _, intent := range intents {
		if !persistence.ValidTaskType(intent.Type) {
			intent.Type = persistence.TaskTypeGeneral
		}
		if intent.Type == persistence.TaskTypeCode {
			project, question, err := r.resolveProject(ctx, principalID, intent.Project)
			if err != nil {
				return nil, err
			}
			if question != "" {
				out.NeedsClarification = true
				out.Question = question
				continue
			}
			intent.Project = project
		}
		resolved = append(resolved, intent)
	}
	out.Intents = resolved
	return out, nil
}

func (r *Router) classifyIntents(ctx context.Context, message, tier string) ([]Intent, brain.Usage, error) {
	if !r.brain.Enabled() {
		return []Intent{heuristicIntent(message)}, brain.Usage{}, nil
	}

	// Classification always runs on the standard model; tier applies to the
	// downstream work, not to routing itself.
	model := r.brain.ModelName(brain.TierStandard)
	_ = tier

	prompt := message
	var total brain.Usage
	for attempt := 0; attempt < 2; attempt++ {
		text, usage, err := r.brain.Generate(ctx, classifySystemPrompt, prompt, model)
		total.TokensIn += usage.TokensIn
		total.TokensOut += usage.TokensOut
		total.CostUSD += usage.CostUSD
		if err != nil {
			return nil, total, err
		}
		intents, perr := r.parseIntents(text)
		if perr == nil {
			return intents, total, nil
		}
		// One corrective retry with the validation error echoed back.
		prompt = fmt.Sprintf("%s\n\nYour previous response was rejected: %s\nRespond with ONLY the JSON array.", message, perr)
	}
	return nil, total, fmt.Errorf("classification produced no valid intents")
}

// heuristicIntent is the no-LLM classification used in fallback mode.
func heuristicIntent(message string) Intent {
	lower := strings.ToLower(message)
	taskType := persistence.TaskTypeGeneral
	switch {
	case strings.HasPrefix(lower, "save ") || strings.HasPrefix(lower, "remember "):
		taskType = persistence.TaskTypeSave
	case strings.HasPrefix(lower, "search ") || strings.HasPrefix(lower, "find "):
		taskType = persistence.TaskTypeSearch
	case strings.Contains(lower, "research"):
		taskType = persistence.TaskTypeResearch
	case strings.Contains(lower, "report"):
		taskType = persistence.TaskTypeReport
	case strings.Contains(lower, "fix ") || strings.Contains(lower, "implement ") || strings.Contains(lower, " bug"):
		taskType = persistence.TaskTypeCode
	}
	return Intent{Type: taskType, Summary: message}
}

// resolveTier applies the per-principal override, then the content heuristic.
func (r *Router) resolveTier(principalID, message string) string {
	r.mu.RLock()
	override, ok := r.tierOverrides[principalID]
	r.mu.RUnlock()
	if ok {
		return override
	}
	lower := strings.ToLower(message)
	for _, marker := range heavyMarkers {
		if strings.Contains(lower, marker) {
			return brain.TierHeavy
		}
	}
	if len(message) > 600 {
		return brain.TierHeavy
	}
	return brain.TierStandard
}

// resolveProject binds a code intent to a registered project. Precedence:
// exact name match, then unique substring match, then the principal's only
// project. Anything else needs clarification.
func (r *Router) resolveProject(ctx context.Context, principalID, named string) (project, question string, err error) {
	projects, err := r.store.ListProjects(ctx, principalID)
	if err != nil {
		return "", "", fmt.Errorf("list projects: %w", err)
	}

	named = strings.TrimSpace(named)
	if named != "" {
		lower := strings.ToLower(named)
		var substring []string
		for _, p := range projects {
			pname := strings.ToLower(p.Name)
			if pname == lower {
				return p.Name, "", nil
			}
			if strings.Contains(pname, lower) || strings.Contains(lower, pname) {
				substring = append(substring, p.Name)
			}
		}
		if len(substring) == 1 {
			return substring[0], "", nil
		}
		if len(substring) > 1 {
			return "", fmt.Sprintf("Which project did you mean: %s?", strings.Join(substring, ", ")), nil
		}
		// Unknown name: take it at face value so new projects can be named.
		return named, "", nil
	}

	if len(projects) == 1 {
		return projects[0].Name, "", nil
	}
	if len(projects) == 0 {
		return "", "Which project is this for? I don't have any registered yet.", nil
	}
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	return "", fmt.Sprintf("Which project is this for: %s?", strings.Join(names, ", ")), nil
}
