package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

// Base indexes durable task outputs as dated markdown notes, one subtree per
// principal so search never crosses principal boundaries.
type Base struct {
	ws *Workspace
}

// New creates a knowledge base rooted at rootDir.
func New(rootDir string) (*Base, error) {
	ws, err := NewWorkspace(rootDir)
	if err != nil {
		return nil, err
	}
	return &Base{ws: ws}, nil
}

// IndexTaskOutput writes the task output as a note under the owning
// principal's subtree. Tasks with empty output are skipped, not errors.
func (b *Base) IndexTaskOutput(ctx context.Context, task *persistence.Task) error {
	if task == nil || strings.TrimSpace(task.Output) == "" {
		return nil
	}

	path := notePath(task)
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", noteTitle(task))
	fmt.Fprintf(&sb, "- task: %s\n", task.ID)
	fmt.Fprintf(&sb, "- type: %s\n", task.Type)
	fmt.Fprintf(&sb, "- created: %s\n\n", task.CreatedAt.UTC().Format(time.RFC3339))
	sb.WriteString(task.Output)
	if !strings.HasSuffix(task.Output, "\n") {
		sb.WriteString("\n")
	}

	return b.ws.Write(path, sb.String())
}

// Search returns matches within the principal's own subtree only.
func (b *Base) Search(principalID, query string) ([]SearchHit, error) {
	hits, err := b.ws.Search(query)
	if err != nil {
		return nil, err
	}
	prefix := principalID + string(filepath.Separator)
	filtered := hits[:0]
	for _, h := range hits {
		if strings.HasPrefix(h.Path, prefix) {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// Read returns one of the principal's notes by its search-hit path.
func (b *Base) Read(principalID, path string) (string, error) {
	prefix := principalID + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("knowledge: note not found: %s", path)
	}
	return b.ws.Read(path)
}

func notePath(task *persistence.Task) string {
	month := task.CreatedAt.UTC().Format("2006-01")
	return filepath.Join(task.PrincipalID, month, task.ID+".md")
}

func noteTitle(task *persistence.Task) string {
	title := strings.TrimSpace(task.IntentSummary)
	if title == "" {
		title = task.Type + " result"
	}
	return truncate(title, 120)
}
