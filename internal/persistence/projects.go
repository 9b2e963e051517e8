package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Name        string    `json:"name"`
	RepoPath    string    `json:"repo_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EnsureProject upserts a project by (principal, name). Used at startup to
// seed configured projects and by the save worker when it learns a new repo.
func (s *Store) EnsureProject(ctx context.Context, principalID, name, repoPath string) (*Project, error) {
	name = strings.TrimSpace(name)
	if principalID == "" || name == "" {
		return nil, errors.New("project requires principal and name")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, principal_id, name, repo_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(principal_id, name) DO UPDATE SET
			repo_path = CASE WHEN excluded.repo_path != '' THEN excluded.repo_path ELSE repo_path END,
			updated_at = CURRENT_TIMESTAMP;
	`, id, principalID, name, repoPath)
	if err != nil {
		return nil, fmt.Errorf("upsert project: %w", err)
	}
	return s.getProjectByName(ctx, principalID, name)
}

func (s *Store) getProjectByName(ctx context.Context, principalID, name string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal_id, name, repo_path, created_at, updated_at
		FROM projects
		WHERE principal_id = ? AND name = ?;
	`, principalID, name)
	var p Project
	if err := row.Scan(&p.ID, &p.PrincipalID, &p.Name, &p.RepoPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns the principal's registered projects ordered by name.
func (s *Store) ListProjects(ctx context.Context, principalID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, name, repo_path, created_at, updated_at
		FROM projects
		WHERE principal_id = ?
		ORDER BY name ASC;
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.PrincipalID, &p.Name, &p.RepoPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return out, nil
}
