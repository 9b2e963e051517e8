// Package knowledge stores durable task outputs as markdown notes in a
// sandboxed directory tree. All paths are confined to a root directory via
// traversal protection.
package knowledge

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
	maxSearchDepth = 4
	maxSearchHits  = 100
)

// NoteInfo describes a single directory entry.
type NoteInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit describes a single search match.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace is a sandboxed note tree rooted at rootDir.
type Workspace struct {
	rootDir string
}

// NewWorkspace creates a Workspace rooted at rootDir. The directory is created
// if it does not already exist.
func NewWorkspace(rootDir string) (*Workspace, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("knowledge: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create root dir: %w", err)
	}
	// Resolve symlinks in root to prevent bypass.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("knowledge: eval symlinks on root: %w", err)
	}
	return &Workspace{rootDir: resolved}, nil
}

// resolve validates that path stays within the workspace root. It returns the
// absolute path or an error if traversal is detected.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("knowledge: empty path")
	}

	cleaned := filepath.Clean(path)
	var full string
	if filepath.IsAbs(cleaned) {
		full = cleaned
	} else {
		full = filepath.Join(w.rootDir, cleaned)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("knowledge: resolve path: %w", err)
	}

	// Resolve symlinks to prevent traversal via symlink.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// For non-existent paths (new files/dirs), walk up to find the
		// deepest existing ancestor and resolve symlinks from there.
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("knowledge: resolve symlinks: %w", err)
		}
	}

	if resolved != w.rootDir && !strings.HasPrefix(resolved, w.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("knowledge: path traversal blocked: %s", path)
	}

	return resolved, nil
}

// evalSymlinksPartial walks up from path until it finds an existing ancestor,
// resolves symlinks on that ancestor, then re-appends the remaining segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read reads the contents of a note. Maximum size is 1 MB.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("knowledge: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("knowledge: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("knowledge: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("knowledge: read: %w", err)
	}
	return string(data), nil
}

// Write writes content to a note atomically (temp file + rename). Parent
// directories are created as needed.
func (w *Workspace) Write(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("knowledge: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".note-*.tmp")
	if err != nil {
		return fmt.Errorf("knowledge: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("knowledge: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("knowledge: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("knowledge: rename: %w", err)
	}
	return nil
}

// List returns directory entries (max 500).
func (w *Workspace) List(dir string) ([]NoteInfo, error) {
	resolved, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read dir: %w", err)
	}

	var result []NoteInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, NoteInfo{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  size,
		})
	}
	return result, nil
}

// Search performs a case-insensitive substring search across all text files in
// the workspace. It walks up to maxSearchDepth levels deep, skips binary files,
// and returns at most maxSearchHits results.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("knowledge: empty search query")
	}

	lowerQuery := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(w.rootDir, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}

		f, fErr := os.Open(path)
		if fErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !utf8.ValidString(line) {
				return nil // skip binary files entirely
			}
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				hits = append(hits, SearchHit{
					Path:    rel,
					Line:    lineNum,
					Content: truncate(line, 200),
				})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search walk: %w", err)
	}
	return hits, nil
}

// truncate shortens s to at most maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
