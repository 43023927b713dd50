// Package settings loads the per-workspace tool permission snapshot
// consumed by the bridge's allow/deny check.
package settings

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// settingsFile mirrors the permissions section of .claude/settings.json.
type settingsFile struct {
	Permissions struct {
		Allow []string `json:"allow"`
		Deny  []string `json:"deny"`
	} `json:"permissions"`
}

// Snapshot is an immutable allow/deny view of the settings file taken at
// session creation time. Later edits to the file do not affect it.
type Snapshot struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// Load reads the tool permission lists from .claude/settings.json under
// workDir. Every failure mode (missing directory, unreadable file, bad
// JSON) is fail-open: it logs and returns nil, meaning no snapshot.
func Load(workDir string) *Snapshot {
	if workDir == "" {
		return nil
	}
	path := filepath.Join(workDir, ".claude", "settings.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("settings file unreadable", "path", path, "error", err)
		}
		return nil
	}

	var f settingsFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("settings file malformed", "path", path, "error", err)
		return nil
	}

	s := &Snapshot{
		allow: make(map[string]struct{}, len(f.Permissions.Allow)),
		deny:  make(map[string]struct{}, len(f.Permissions.Deny)),
	}
	for _, rule := range f.Permissions.Allow {
		s.allow[ruleTool(rule)] = struct{}{}
	}
	for _, rule := range f.Permissions.Deny {
		s.deny[ruleTool(rule)] = struct{}{}
	}
	return s
}

// IsAllowed reports whether the tool appears in the allow list.
func (s *Snapshot) IsAllowed(tool string) bool {
	if s == nil {
		return false
	}
	_, ok := s.allow[tool]
	return ok
}

// IsDenied reports whether the tool appears in the deny list.
func (s *Snapshot) IsDenied(tool string) bool {
	if s == nil {
		return false
	}
	_, ok := s.deny[tool]
	return ok
}

// ruleTool strips an argument matcher from a permission rule:
// "Bash(git push:*)" names the Bash tool. The bridge's check is at tool
// granularity; argument-level matching stays in the backend.
func ruleTool(rule string) string {
	if i := strings.IndexByte(rule, '('); i > 0 {
		return rule[:i]
	}
	return rule
}
