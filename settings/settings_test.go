package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, workDir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".claude", "settings.json"), []byte(content), 0o644))
}

func TestLoad_AllowAndDenyLists(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{"permissions":{"allow":["Read","Bash(git status:*)"],"deny":["WebFetch"]}}`)

	s := Load(dir)
	require.NotNil(t, s)

	assert.True(t, s.IsAllowed("Read"))
	assert.True(t, s.IsAllowed("Bash"), "rule matchers are reduced to the tool name")
	assert.False(t, s.IsAllowed("Write"))
	assert.True(t, s.IsDenied("WebFetch"))
	assert.False(t, s.IsDenied("Read"))
}

func TestLoad_MissingFileIsFailOpen(t *testing.T) {
	assert.Nil(t, Load(t.TempDir()))
	assert.Nil(t, Load(""))
}

func TestLoad_MalformedFileIsFailOpen(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{"permissions": [not json`)

	assert.Nil(t, Load(dir))
}

func TestNilSnapshotQueries(t *testing.T) {
	var s *Snapshot
	assert.False(t, s.IsAllowed("anything"))
	assert.False(t, s.IsDenied("anything"))
}
