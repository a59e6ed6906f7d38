package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStorectl_MigrateThenVerify(t *testing.T) {
	dataDir := t.TempDir()
	legacyPath := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(legacyPath, []byte(`[
		{"id": "s1", "name": "Morning", "startTime": "2024-06-01T09:00:00Z", "tags": ["focus"]},
		{"id": "s2", "name": "Afternoon", "startTime": "2024-06-01T14:00:00Z"}
	]`), 0644))

	out, err := runCmd(t, "--data-dir", dataDir, "migrate", legacyPath)
	require.NoError(t, err)
	assert.Contains(t, out, "migrated 2 sessions, 0 failed")

	out, err = runCmd(t, "--data-dir", dataDir, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	out, err = runCmd(t, "--data-dir", dataDir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"documents": 2`)
}

func TestStorectl_Arguments(t *testing.T) {
	_, err := runCmd(t, "--data-dir", t.TempDir(), "compress")
	assert.Error(t, err)

	_, err = runCmd(t, "--data-dir", t.TempDir(), "migrate", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestReadLegacySessions_SingleObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "s1", "name": "Solo", "startTime": "2024-06-01T09:00:00Z"}`), 0644))

	sessions, err := readLegacySessions(path)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}
