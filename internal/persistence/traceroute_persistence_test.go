package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	state := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Empty(t, state.LastSentAt)
	require.Empty(t, state.ConsecutiveFailures)
	require.Empty(t, state.BackoffUntil)
}

func TestLoad_CorruptFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	state := Load(path)
	require.Empty(t, state.LastSentAt)
}

func TestLoad_PurgesExpiredBackoffsAndFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	raw := map[string]any{
		"lastSentAt":          map[string]int64{"!n": 900},
		"consecutiveFailures": map[string]int{"!n": 5},
		"backoffUntil":        map[string]int64{"!n": 1000},
		"savedAt":             1000,
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	state := Load(path)
	require.NotContains(t, state.BackoffUntil, "!n")
	require.NotContains(t, state.ConsecutiveFailures, "!n")
	// lastSentAt is independent history, not purged by backoff expiry
	require.Contains(t, state.LastSentAt, "!n")
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	future := time.Now().Add(time.Hour).Unix()
	state := NewState()
	state.LastSentAt["!a"] = 123
	state.ConsecutiveFailures["!a"] = 2
	state.BackoffUntil["!a"] = future

	require.NoError(t, Save(path, state))
	reloaded := Load(path)

	require.Equal(t, state.LastSentAt, reloaded.LastSentAt)
	require.Equal(t, state.ConsecutiveFailures, reloaded.ConsecutiveFailures)
	require.Equal(t, state.BackoffUntil, reloaded.BackoffUntil)
}

func TestSave_IsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state := NewState()
	state.LastSentAt["!a"] = 1
	require.NoError(t, Save(path, state))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}
}
