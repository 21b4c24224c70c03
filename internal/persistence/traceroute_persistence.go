// Package persistence implements atomic on-disk storage of traceroute
// retry/backoff state (spec.md §4.3 TraceroutePersistence).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// State is the document persisted to the traceroute state file.
type State struct {
	LastSentAt          map[string]int64 `json:"lastSentAt"`
	ConsecutiveFailures map[string]int   `json:"consecutiveFailures"`
	BackoffUntil        map[string]int64 `json:"backoffUntil"`
	SavedAt             int64            `json:"savedAt"`
}

// NewState returns an empty, non-nil State.
func NewState() *State {
	return &State{
		LastSentAt:          map[string]int64{},
		ConsecutiveFailures: map[string]int{},
		BackoffUntil:        map[string]int64{},
	}
}

// Load reads path, tolerating a missing or corrupt file by returning an
// empty State. Entries whose BackoffUntil has already elapsed are purged
// along with their ConsecutiveFailures counter: an expired backoff means the
// node has served its sentence and starts fresh.
func Load(path string) *State {
	state := NewState()

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read traceroute state file, starting fresh", "path", path, "err", err)
		}
		return state
	}

	if err := json.Unmarshal(b, state); err != nil {
		log.Warn("traceroute state file is corrupt, starting fresh", "path", path, "err", err)
		return NewState()
	}
	if state.LastSentAt == nil {
		state.LastSentAt = map[string]int64{}
	}
	if state.ConsecutiveFailures == nil {
		state.ConsecutiveFailures = map[string]int{}
	}
	if state.BackoffUntil == nil {
		state.BackoffUntil = map[string]int64{}
	}

	now := time.Now().Unix()
	var expired []string
	for nodeID, until := range state.BackoffUntil {
		if until <= now {
			expired = append(expired, nodeID)
		}
	}
	for _, nodeID := range expired {
		delete(state.BackoffUntil, nodeID)
		delete(state.ConsecutiveFailures, nodeID)
	}
	if len(expired) > 0 {
		log.Info("purged expired traceroute backoffs on load", "count", len(expired))
	}

	return state
}

// Save atomically writes state to path via write-temp-then-rename.
func Save(path string, state *State) error {
	state.SavedAt = time.Now().Unix()

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling traceroute state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}
