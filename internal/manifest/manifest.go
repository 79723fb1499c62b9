// Package manifest persists a per-(unit, phase) completion ledger so an
// interrupted batch run can resume without reprocessing finished work.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupt means the manifest file exists but cannot be parsed. This is
// fatal: resuming against an unreadable ledger risks double-applying
// mutations, so manual intervention is required.
var ErrCorrupt = errors.New("manifest corrupted")

type state struct {
	RunID     string          `json:"run_id"`
	Completed map[string]bool `json:"completed"` // key: unit + "\x1f" + phase
	Failed    []string        `json:"failed,omitempty"`
}

// Tracker is safe for concurrent use within one process. Cross-process
// exclusion is the lock coordinator's job; the consolidator holds the
// manifest for the duration of a run.
type Tracker struct {
	mu   sync.Mutex
	path string
	st   state
}

func Open(path string) (*Tracker, error) {
	t := &Tracker{
		path: path,
		st:   state{Completed: make(map[string]bool)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest '%s': %w", path, err)
	}
	if err := json.Unmarshal(data, &t.st); err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrCorrupt, path, err)
	}
	if t.st.Completed == nil {
		t.st.Completed = make(map[string]bool)
	}
	return t, nil
}

func key(unit, phase string) string {
	return unit + "\x1f" + phase
}

// Begin associates the tracker with a run. A new run id resets the ledger;
// reopening with the same id keeps completed units so the run resumes
// where it stopped.
func (t *Tracker) Begin(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.st.RunID == runID {
		return nil
	}
	t.st = state{RunID: runID, Completed: make(map[string]bool)}
	return t.persist()
}

func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.RunID
}

// IsComplete reports whether the unit already finished the phase in the
// current run. Re-running a completed unit is a no-op for the caller.
func (t *Tracker) IsComplete(unit, phase string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.Completed[key(unit, phase)]
}

// MarkComplete records completion and persists immediately, so a crash
// right after a committed apply never forgets the work that was done.
func (t *Tracker) MarkComplete(unit, phase string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.st.Completed[key(unit, phase)] = true
	return t.persist()
}

// MarkFailed records a unit that exhausted its attempts. Failed units are
// also marked complete: the run moves on, the failure list is for the
// operator.
func (t *Tracker) MarkFailed(unit, phase string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(unit, phase)
	t.st.Completed[k] = true
	t.st.Failed = append(t.st.Failed, k)
	return t.persist()
}

func (t *Tracker) PendingOf(units []string, phase string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []string
	for _, u := range units {
		if !t.st.Completed[key(u, phase)] {
			pending = append(pending, u)
		}
	}
	return pending
}

// persist writes atomically via rename so a crash mid-write can never
// produce a half-written (and therefore corrupt) manifest.
func (t *Tracker) persist() error {
	data, err := json.MarshalIndent(&t.st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, t.path)
}
