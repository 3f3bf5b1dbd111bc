package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gitmind-dev/gitmind/rtlog"
	"github.com/gitmind-dev/gitmind/task"
)

// snapshotEntry is the JSON-safe projection of a task.LedgerEntry: errors
// don't round-trip through encoding/json, so Err/Result.Error are reduced to
// their string form. This is crash-visibility, not a durability guarantee —
// nothing ever reads a snapshot back in to resume a ledger.
type snapshotEntry struct {
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	AgentID     string    `json:"agent_id,omitempty"`
	SubmitTime  time.Time `json:"submit_time"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// snapshot is the document written to SnapshotPath.
type snapshot struct {
	WrittenAt time.Time       `json:"written_at"`
	Entries   []snapshotEntry `json:"entries"`
}

// writeSnapshot overwrites cfg.SnapshotPath wholesale with the current
// ledger. Called from the janitor loop; a no-op if SnapshotPath is empty.
// Grounded on the teacher's temp-file-then-rename pattern (config's
// atomicWriteFile) so a crash mid-write never leaves a truncated file.
func (s *Scheduler) writeSnapshot() {
	if s.cfg.SnapshotPath == "" {
		return
	}

	s.mu.Lock()
	doc := snapshot{WrittenAt: time.Now(), Entries: make([]snapshotEntry, 0, len(s.ledger))}
	for _, e := range s.ledger {
		doc.Entries = append(doc.Entries, snapshotEntry{
			TaskID:      e.Task.ID,
			Kind:        string(e.Task.Kind),
			Priority:    e.Task.Priority.String(),
			Status:      e.Status.String(),
			AgentID:     e.AgentID,
			SubmitTime:  e.Task.SubmitTime,
			AssignedAt:  e.AssignedAt,
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			Err:         errString(e),
		})
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("scheduler: failed to marshal snapshot: %v", err)
		}
		return
	}

	if err := atomicWriteFile(s.cfg.SnapshotPath, data); err != nil && rtlog.ErrorLog != nil {
		rtlog.ErrorLog.Printf("scheduler: failed to write snapshot to %s: %v", s.cfg.SnapshotPath, err)
	}
}

func errString(e *task.LedgerEntry) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Result != nil && e.Result.Error != nil {
		return e.Result.Error.Error()
	}
	return ""
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it into place, so a crash mid-write never leaves dir readers
// with a truncated snapshot.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
