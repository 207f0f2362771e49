// Package audit implements the append-only audit log. Every state transition
// in the pipeline lands here; the in-memory list is mirrored to disk on every
// append and truncated only by an explicit admin purge.
package audit

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pathwarden/pathwarden/internal/storage"
)

// FileName is the audit log's file inside the data directory.
const FileName = "audit_logs.json"

// Entry is a single audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Verb      string    `json:"verb"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Verb   string
	Actor  string
	Target string
	Since  time.Time
	Limit  int
}

// Log is the append-only audit log.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	dir     *storage.Dir
	logger  *slog.Logger
}

// New creates an audit log persisting into dir. A corrupt or missing file
// starts the log empty; corruption is reported via the returned flag so the
// caller can record a persistence_load_failed entry.
func New(dir *storage.Dir, logger *slog.Logger) (*Log, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		dir:    dir,
		logger: logger.With("component", "audit.Log"),
	}

	loadFailed := false
	var entries []Entry
	switch err := dir.LoadJSON(FileName, &entries); {
	case err == nil:
		l.entries = entries
	case errors.Is(err, storage.ErrNotExist):
		// first run
	default:
		loadFailed = true
		l.logger.Warn("audit log unreadable, starting empty", "error", err)
	}
	return l, loadFailed
}

// Append records an entry and mirrors the log to disk. Returns the entry ID.
// Persistence failures are logged but do not fail the append; the entry is
// retained in memory.
func (l *Log) Append(verb, actor, target, status, detail string) string {
	e := Entry{
		ID:        strings.ToLower(ulid.Make().String()),
		Timestamp: time.Now().UTC(),
		Verb:      verb,
		Actor:     actor,
		Target:    target,
		Status:    status,
		Detail:    detail,
	}

	// The mirror is written under the lock so concurrent appends can never
	// replace a newer snapshot with an older one.
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.persistLocked()
	l.mu.Unlock()

	l.logger.Info("audit",
		"verb", verb,
		"actor", actor,
		"target", target,
		"status", status,
	)
	return e.ID
}

// List returns entries matching the filter in chronological order.
func (l *Log) List(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Verb != "" && e.Verb != f.Verb {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.Target != "" && e.Target != f.Target {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		result = append(result, e)
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Purge truncates the log in memory and on disk. Admin-only operation; the
// caller is expected to record who did it (the purge itself is the first
// entry of the fresh log).
func (l *Log) Purge(actor string) error {
	l.mu.Lock()
	l.entries = nil
	err := l.dir.WriteJSON(FileName, []Entry{})
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.Append("audit_purged", actor, "", "success", "")
	return nil
}

// persistLocked mirrors the log to disk. Caller holds l.mu.
func (l *Log) persistLocked() {
	if err := l.dir.WriteJSON(FileName, l.entries); err != nil {
		l.logger.Error("failed to persist audit log", "error", err)
	}
}
