package staging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slotgrid/internal/logging"
)

// AuditEvent is one line in the staging audit trail.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	StagingID  string                 `json:"staging_id"`
	Phase      Phase                  `json:"phase"`
	SourceHash string                 `json:"source_hash,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// AuditTrail appends pipeline events to a JSONL file. Writes are best
// effort: a broken trail degrades to a warning, never a pipeline failure.
type AuditTrail struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger logging.Logger
}

// OpenAuditTrail opens (appending) the JSONL trail at path, creating parent
// directories as needed.
func OpenAuditTrail(path string, logger logging.Logger) (*AuditTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditTrail{path: path, f: f, logger: logging.OrNop(logger)}, nil
}

// Append writes one event line.
func (a *AuditTrail) Append(ev AuditEvent) {
	if a == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("audit marshal failed for %s: %v", ev.StagingID, err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit write failed: %v", err)
	}
}

// Tail reads up to limit most recent events from the trail, oldest first.
func (a *AuditTrail) Tail(limit int) ([]AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, err
	}
	var events []AuditEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev AuditEvent
		if err := dec.Decode(&ev); err != nil {
			// Tolerate a torn trailing line from a crashed writer.
			a.logger.Warn("skipping malformed audit line: %v", err)
			break
		}
		events = append(events, ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
