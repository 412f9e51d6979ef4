// Package audit writes the operator-facing audit trail: one JSON line per
// webhook admission decision and one per outbound API call.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType categorizes an audit record.
type EntryType string

const (
	EntryAdmission EntryType = "ADMISSION"
	EntryOutbound  EntryType = "OUTBOUND"
	EntryReplay    EntryType = "REPLAY"
)

// Entry is one structured audit record.
type Entry struct {
	ID          string         `json:"id"`
	Type        EntryType      `json:"type"`
	Provider    string         `json:"provider,omitempty"`
	EventKind   string         `json:"event_kind,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Decision    string         `json:"decision"`
	Status      int            `json:"status,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Logger records audit entries.
type Logger interface {
	Record(entry Entry)
}

// writerLogger writes JSON lines to a configurable writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer. Allows
// injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w, clock: time.Now}
}

func (l *writerLogger) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Prefix for easy filtering alongside application logs.
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
}

// Admission records a webhook admission decision.
func Admission(l Logger, provider, eventKind, fingerprint, decision string, detail map[string]any) {
	l.Record(Entry{
		Type:        EntryAdmission,
		Provider:    provider,
		EventKind:   eventKind,
		Fingerprint: fingerprint,
		Decision:    decision,
		Detail:      detail,
	})
}

// Outbound records one outbound API call result.
func Outbound(l Logger, provider, operation string, status int, decision string, detail map[string]any) {
	l.Record(Entry{
		Type:      EntryOutbound,
		Provider:  provider,
		Operation: operation,
		Status:    status,
		Decision:  decision,
		Detail:    detail,
	})
}
