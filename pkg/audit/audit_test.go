package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	l.Record(Entry{Type: EntryAdmission, Provider: "src", Decision: "new"})

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "), "got %q", line)
	require.True(t, strings.HasSuffix(line, "\n"))

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &entry))
	assert.Equal(t, EntryAdmission, entry.Type)
	assert.Equal(t, "src", entry.Provider)
	assert.Equal(t, "new", entry.Decision)
	assert.NotEmpty(t, entry.ID, "missing id is filled in")
	assert.False(t, entry.Timestamp.IsZero(), "missing timestamp is filled in")
}

func TestRecordKeepsCallerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Record(Entry{ID: "e-1", Type: EntryReplay, Decision: "archived", Timestamp: at})

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &entry))
	assert.Equal(t, "e-1", entry.ID)
	assert.True(t, at.Equal(entry.Timestamp))
}

func TestAdmissionHelper(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	Admission(l, "tgt", "page.updated", "fp-1", "already_processed", map[string]any{"n": 2})

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &entry))
	assert.Equal(t, EntryAdmission, entry.Type)
	assert.Equal(t, "page.updated", entry.EventKind)
	assert.Equal(t, "fp-1", entry.Fingerprint)
	assert.Equal(t, "already_processed", entry.Decision)
}

func TestOutboundHelper(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	Outbound(l, "src", "update_issue", 200, "ok", nil)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &entry))
	assert.Equal(t, EntryOutbound, entry.Type)
	assert.Equal(t, "update_issue", entry.Operation)
	assert.Equal(t, 200, entry.Status)
}
