package scheduler

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/config"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/docstore"
	"github.com/Mindburn-Labs/syncbridge/pkg/mapper"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
	syncpkg "github.com/Mindburn-Labs/syncbridge/pkg/sync"
)

type stubIssues struct{}

func (stubIssues) GetIssue(context.Context, string, int) (*contracts.IssueRecord, error) {
	return &contracts.IssueRecord{}, nil
}
func (stubIssues) UpdateIssue(context.Context, string, int, contracts.IssuePatch) error { return nil }
func (stubIssues) CreateComment(context.Context, string, int, string) (string, error) {
	return "c-1", nil
}

type stubPages struct{}

func (stubPages) CreatePage(context.Context, string, map[string]contracts.PropertyValue) (string, error) {
	return "page-1", nil
}
func (stubPages) UpdatePage(context.Context, string, map[string]contracts.PropertyValue) error {
	return nil
}
func (stubPages) AppendBlockChildren(context.Context, string, []docstore.Block) ([]string, error) {
	return []string{"b-1"}, nil
}

func testScheduler(t *testing.T, cfg Config) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := config.ParseRegistry([]byte(`
src_to_tgt:
  title: Name
tgt_to_src:
  Name: title
property_types:
  Name: title
`))
	require.NoError(t, err)

	met, err := metrics.New()
	require.NoError(t, err)

	st := store.NewWithDB(db, store.FlavorSQLite)
	discard := audit.NewLoggerWithWriter(io.Discard)
	orch := syncpkg.New(st, mapper.New(reg), stubIssues{}, stubPages{}, "db-1", met, discard)

	s := New(cfg, st, orch, met, discard)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func deadLetterRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "fingerprint", "provider", "event_kind", "raw_payload",
		"failure_reason", "attempts", "next_attempt_at", "created_at", "archived",
	})
}

func expectGaugeRefresh(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("GROUP BY provider").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "count"}))
}

func TestSweepReplaysDueEntry(t *testing.T) {
	s, mock := testScheduler(t, Config{BatchSize: 10, MaxAttempts: 24})

	payload := `{
		"action": "opened",
		"issue": {"number": 42, "title": "Bug", "state": "open", "user": {"login": "alice"}},
		"repository": {"full_name": "o/r"}
	}`
	mock.ExpectQuery("FROM deadletter").
		WillReturnRows(deadLetterRows().
			AddRow("dl-1", "fp-1", "src", "issues", []byte(payload),
				"HTTP 503", 1, "2025-06-01T11:00:00Z", "2025-06-01T10:00:00Z", false))

	// Replay runs the full pipeline, then removes the dead letter.
	mock.ExpectExec("INSERT INTO processed_event").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM mapping WHERE src_repo").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mapping").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE processed_event SET outcome").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("DELETE FROM deadletter").
		WithArgs("dl-1").WillReturnResult(sqlmock.NewResult(0, 1))

	expectGaugeRefresh(mock)

	result, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 1}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepBacksOffFailedReplay(t *testing.T) {
	s, mock := testScheduler(t, Config{BatchSize: 10, MaxAttempts: 24})

	mock.ExpectQuery("FROM deadletter").
		WillReturnRows(deadLetterRows().
			AddRow("dl-1", "fp-1", "src", "issues", []byte(`not json`),
				"bad payload", 1, "2025-06-01T11:00:00Z", "2025-06-01T10:00:00Z", false))

	mock.ExpectExec("INSERT INTO processed_event").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE processed_event SET outcome").
		WithArgs("failed", "fp-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deadletter SET attempts").
		WithArgs(2, sqlmock.AnyArg(), "dl-1").WillReturnResult(sqlmock.NewResult(0, 1))

	expectGaugeRefresh(mock)

	result, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 0}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepArchivesAtAttemptCeiling(t *testing.T) {
	s, mock := testScheduler(t, Config{BatchSize: 10, MaxAttempts: 24})

	mock.ExpectQuery("FROM deadletter").
		WillReturnRows(deadLetterRows().
			AddRow("dl-1", "fp-1", "src", "issues", []byte(`not json`),
				"bad payload", 23, "2025-06-01T11:00:00Z", "2025-06-01T10:00:00Z", false))

	mock.ExpectExec("INSERT INTO processed_event").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE processed_event SET outcome").
		WithArgs("failed", "fp-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deadletter SET archived").
		WithArgs("dl-1").WillReturnResult(sqlmock.NewResult(0, 1))

	expectGaugeRefresh(mock)

	result, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Succeeded: 0}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepEmptyQueue(t *testing.T) {
	s, mock := testScheduler(t, Config{BatchSize: 10, MaxAttempts: 24})

	mock.ExpectQuery("FROM deadletter").WillReturnRows(deadLetterRows())
	expectGaugeRefresh(mock)

	result, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestReplayDelay(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, replayDelay(1))
	assert.Equal(t, time.Second, replayDelay(2))
	assert.Equal(t, 8*time.Second, replayDelay(5))
	assert.Equal(t, time.Hour, replayDelay(30), "delay is capped")
}
