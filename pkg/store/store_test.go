package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

func mockStore(t *testing.T, flavor Flavor) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, flavor), mock
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBeginEventNew(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WithArgs("fp-1", "2025-06-01T12:00:00Z", "in_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionNew, admission)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEventAlreadyProcessed(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:00:00Z", "skipped", 1))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionAlreadyProcessed, admission)
}

func TestBeginEventDuplicateInFlight(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:59:59Z", "in_progress", 0))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionDuplicateInFlight, admission)
}

func TestBeginEventRetryReclaimsFailedRow(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:00:00Z", "failed", 2))
	mock.ExpectExec("UPDATE processed_event").
		WithArgs("in_progress", "fp-1", "failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionRetry, admission)
}

func TestBeginEventRetryLosesReclaimRace(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:00:00Z", "failed", 2))
	mock.ExpectExec("UPDATE processed_event").
		WillReturnResult(sqlmock.NewResult(0, 0))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionDuplicateInFlight, admission)
}

func TestBeginEventReclaimsStaleClaim(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:00:00Z", "in_progress", 1))
	mock.ExpectExec("UPDATE processed_event").
		WithArgs("2025-06-01T12:00:00Z", "fp-1", "in_progress", "2025-06-01T11:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionRetry, admission, "an hour-old claim means its owner died mid-flight")
}

func TestBeginEventStaleClaimReclaimRace(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("UNIQUE constraint failed: processed_event.fingerprint"))
	mock.ExpectQuery("SELECT fingerprint, first_seen_at").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-1", "2025-06-01T11:00:00Z", "in_progress", 1))
	mock.ExpectExec("UPDATE processed_event").
		WillReturnResult(sqlmock.NewResult(0, 0))

	admission, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.NoError(t, err)
	assert.Equal(t, AdmissionDuplicateInFlight, admission)
}

func TestBeginEventSurfacesOtherErrors(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO processed_event").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.BeginEvent(context.Background(), "fp-1", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestFindMappingBySourceAbsent(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectQuery("FROM mapping WHERE src_repo").
		WithArgs("o/r", 42).WillReturnError(sql.ErrNoRows)

	m, err := s.FindMappingBySource(context.Background(), "o/r", 42)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFindMappingByPage(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectQuery("FROM mapping WHERE page_id").
		WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"src_repo", "src_number", "page_id", "last_src_hash", "last_tgt_hash",
			"last_sync_direction", "last_sync_at", "version", "orphaned",
		}).AddRow("o/r", 42, "page-1", "h1", "h2", "src_to_tgt", "2025-06-01T11:00:00Z", 3, false))

	m, err := s.FindMappingByPage(context.Background(), "page-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "o/r", m.SrcRepo)
	assert.Equal(t, 42, m.SrcNumber)
	assert.Equal(t, contracts.DirectionSrcToTgt, m.LastDirection)
	assert.Equal(t, int64(3), m.Version)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), m.LastSyncAt)
}

func TestUpsertMapping(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectExec("INSERT INTO mapping").
		WithArgs("o/r", 42, "page-1", "h1", "h2", "tgt_to_src", "2025-06-01T12:00:00Z", 4, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.UpsertMapping(context.Background(), contracts.Mapping{
		SrcRepo: "o/r", SrcNumber: 42, PageID: "page-1",
		LastSrcHash: "h1", LastTgtHash: "h2",
		LastDirection: contracts.DirectionTgtToSrc, LastSyncAt: now, Version: 4,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueDeadLetters(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectQuery("FROM deadletter").
		WithArgs("2025-06-01T12:00:00Z", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "fingerprint", "provider", "event_kind", "raw_payload",
			"failure_reason", "attempts", "next_attempt_at", "created_at", "archived",
		}).AddRow("dl-1", "fp-1", "src", "issues", []byte(`{}`),
			"HTTP 503", 2, "2025-06-01T11:59:00Z", "2025-06-01T11:00:00Z", false))

	due, err := s.ListDueDeadLetters(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "dl-1", due[0].ID)
	assert.Equal(t, contracts.ProviderSource, due[0].Provider)
	assert.Equal(t, 2, due[0].Attempts)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := mockStore(t, FlavorSQLite)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx *Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: mapping.src_repo")))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, IsUniqueViolation(errors.New("no such table")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestOpenSelectsFlavor(t *testing.T) {
	// Open would connect; only the URL classification is checked here.
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, FlavorSQLite, s.Flavor())
}

func TestTimeRoundTrip(t *testing.T) {
	assert.Equal(t, "2025-06-01T12:00:00Z", formatTime(now))
	assert.Equal(t, now, parseTime("2025-06-01T12:00:00Z"))
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("garbage").IsZero())
}
