package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

// Admission is the idempotency guard's verdict for a fingerprint.
type Admission string

const (
	// AdmissionNew means the fingerprint was inserted and the event must
	// be executed.
	AdmissionNew Admission = "new"
	// AdmissionRetry means a previous execution failed; the event runs
	// again with an incremented attempt counter.
	AdmissionRetry Admission = "retry"
	// AdmissionDuplicateInFlight means another worker owns this
	// fingerprint right now.
	AdmissionDuplicateInFlight Admission = "duplicate_in_flight"
	// AdmissionAlreadyProcessed means the fingerprint reached a terminal
	// ok/skipped outcome earlier.
	AdmissionAlreadyProcessed Admission = "already_processed"
)

// staleClaimAge is how long an in_progress claim stands before a redelivery
// may assume its owner died and reclaim the fingerprint. Must exceed the
// longest possible orchestration, outbound retries included.
const staleClaimAge = 15 * time.Minute

// BeginEvent is the single serialization point for duplicate detection. It
// inserts the fingerprint as in_progress, or, when the uniqueness constraint
// fires, classifies the existing row. Concurrent equal fingerprints are
// tie-broken by the constraint: the loser observes duplicate_in_flight.
// An in_progress claim older than staleClaimAge is treated as abandoned
// (owner crashed before writing an outcome) and reclaimed as a retry;
// first_seen_at doubles as the claim timestamp and guards the reclaim
// against a second redelivery racing for the same row.
func (q queries) BeginEvent(ctx context.Context, fingerprint string, now time.Time) (Admission, error) {
	insert := `
		INSERT INTO processed_event (fingerprint, first_seen_at, outcome, attempts)
		VALUES ($1, $2, $3, 0)
	`
	_, err := q.q.ExecContext(ctx, insert, fingerprint, formatTime(now), string(contracts.OutcomeInProgress))
	if err == nil {
		return AdmissionNew, nil
	}
	if !IsUniqueViolation(err) {
		return "", fmt.Errorf("store: begin event %s: %w", fingerprint, err)
	}

	existing, err := q.GetProcessedEvent(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if existing == nil {
		// Row vanished between insert and read; treat as in flight and let
		// the provider redeliver.
		return AdmissionDuplicateInFlight, nil
	}

	switch existing.Outcome {
	case contracts.OutcomeInProgress:
		if now.Sub(existing.FirstSeenAt) < staleClaimAge {
			return AdmissionDuplicateInFlight, nil
		}
		reclaim := `
			UPDATE processed_event
			SET first_seen_at = $1, attempts = attempts + 1
			WHERE fingerprint = $2 AND outcome = $3 AND first_seen_at = $4
		`
		res, err := q.q.ExecContext(ctx, reclaim,
			formatTime(now), fingerprint,
			string(contracts.OutcomeInProgress), formatTime(existing.FirstSeenAt))
		if err != nil {
			return "", fmt.Errorf("store: reclaim stale event %s: %w", fingerprint, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another redelivery reclaimed it first.
			return AdmissionDuplicateInFlight, nil
		}
		return AdmissionRetry, nil
	case contracts.OutcomeOK, contracts.OutcomeSkipped:
		return AdmissionAlreadyProcessed, nil
	case contracts.OutcomeFailed:
		update := `
			UPDATE processed_event
			SET outcome = $1, attempts = attempts + 1
			WHERE fingerprint = $2 AND outcome = $3
		`
		res, err := q.q.ExecContext(ctx, update,
			string(contracts.OutcomeInProgress), fingerprint, string(contracts.OutcomeFailed))
		if err != nil {
			return "", fmt.Errorf("store: reclaim failed event %s: %w", fingerprint, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Someone else reclaimed it first.
			return AdmissionDuplicateInFlight, nil
		}
		return AdmissionRetry, nil
	}
	return "", fmt.Errorf("store: event %s has unknown outcome %q", fingerprint, existing.Outcome)
}

// FinishEvent records the terminal outcome of an execution. It runs in the
// same transaction as the business effect so both commit or neither does.
func (q queries) FinishEvent(ctx context.Context, fingerprint string, outcome contracts.Outcome) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE processed_event SET outcome = $1 WHERE fingerprint = $2`,
		string(outcome), fingerprint)
	if err != nil {
		return fmt.Errorf("store: finish event %s: %w", fingerprint, err)
	}
	return nil
}

// GetProcessedEvent reads one ledger row, nil when absent.
func (q queries) GetProcessedEvent(ctx context.Context, fingerprint string) (*contracts.ProcessedEvent, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT fingerprint, first_seen_at, outcome, attempts FROM processed_event WHERE fingerprint = $1`,
		fingerprint)

	var (
		ev      contracts.ProcessedEvent
		seenAt  string
		outcome string
	)
	if err := row.Scan(&ev.Fingerprint, &seenAt, &outcome, &ev.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get processed event %s: %w", fingerprint, err)
	}
	ev.FirstSeenAt = parseTime(seenAt)
	ev.Outcome = contracts.Outcome(outcome)
	return &ev, nil
}

// PruneProcessedEvents deletes ledger rows first seen before the cutoff and
// returns how many were removed.
func (q queries) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM processed_event WHERE first_seen_at < $1`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune processed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
