package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

const deadletterColumns = `id, fingerprint, provider, event_kind, raw_payload,
	failure_reason, attempts, next_attempt_at, created_at, archived`

// InsertDeadLetter quarantines an event that exhausted its retries.
func (q queries) InsertDeadLetter(ctx context.Context, dl contracts.DeadLetter) error {
	query := `
		INSERT INTO deadletter (` + deadletterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.q.ExecContext(ctx, query,
		dl.ID, dl.Fingerprint, string(dl.Provider), dl.EventKind, dl.RawPayload,
		dl.FailureReason, dl.Attempts, formatTime(dl.NextAttemptAt), formatTime(dl.CreatedAt), dl.Archived,
	)
	if err != nil {
		return fmt.Errorf("store: insert deadletter %s: %w", dl.ID, err)
	}
	return nil
}

// ListDueDeadLetters returns unarchived entries whose next attempt is due,
// oldest first, capped at limit.
func (q queries) ListDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]contracts.DeadLetter, error) {
	query := `
		SELECT ` + deadletterColumns + `
		FROM deadletter
		WHERE archived = FALSE AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := q.q.QueryContext(ctx, query, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due deadletters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DeadLetter
	for rows.Next() {
		var (
			dl       contracts.DeadLetter
			provider string
			nextAt   string
			created  string
		)
		if err := rows.Scan(&dl.ID, &dl.Fingerprint, &provider, &dl.EventKind, &dl.RawPayload,
			&dl.FailureReason, &dl.Attempts, &nextAt, &created, &dl.Archived); err != nil {
			return nil, fmt.Errorf("store: scan deadletter: %w", err)
		}
		dl.Provider = contracts.Provider(provider)
		dl.NextAttemptAt = parseTime(nextAt)
		dl.CreatedAt = parseTime(created)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDeadLetter removes an entry after a successful replay.
func (q queries) DeleteDeadLetter(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM deadletter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete deadletter %s: %w", id, err)
	}
	return nil
}

// BackoffDeadLetter records a failed replay attempt and its next due time.
func (q queries) BackoffDeadLetter(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE deadletter SET attempts = $1, next_attempt_at = $2 WHERE id = $3`,
		attempts, formatTime(nextAttemptAt), id)
	if err != nil {
		return fmt.Errorf("store: backoff deadletter %s: %w", id, err)
	}
	return nil
}

// ArchiveDeadLetter parks an entry that exceeded the attempt ceiling. It is
// never retried automatically again; only admin purge removes it.
func (q queries) ArchiveDeadLetter(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `UPDATE deadletter SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: archive deadletter %s: %w", id, err)
	}
	return nil
}

// CountDeadLetters returns the unarchived queue depth.
func (q queries) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deadletter WHERE archived = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count deadletters: %w", err)
	}
	return n, nil
}

// CountDeadLettersByProvider returns the unarchived queue depth per provider.
func (q queries) CountDeadLettersByProvider(ctx context.Context) (map[contracts.Provider]int64, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM deadletter WHERE archived = FALSE GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("store: count deadletters by provider: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[contracts.Provider]int64)
	for rows.Next() {
		var (
			provider string
			n        int64
		)
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, err
		}
		out[contracts.Provider(provider)] = n
	}
	return out, rows.Err()
}
