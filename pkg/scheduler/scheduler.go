// Package scheduler runs the periodic maintenance of the bridge: dead-letter
// replay sweeps, idempotency-ledger pruning and queue-depth gauge refresh.
// The same sweep serves the admin replay endpoint.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
	syncpkg "github.com/Mindburn-Labs/syncbridge/pkg/sync"
)

// replayBackoffBase seeds the doubling backoff between replay attempts.
const replayBackoffBase = 250 * time.Millisecond

// replayBackoffCap bounds the wait between replay attempts.
const replayBackoffCap = time.Hour

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	EventRetention time.Duration
}

// SweepResult summarizes one replay sweep.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

// Scheduler owns the periodic tasks. Run blocks until the context is
// canceled; a sweep in progress finishes before Run returns.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	orch    *syncpkg.Orchestrator
	metrics *metrics.Metrics
	audit   audit.Logger
	logger  *slog.Logger
	now     func() time.Time
}

// New wires a Scheduler.
func New(cfg Config, st *store.Store, orch *syncpkg.Orchestrator, met *metrics.Metrics, auditLogger audit.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		orch:    orch,
		metrics: met,
		audit:   auditLogger,
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
	}
}

// Run executes the periodic loop: every interval one replay sweep, one
// ledger prune and one gauge refresh.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize, "max_attempts", s.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("replay sweep failed", "error", err)
			}
			s.prune(ctx)
			s.refreshGauges(ctx)
		}
	}
}

// Sweep replays every due dead letter, oldest first, up to the batch size.
// Entries that fail again back off with doubling delay; entries at the
// attempt ceiling are archived and never retried automatically.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	due, err := s.store.ListDueDeadLetters(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return result, err
	}

	for _, dl := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Attempted++

		_, err := s.orch.Replay(ctx, dl)
		if err == nil {
			result.Succeeded++
			s.recordReplay(dl, "replay_ok", nil)
			continue
		}

		attempts := dl.Attempts + 1
		if attempts >= s.cfg.MaxAttempts {
			if archiveErr := s.store.ArchiveDeadLetter(ctx, dl.ID); archiveErr != nil {
				s.logger.Error("archive failed", "id", dl.ID, "error", archiveErr)
				continue
			}
			s.recordReplay(dl, "archived", map[string]any{"attempts": attempts})
			s.logger.Warn("dead letter archived", "id", dl.ID, "fingerprint", dl.Fingerprint, "attempts", attempts)
			continue
		}

		next := s.now().UTC().Add(replayDelay(attempts))
		if backoffErr := s.store.BackoffDeadLetter(ctx, dl.ID, attempts, next); backoffErr != nil {
			s.logger.Error("backoff update failed", "id", dl.ID, "error", backoffErr)
			continue
		}
		s.recordReplay(dl, "replay_failed", map[string]any{
			"attempts": attempts, "next_attempt_at": next, "error": err.Error(),
		})
	}

	s.refreshGauges(ctx)
	return result, nil
}

func (s *Scheduler) prune(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.EventRetention)
	n, err := s.store.PruneProcessedEvents(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("ledger prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("ledger pruned", "removed", n, "cutoff", cutoff)
	}
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	total, err := s.store.CountDeadLetters(ctx)
	if err == nil {
		s.metrics.SetDeadletterQueueSize(ctx, total)
	}
	byProvider, err := s.store.CountDeadLettersByProvider(ctx)
	if err != nil {
		return
	}
	for _, provider := range []contracts.Provider{contracts.ProviderSource, contracts.ProviderTarget} {
		s.metrics.SetDeadletterQueueSizeFor(ctx, string(provider), byProvider[provider])
	}
}

func (s *Scheduler) recordReplay(dl contracts.DeadLetter, decision string, detail map[string]any) {
	s.audit.Record(audit.Entry{
		Type:        audit.EntryReplay,
		Provider:    string(dl.Provider),
		EventKind:   dl.EventKind,
		Fingerprint: dl.Fingerprint,
		Decision:    decision,
		Detail:      detail,
	})
}

// replayDelay doubles per attempt from the base, capped at one hour.
func replayDelay(attempts int) time.Duration {
	delay := replayBackoffBase
	for i := 0; i < attempts && delay < replayBackoffCap; i++ {
		delay *= 2
	}
	if delay > replayBackoffCap {
		delay = replayBackoffCap
	}
	return delay
}
