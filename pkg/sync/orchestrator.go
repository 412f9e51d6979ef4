// Package sync is the orchestrator: after the idempotency guard admits an
// event it routes by provider, suppresses self-echoes through the
// content-addressed mapping, translates through the field mapper and applies
// the change on the opposite side. Failures that exhaust the outbound retry
// budget land in the dead-letter queue; nothing is thrown away.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/docstore"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/issuetracker"
	"github.com/Mindburn-Labs/syncbridge/pkg/mapper"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
)

// orchestrationTimeout bounds one event end to end, outbound retries
// included.
const orchestrationTimeout = 10 * time.Second

// dlqInitialDelay is how soon a freshly quarantined event becomes due.
const dlqInitialDelay = 250 * time.Millisecond

// IssueAPI is the slice of the source client the orchestrator needs.
type IssueAPI interface {
	GetIssue(ctx context.Context, repo string, number int) (*contracts.IssueRecord, error)
	UpdateIssue(ctx context.Context, repo string, number int, patch contracts.IssuePatch) error
	CreateComment(ctx context.Context, repo string, number int, text string) (string, error)
}

// PageAPI is the slice of the target client the orchestrator needs.
type PageAPI interface {
	CreatePage(ctx context.Context, databaseID string, props map[string]contracts.PropertyValue) (string, error)
	UpdatePage(ctx context.Context, pageID string, props map[string]contracts.PropertyValue) error
	AppendBlockChildren(ctx context.Context, blockID string, blocks []docstore.Block) ([]string, error)
}

// Result is the terminal verdict of one orchestrated event.
type Result struct {
	Direction    contracts.Direction
	Outcome      contracts.Outcome
	Reason       string
	DeadLettered bool
}

// Orchestrator runs the two sync flows.
type Orchestrator struct {
	store      *store.Store
	mapper     *mapper.Mapper
	issues     IssueAPI
	pages      PageAPI
	databaseID string
	metrics    *metrics.Metrics
	audit      audit.Logger
	logger     *slog.Logger
	now        func() time.Time
}

// New wires an Orchestrator. databaseID is the target database new pages are
// created in.
func New(st *store.Store, m *mapper.Mapper, issues IssueAPI, pages PageAPI, databaseID string,
	met *metrics.Metrics, auditLogger audit.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		mapper:     m,
		issues:     issues,
		pages:      pages,
		databaseID: databaseID,
		metrics:    met,
		audit:      auditLogger,
		logger:     slog.Default().With("component", "sync"),
		now:        time.Now,
	}
}

// Process runs one admitted event through the pipeline: idempotency guard,
// routing, translation, outbound write, mapping update. Retry-exhausted
// failures are quarantined to the DLQ and reported as a dead-lettered
// Result, not an error; the caller answers 202 once the DLQ row commits.
func (o *Orchestrator) Process(ctx context.Context, ev *contracts.InboundEvent) (Result, error) {
	return o.process(ctx, ev, true)
}

// Replay re-enters a dead letter at the idempotency guard, bypassing
// signature verification. On success the DLQ row is deleted in the same
// transaction scope as the ledger update; on failure the caller owns the
// backoff/archive decision and no second DLQ row is created.
func (o *Orchestrator) Replay(ctx context.Context, dl contracts.DeadLetter) (Result, error) {
	ev := &contracts.InboundEvent{
		Provider:    dl.Provider,
		EventKind:   dl.EventKind,
		RawPayload:  dl.RawPayload,
		ReceivedAt:  o.now().UTC(),
		Fingerprint: dl.Fingerprint,
	}
	result, err := o.process(ctx, ev, false)
	if err != nil {
		return result, err
	}
	if err := o.store.DeleteDeadLetter(ctx, dl.ID); err != nil {
		return result, err
	}
	audit.Admission(o.audit, string(dl.Provider), dl.EventKind, dl.Fingerprint, "replayed", nil)
	return result, nil
}

func (o *Orchestrator) process(parent context.Context, ev *contracts.InboundEvent, allowDLQ bool) (Result, error) {
	// Once admitted the event belongs to the bridge, not the delivery: the
	// caller hanging up must not abort the in-flight sync, and the terminal
	// ledger/DLQ writes must land even after the orchestration deadline
	// fires. A row left in_progress would wedge the fingerprint.
	detached := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(detached, orchestrationTimeout)
	defer cancel()

	admission, err := o.store.BeginEvent(ctx, ev.Fingerprint, o.now().UTC())
	if err != nil {
		return Result{}, fault.Wrap(fault.KindInternal, "begin_event", err)
	}
	audit.Admission(o.audit, string(ev.Provider), ev.EventKind, ev.Fingerprint, string(admission), nil)

	switch admission {
	case store.AdmissionDuplicateInFlight:
		return Result{}, fault.New(fault.KindDuplicateInFlight, "event %s is in flight", ev.Fingerprint)
	case store.AdmissionAlreadyProcessed:
		return Result{}, fault.New(fault.KindAlreadyProcessed, "event %s already processed", ev.Fingerprint)
	}

	result, err := o.execute(ctx, ev)
	if err != nil {
		result, err = o.quarantine(detached, ev, result, err, allowDLQ)
	}
	o.metrics.RecordSyncEvent(detached, string(result.Direction), string(result.Outcome))
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, ev *contracts.InboundEvent) (Result, error) {
	for _, ignored := range o.mapper.Registry().Filters.IgnoredProviders {
		if ignored == string(ev.Provider) {
			return o.finishSkipped(ctx, ev, contracts.DirectionNone, "provider ignored by filter")
		}
	}

	switch ev.Provider {
	case contracts.ProviderSource:
		return o.srcToTgt(ctx, ev)
	case contracts.ProviderTarget:
		return o.tgtToSrc(ctx, ev)
	}
	return Result{}, fault.New(fault.KindInternal, "event %s has unknown provider %q", ev.Fingerprint, ev.Provider)
}

// quarantine decides the fate of a failed execution. Retry-exhausted and
// orphaning failures go to the DLQ; everything else is recorded as failed so
// a later redelivery can retry it.
func (o *Orchestrator) quarantine(ctx context.Context, ev *contracts.InboundEvent, result Result, cause error, allowDLQ bool) (Result, error) {
	result.Outcome = contracts.OutcomeFailed
	result.Reason = cause.Error()

	kind := fault.KindOf(cause)
	toDLQ := allowDLQ && (fault.Retryable(cause) || kind == fault.KindMappingOrphaned)

	if !toDLQ {
		if err := o.store.FinishEvent(ctx, ev.Fingerprint, contracts.OutcomeFailed); err != nil {
			return result, errors.Join(cause, err)
		}
		return result, cause
	}

	now := o.now().UTC()
	dl := contracts.DeadLetter{
		ID:            uuid.New().String(),
		Fingerprint:   ev.Fingerprint,
		Provider:      ev.Provider,
		EventKind:     ev.EventKind,
		RawPayload:    ev.RawPayload,
		FailureReason: cause.Error(),
		Attempts:      1,
		NextAttemptAt: now.Add(dlqInitialDelay),
		CreatedAt:     now,
	}
	err := o.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertDeadLetter(ctx, dl); err != nil {
			return err
		}
		return tx.FinishEvent(ctx, ev.Fingerprint, contracts.OutcomeFailed)
	})
	if err != nil {
		return result, errors.Join(cause, err)
	}

	result.DeadLettered = true
	o.logger.Warn("event quarantined",
		"fingerprint", ev.Fingerprint, "provider", ev.Provider, "kind", kind, "error", cause)
	return result, nil
}

func (o *Orchestrator) finishSkipped(ctx context.Context, ev *contracts.InboundEvent, direction contracts.Direction, reason string) (Result, error) {
	if err := o.store.FinishEvent(ctx, ev.Fingerprint, contracts.OutcomeSkipped); err != nil {
		return Result{}, fault.Wrap(fault.KindInternal, "finish_event", err)
	}
	o.logger.Debug("event skipped", "fingerprint", ev.Fingerprint, "reason", reason)
	return Result{Direction: direction, Outcome: contracts.OutcomeSkipped, Reason: reason}, nil
}

func (o *Orchestrator) warn(warnings []string, fingerprint string) {
	for _, w := range warnings {
		o.logger.Warn("mapper warning", "fingerprint", fingerprint, "warning", w)
	}
}

// mirrorComment appends one source comment to the page body unless it was
// mirrored before. Links for both directions are recorded inside tx.
func (o *Orchestrator) mirrorComment(ctx context.Context, tx *store.Tx, pageID string, comment *issuetracker.Comment) error {
	existing, err := o.store.FindCommentLink(ctx, contracts.ProviderSource, comment.ID)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "find_comment_link", err)
	}
	if existing != nil {
		return nil
	}

	text := comment.Author + ": " + mapper.TruncateText(comment.Body)
	ids, err := o.pages.AppendBlockChildren(ctx, pageID, []docstore.Block{{Text: text}})
	if err != nil {
		return err
	}
	blockID := ""
	if len(ids) > 0 {
		blockID = ids[0]
	}

	if err := tx.InsertCommentLink(ctx, contracts.CommentLink{
		Side: contracts.ProviderSource, RemoteID: comment.ID,
		OtherSide: contracts.ProviderTarget, OtherRemoteID: blockID,
	}); err != nil {
		return fault.Wrap(fault.KindInternal, "insert_comment_link", err)
	}
	return tx.InsertCommentLink(ctx, contracts.CommentLink{
		Side: contracts.ProviderTarget, RemoteID: blockID,
		OtherSide: contracts.ProviderSource, OtherRemoteID: comment.ID,
	})
}

// mirrorCommentToSrc posts one page comment onto the issue thread unless it
// was mirrored before.
func (o *Orchestrator) mirrorCommentToSrc(ctx context.Context, tx *store.Tx, m *contracts.Mapping, comment *docstore.Comment) error {
	existing, err := o.store.FindCommentLink(ctx, contracts.ProviderTarget, comment.ID)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "find_comment_link", err)
	}
	if existing != nil {
		return nil
	}

	text := comment.Author + ": " + comment.Text
	commentID, err := o.issues.CreateComment(ctx, m.SrcRepo, m.SrcNumber, text)
	if err != nil {
		return err
	}

	if err := tx.InsertCommentLink(ctx, contracts.CommentLink{
		Side: contracts.ProviderTarget, RemoteID: comment.ID,
		OtherSide: contracts.ProviderSource, OtherRemoteID: commentID,
	}); err != nil {
		return fault.Wrap(fault.KindInternal, "insert_comment_link", err)
	}
	return tx.InsertCommentLink(ctx, contracts.CommentLink{
		Side: contracts.ProviderSource, RemoteID: commentID,
		OtherSide: contracts.ProviderTarget, OtherRemoteID: comment.ID,
	})
}
