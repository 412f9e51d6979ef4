package sync

import (
	"context"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/docstore"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/issuetracker"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
)

// srcToTgt synchronizes one source issue event onto its target page:
// create on first sight, update thereafter, skip filtered issues and
// self-echoes.
func (o *Orchestrator) srcToTgt(ctx context.Context, ev *contracts.InboundEvent) (Result, error) {
	direction := contracts.DirectionSrcToTgt

	decoded, err := issuetracker.DecodeWebhook(ev.RawPayload)
	if err != nil {
		return Result{Direction: direction}, err
	}
	issue := decoded.Issue

	if skip, reason := o.mapper.ShouldSkipIssue(issue); skip {
		return o.finishSkipped(ctx, ev, direction, reason)
	}

	srcHash, err := issueSyncHash(issue)
	if err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "hash_issue", err)
	}

	mapping, err := o.store.FindMappingBySource(ctx, issue.SrcRepo, issue.SrcNumber)
	if err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "find_mapping", err)
	}
	if mapping != nil && mapping.LastSrcHash == srcHash && decoded.Comment == nil {
		return o.finishSkipped(ctx, ev, direction, "self-echo or no-op")
	}

	props, warnings := o.mapper.IssueToProperties(issue)
	o.warn(warnings, ev.Fingerprint)

	tgtHash, err := pageSyncHash(o.mapper.Registry(), props)
	if err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "hash_props", err)
	}

	now := o.now().UTC()
	next := contracts.Mapping{
		SrcRepo:       issue.SrcRepo,
		SrcNumber:     issue.SrcNumber,
		LastSrcHash:   srcHash,
		LastTgtHash:   tgtHash,
		LastDirection: direction,
		LastSyncAt:    now,
	}

	contentChanged := mapping == nil || mapping.LastSrcHash != srcHash
	switch {
	case mapping == nil:
		pageID, err := o.pages.CreatePage(ctx, o.databaseID, props)
		if err != nil {
			return Result{Direction: direction}, err
		}
		next.PageID = pageID
		next.Version = 1

	case contentChanged:
		if err := o.pages.UpdatePage(ctx, mapping.PageID, props); err != nil {
			if docstore.NotFoundPage(err) {
				return o.orphan(ctx, mapping.PageID, direction, err)
			}
			return Result{Direction: direction}, err
		}
		next.PageID = mapping.PageID
		next.Version = mapping.Version + 1

	default:
		// Only the comment is new; the page content stands.
		next = *mapping
	}

	err = o.store.InTx(ctx, func(tx *store.Tx) error {
		if o.mapper.Registry().SyncOptions.SyncComments && decoded.Comment != nil {
			if err := o.mirrorComment(ctx, tx, next.PageID, decoded.Comment); err != nil {
				return err
			}
		}
		if contentChanged {
			if err := tx.UpsertMapping(ctx, next); err != nil {
				return err
			}
		}
		return tx.FinishEvent(ctx, ev.Fingerprint, contracts.OutcomeOK)
	})
	if err != nil {
		if fault.KindOf(err) != fault.KindInternal {
			return Result{Direction: direction}, err
		}
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "commit_src_to_tgt", err)
	}

	o.logger.Info("synchronized",
		"direction", direction, "src_repo", issue.SrcRepo, "src_number", issue.SrcNumber,
		"page_id", next.PageID, "version", next.Version)
	return Result{Direction: direction, Outcome: contracts.OutcomeOK}, nil
}

// orphan records that the mapped page vanished upstream. The event is
// re-raised as mapping_orphaned so it lands in the DLQ for later repair.
func (o *Orchestrator) orphan(ctx context.Context, pageID string, direction contracts.Direction, cause error) (Result, error) {
	if err := o.store.MarkMappingOrphaned(ctx, pageID); err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "mark_orphaned", err)
	}
	return Result{Direction: direction}, fault.Wrap(fault.KindMappingOrphaned, "page "+pageID, cause)
}
