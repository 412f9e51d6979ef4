package sync

import (
	"context"
	"net/http"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/docstore"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/outbound"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
)

// tgtToSrc synchronizes one target page event back onto its source issue.
// Pages outside the mapping table are unrelated and skipped; echoes of our
// own writes are suppressed by the stored content hash.
func (o *Orchestrator) tgtToSrc(ctx context.Context, ev *contracts.InboundEvent) (Result, error) {
	direction := contracts.DirectionTgtToSrc

	if !o.mapper.Registry().SyncOptions.Bidirectional {
		return o.finishSkipped(ctx, ev, direction, "bidirectional sync disabled")
	}

	decoded, err := docstore.DecodeWebhook(ev.RawPayload)
	if err != nil {
		return Result{Direction: direction}, err
	}
	page := decoded.Page

	mapping, err := o.store.FindMappingByPage(ctx, page.PageID)
	if err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "find_mapping", err)
	}
	if mapping == nil {
		return o.finishSkipped(ctx, ev, direction, "page not coupled to any issue")
	}

	tgtHash, err := pageSyncHash(o.mapper.Registry(), page.Properties)
	if err != nil {
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "hash_page", err)
	}
	if mapping.LastTgtHash == tgtHash && decoded.Comment == nil {
		return o.finishSkipped(ctx, ev, direction, "self-echo or no-op")
	}

	patch, warnings := o.mapper.PropertiesToIssuePatch(page)
	o.warn(warnings, ev.Fingerprint)

	issue, err := o.issues.GetIssue(ctx, mapping.SrcRepo, mapping.SrcNumber)
	if err != nil {
		if outbound.NotFound(err) {
			return o.orphan(ctx, mapping.PageID, direction, err)
		}
		return Result{Direction: direction}, err
	}
	current := contentOf(*issue)
	patch = pruneUnchanged(patch, current)

	contentChanged := !patch.Empty()
	next := *mapping
	if contentChanged {
		if err := o.issues.UpdateIssue(ctx, mapping.SrcRepo, mapping.SrcNumber, patch); err != nil {
			switch {
			case outbound.NotFound(err):
				return o.orphan(ctx, mapping.PageID, direction, err)
			case outbound.HasStatus(err, http.StatusUnprocessableEntity):
				// The source API refused the transition (e.g. closing an
				// already-closed issue); soft success.
				o.logger.Info("transition refused by source, soft success",
					"src_repo", mapping.SrcRepo, "src_number", mapping.SrcNumber)
			default:
				return Result{Direction: direction}, err
			}
		}

		patched := current.apply(patch)
		srcHash, err := canonicalizeContent(patched)
		if err != nil {
			return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "hash_issue", err)
		}

		next.LastSrcHash = srcHash
		next.LastTgtHash = tgtHash
		next.LastDirection = direction
		next.LastSyncAt = o.now().UTC()
		next.Version = mapping.Version + 1
	}

	if !contentChanged && decoded.Comment == nil {
		return o.finishSkipped(ctx, ev, direction, "no mapped field changed")
	}

	err = o.store.InTx(ctx, func(tx *store.Tx) error {
		if o.mapper.Registry().SyncOptions.SyncComments && decoded.Comment != nil {
			if err := o.mirrorCommentToSrc(ctx, tx, mapping, decoded.Comment); err != nil {
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
		return Result{Direction: direction}, fault.Wrap(fault.KindInternal, "commit_tgt_to_src", err)
	}

	o.logger.Info("synchronized",
		"direction", direction, "src_repo", mapping.SrcRepo, "src_number", mapping.SrcNumber,
		"page_id", mapping.PageID, "version", next.Version)
	return Result{Direction: direction, Outcome: contracts.OutcomeOK}, nil
}

// pruneUnchanged drops patch fields whose value equals the live issue, so
// only mapped and changed fields travel.
func pruneUnchanged(patch contracts.IssuePatch, current issueContent) contracts.IssuePatch {
	if patch.Title != nil && *patch.Title == current.Title {
		patch.Title = nil
	}
	if patch.Body != nil && *patch.Body == current.Body {
		patch.Body = nil
	}
	if patch.State != nil && *patch.State == current.State {
		patch.State = nil
	}
	if patch.Labels != nil && equalSets(patch.Labels, current.Labels) {
		patch.Labels = nil
	}
	if patch.Assignees != nil && equalSets(patch.Assignees, current.Assignees) {
		patch.Assignees = nil
	}
	return patch
}

func equalSets(a, b []string) bool {
	as, bs := sortedSet(a), sortedSet(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
