// Package auditor validates submitted patches before any mutation
// reaches the committer: shape, idempotency, base-hash freshness, and
// fuzzy duplicate suppression.
package auditor

import (
	"errors"
	"log/slog"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

// CommittedChecker reports whether a patch id has already been
// committed. Implemented by the committer's bounded LRU.
type CommittedChecker interface {
	Committed(patchID string) bool
}

// Auditor drains the patch queue and emits reviews.
type Auditor struct {
	queues    *queue.Manager
	log       *events.Log
	store     *bridge.Store
	tracer    *trace.Tracer
	committed CommittedChecker
}

// New creates an auditor.
func New(queues *queue.Manager, log *events.Log, store *bridge.Store, tracer *trace.Tracer, committed CommittedChecker) *Auditor {
	return &Auditor{
		queues:    queues,
		log:       log,
		store:     store,
		tracer:    tracer,
		committed: committed,
	}
}

// DrainPatches reviews up to max submitted patches. Every pulled patch
// is acked after its review lands in the review queue; the review
// itself carries the verdict.
func (a *Auditor) DrainPatches(max int) int {
	items, err := a.queues.Pull(queue.PatchQueue, queue.PullOptions{Max: max})
	if err != nil {
		if !errors.Is(err, queue.ErrNoItems) {
			slog.Error("Patch pull failed", "error", err)
		}
		return 0
	}

	drained := 0
	for _, it := range items {
		env, ok := it.Payload.(*models.PatchEnvelope)
		if !ok {
			_ = a.queues.Nack(queue.PatchQueue, it.LeaseID, "validation_failed")
			continue
		}
		cid := env.Patch.ThreadID
		a.tracer.RecordStage(cid, trace.StageAuditor, map[string]any{
			"patch_id": env.Patch.PatchID,
		})

		review := a.review(&env.Patch)
		renv := &models.ReviewEnvelope{Review: *review, GoalID: env.GoalID, Meta: env.Meta}
		if _, err := a.queues.Enqueue(queue.ReviewQueue, renv,
			queue.WithType(review.Decision), queue.WithPartition(cid)); err != nil {
			slog.Error("Review enqueue failed", "cid", cid, "error", err)
			_ = a.queues.Nack(queue.PatchQueue, it.LeaseID, "enqueue_failed")
			continue
		}
		a.log.Append(events.TypeReviewEnqueued, map[string]any{
			"cid":      cid,
			"patchId":  env.Patch.PatchID,
			"decision": review.Decision,
			"reasons":  review.Reasons,
		})

		outcome := trace.StatusSuccess
		if review.Decision == models.DecisionRejected {
			outcome = trace.StatusError
		}
		a.tracer.CompleteStage(cid, trace.StageAuditor, outcome, map[string]any{
			"decision": review.Decision,
			"reasons":  review.Reasons,
		})

		_ = a.queues.Ack(queue.PatchQueue, it.LeaseID)
		drained++
	}
	return drained
}

// review runs the validation ladder over one patch.
func (a *Auditor) review(patch *models.Patch) *models.Review {
	reject := func(reason string) *models.Review {
		return &models.Review{
			Decision: models.DecisionRejected,
			Reasons:  []string{reason},
			GraphID:  patch.GraphID,
			ThreadID: patch.ThreadID,
			Patch:    patch,
		}
	}

	if patch.PatchID == "" || patch.GraphID == "" || len(patch.Ops) == 0 {
		return reject("validation_failed")
	}
	for _, op := range patch.Ops {
		if !models.KnownOps[op.Type] {
			return reject("unknown_op")
		}
	}
	if a.committed != nil && a.committed.Committed(patch.PatchID) {
		return reject("duplicate_patch")
	}
	if patch.BaseHash != "" && patch.BaseHash != a.store.HeadHash(patch.GraphID) {
		return reject("stale_base")
	}

	deduped, dropped := a.dedupeOps(patch)
	if dropped > 0 {
		slog.Info("Duplicate node ops dropped", "patch_id", patch.PatchID, "dropped", dropped)
		patch.Ops = deduped
	}

	return &models.Review{
		Decision: models.DecisionApproved,
		GraphID:  patch.GraphID,
		ThreadID: patch.ThreadID,
		Patch:    patch,
	}
}

// dedupeOps drops addNodePrototype ops whose name fuzzily matches an
// existing prototype or an earlier op in the same patch, along with the
// addNodeInstance ops that referenced them. Duplicates shrink the ops
// list, never fail the patch.
func (a *Auditor) dedupeOps(patch *models.Patch) ([]models.Op, int) {
	snap := a.store.Snapshot()

	var existing []string
	for _, p := range snap.NodePrototypes {
		existing = append(existing, p.Name)
	}

	var seen []string
	droppedProtos := make(map[string]bool)
	var out []models.Op
	dropped := 0

	for _, op := range patch.Ops {
		switch op.Type {
		case models.OpAddNodePrototype:
			name, _ := op.Params["name"].(string)
			if name != "" && (matchesAny(name, existing) || matchesAny(name, seen)) {
				if id, _ := op.Params["prototypeId"].(string); id != "" {
					droppedProtos[id] = true
				}
				dropped++
				continue
			}
			seen = append(seen, name)
			out = append(out, op)
		case models.OpAddNodeInstance:
			if id, _ := op.Params["prototypeId"].(string); id != "" && droppedProtos[id] {
				dropped++
				continue
			}
			out = append(out, op)
		default:
			out = append(out, op)
		}
	}
	return out, dropped
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if IsDuplicate(name, c) {
			return true
		}
	}
	return false
}
