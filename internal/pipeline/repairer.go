package pipeline

import (
	"context"
	"log/slog"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// Repair issue names accepted by the repairer.
const (
	RepairMissingEmbeddings = "missing_embeddings"
	RepairOrphanedVectors   = "orphaned_vectors"
	RepairCountMismatch     = "count_mismatch"
	RepairStaleUnits        = "stale_units"
)

// RepairReport records what a repair touched.
type RepairReport struct {
	Issue    string        `json:"issue"`
	Affected []string      `json:"affected"`
	Index    *index.Report `json:"index,omitempty"`
}

// Repairer runs scoped repairs against the index. Every repair is a write
// and holds the pipeline lock for its duration.
type Repairer struct {
	indexer   *index.Indexer
	vectors   store.VectorStore
	units     *unit.Store
	validator *Validator
	lock      *Lock
}

// NewRepairer wires a repairer.
func NewRepairer(indexer *index.Indexer, vectors store.VectorStore,
	units *unit.Store, validator *Validator, lock *Lock) *Repairer {
	return &Repairer{
		indexer:   indexer,
		vectors:   vectors,
		units:     units,
		validator: validator,
		lock:      lock,
	}
}

// Repair executes one scoped repair. When ids is empty the scope comes from
// a fresh validation pass.
func (r *Repairer) Repair(ctx context.Context, issue string, ids []string) (*RepairReport, error) {
	switch issue {
	case RepairMissingEmbeddings, RepairOrphanedVectors, RepairCountMismatch, RepairStaleUnits:
	default:
		return nil, railerr.Newf(railerr.KindValidation, "pipeline.repair",
			"unknown repair issue %q", issue)
	}

	if err := r.lock.Acquire("repairer", "repair:"+issue); err != nil {
		return nil, err
	}
	defer func() { _ = r.lock.Release() }()

	report := &RepairReport{Issue: issue}
	var err error
	switch issue {
	case RepairMissingEmbeddings:
		err = r.missingEmbeddings(ctx, ids, report)
	case RepairOrphanedVectors:
		err = r.orphanedVectors(ctx, report)
	case RepairCountMismatch:
		err = r.countMismatch(ctx, report)
	case RepairStaleUnits:
		err = r.staleUnits(ctx, ids, report)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("repair complete",
		slog.String("issue", issue),
		slog.Int("affected", len(report.Affected)))
	return report, nil
}

// missingEmbeddings re-embeds units absent from the checkpoint or changed
// since their last embed.
func (r *Repairer) missingEmbeddings(ctx context.Context, ids []string, report *RepairReport) error {
	if len(ids) == 0 {
		validation, err := r.validator.Validate(ctx)
		if err != nil {
			return err
		}
		ids = append(validation.Missing, validation.HashMismatch...)
	}
	if len(ids) == 0 {
		return nil
	}
	idx, err := r.indexer.IndexIncremental(ctx, ids)
	if err != nil {
		return err
	}
	report.Affected = ids
	report.Index = idx
	return nil
}

// orphanedVectors deletes vectors with no corresponding checkpoint entry.
func (r *Repairer) orphanedVectors(ctx context.Context, report *RepairReport) error {
	validation, err := r.validator.Validate(ctx)
	if err != nil {
		return err
	}
	if len(validation.StaleVectors) == 0 {
		return nil
	}
	if err := r.vectors.Delete(ctx, validation.StaleVectors); err != nil {
		return err
	}
	report.Affected = validation.StaleVectors
	return nil
}

// countMismatch forces a full hash-gated reindex; unchanged chunks are
// skipped, so only the drift is re-embedded.
func (r *Repairer) countMismatch(ctx context.Context, report *RepairReport) error {
	idx, err := r.indexer.IndexAll(ctx)
	if err != nil {
		return err
	}
	report.Affected = r.units.AllIDs()
	report.Index = idx
	return nil
}

// staleUnits invalidates the checkpoint entries for ids and re-embeds them
// from the current extraction, regardless of hash match.
func (r *Repairer) staleUnits(ctx context.Context, ids []string, report *RepairReport) error {
	if len(ids) == 0 {
		return railerr.New(railerr.KindValidation, "pipeline.repair",
			"stale_units requires explicit identifiers")
	}
	if err := r.indexer.Invalidate(ids); err != nil {
		return err
	}
	idx, err := r.indexer.IndexIncremental(ctx, ids)
	if err != nil {
		return err
	}
	report.Affected = ids
	report.Index = idx
	return nil
}
