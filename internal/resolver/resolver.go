// Package resolver computes the set of index entities affected by a change
// to one seed entity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/repository"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/logger"
	"github.com/upsitesolutions/sir/pkg/tracing"
)

// Step names reported in partial failure warnings.
const (
	StepRecordings             = "recordings"
	StepReleases               = "releases"
	StepReleasesViaTracks      = "releases-via-tracks"
	StepReleaseGroups          = "release-groups"
	StepReleaseGroupsOfRelease = "release-groups-of-releases"
	overrideStepPrefix         = "override:"
)

// Result is a resolved set plus the non-fatal failures met on the way.
type Result struct {
	Set      *domain.ReindexSet
	Warnings []error
}

// Engine resolves seeds against an EntityStore. It holds no per-request
// state and is safe for concurrent use.
type Engine struct {
	store  repository.EntityStore
	logger *slog.Logger
}

// New creates a resolution engine.
func New(store repository.EntityStore, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// run is the state of one resolution call.
type run struct {
	ctx    context.Context
	snap   repository.Snapshot
	logger *slog.Logger
	result *Result
}

func (e *Engine) open(ctx context.Context) (*run, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.StoreUnavailable(err)
	}
	return &run{
		ctx:    ctx,
		snap:   snap,
		logger: logger.WithContext(ctx, e.logger),
		result: &Result{Set: domain.NewReindexSet()},
	}, nil
}

func (r *run) close() {
	if err := r.snap.Close(context.WithoutCancel(r.ctx)); err != nil {
		r.logger.Warn("failed to close snapshot", slog.String("error", err.Error()))
	}
}

// isFatal reports whether a step failure must abort the whole call.
func isFatal(err error) bool {
	return errors.Is(err, apperrors.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// step runs one traversal query. A fatal failure is returned; any other
// failure becomes a warning and yields a nil bitmap.
func (r *run) step(name string, fn func(context.Context) (*roaring.Bitmap, error)) (*roaring.Bitmap, error) {
	ids, err := fn(r.ctx)
	if err == nil {
		return ids, nil
	}
	if isFatal(err) {
		r.logger.Error("resolution step failed, aborting",
			slog.String("step", name),
			slog.String("error", err.Error()),
		)
		return nil, asStoreUnavailable(err)
	}
	r.logger.Warn("resolution step failed, continuing",
		slog.String("step", name),
		slog.String("error", err.Error()),
	)
	r.result.Warnings = append(r.result.Warnings, apperrors.PartialSource(name, err))
	return nil, nil
}

// lookup resolves the seed GID. Every failure here aborts the call.
func (r *run) lookup(kind domain.Kind, gid uuid.UUID) (uint32, error) {
	id, err := r.snap.EntityID(r.ctx, kind, gid)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, err
		}
		if isFatal(err) {
			return 0, asStoreUnavailable(err)
		}
		return 0, fmt.Errorf("look up %s %s: %w", kind, gid, err)
	}
	r.logger.Info("resolved seed",
		slog.String("kind", string(kind)),
		slog.String("gid", gid.String()),
		slog.Uint64("id", uint64(id)),
	)
	return id, nil
}

func (r *run) found(kind domain.Kind) {
	r.logger.Info("found entities to reindex",
		slog.String("kind", string(kind)),
		slog.Int("count", r.result.Set.Len(kind)),
	)
}

// ResolveByArtist collects the recordings, releases and release groups
// credited to the artist. Releases are resolved before release groups,
// since a release group also qualifies as the parent of a collected release.
func (e *Engine) ResolveByArtist(ctx context.Context, gid uuid.UUID) (_ *Result, err error) {
	ctx, end := tracing.Start(ctx, "resolver.ResolveByArtist", attribute.String("seed.gid", gid.String()))
	defer func() { end(err) }()

	r, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.close()

	artistID, err := r.lookup(domain.KindArtist, gid)
	if err != nil {
		return nil, err
	}

	credits, err := r.snap.ArtistCreditIDs(r.ctx, artistID)
	if err != nil {
		if isFatal(err) {
			return nil, asStoreUnavailable(err)
		}
		return nil, fmt.Errorf("fetch artist credits: %w", err)
	}
	if credits.IsEmpty() {
		r.logger.Info("artist has no credits, nothing to index")
		return r.result, nil
	}
	r.logger.Info("artist credits found", slog.Uint64("count", credits.GetCardinality()))

	set := r.result.Set

	recordings, err := r.step(StepRecordings, func(ctx context.Context) (*roaring.Bitmap, error) {
		return r.snap.RecordingsByArtistCredits(ctx, credits)
	})
	if err != nil {
		return nil, err
	}
	set.AddBitmap(domain.KindRecording, recordings)
	r.found(domain.KindRecording)

	releases, err := r.step(StepReleases, func(ctx context.Context) (*roaring.Bitmap, error) {
		return r.snap.ReleasesByArtistCredits(ctx, credits)
	})
	if err != nil {
		return nil, err
	}
	set.AddBitmap(domain.KindRelease, releases)

	viaTracks, err := r.step(StepReleasesViaTracks, func(ctx context.Context) (*roaring.Bitmap, error) {
		return r.snap.ReleasesByTrackArtistCredits(ctx, credits)
	})
	if err != nil {
		return nil, err
	}
	set.AddBitmap(domain.KindRelease, viaTracks)
	r.found(domain.KindRelease)

	groups, err := r.step(StepReleaseGroups, func(ctx context.Context) (*roaring.Bitmap, error) {
		return r.snap.ReleaseGroupsByArtistCredits(ctx, credits)
	})
	if err != nil {
		return nil, err
	}
	set.AddBitmap(domain.KindReleaseGroup, groups)

	if collected := set.Bitmap(domain.KindRelease); !collected.IsEmpty() {
		parents, err := r.step(StepReleaseGroupsOfRelease, func(ctx context.Context) (*roaring.Bitmap, error) {
			return r.snap.ReleaseGroupsByReleases(ctx, collected)
		})
		if err != nil {
			return nil, err
		}
		set.AddBitmap(domain.KindReleaseGroup, parents)
	}
	r.found(domain.KindReleaseGroup)

	return r.result, nil
}

// ResolveByRecording returns exactly the recording itself.
func (e *Engine) ResolveByRecording(ctx context.Context, gid uuid.UUID) (_ *Result, err error) {
	ctx, end := tracing.Start(ctx, "resolver.ResolveByRecording", attribute.String("seed.gid", gid.String()))
	defer func() { end(err) }()

	r, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.close()

	id, err := r.lookup(domain.KindRecording, gid)
	if err != nil {
		return nil, err
	}
	r.result.Set.Add(domain.KindRecording, id)
	return r.result, nil
}

// ResolveByOverrides unions the recordings flagged by each source. Sources
// fail independently; the call only fails when every source did.
func (e *Engine) ResolveByOverrides(ctx context.Context, sources []domain.OverrideSource) (_ *Result, err error) {
	ctx, end := tracing.Start(ctx, "resolver.ResolveByOverrides", attribute.Int("override.sources", len(sources)))
	defer func() { end(err) }()

	if len(sources) == 0 {
		return nil, errors.New("no override sources configured")
	}

	r, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.close()

	var lastErr error
	failed := 0
	for _, src := range sources {
		ids, err := r.step(overrideStepPrefix+src.Name, func(ctx context.Context) (*roaring.Bitmap, error) {
			ids, err := r.snap.OverrideRecordingIDs(ctx, src)
			if err != nil {
				lastErr = err
			}
			return ids, err
		})
		if err != nil {
			return nil, err
		}
		if ids == nil {
			failed++
			continue
		}
		r.logger.Info("override source resolved",
			slog.String("source", src.Name),
			slog.Uint64("count", ids.GetCardinality()),
		)
		r.result.Set.AddBitmap(domain.KindRecording, ids)
	}

	if failed == len(sources) {
		return nil, fmt.Errorf("all %d override sources failed: %w", failed, lastErr)
	}
	r.found(domain.KindRecording)
	return r.result, nil
}

func asStoreUnavailable(err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return apperrors.StoreUnavailable(err)
}
