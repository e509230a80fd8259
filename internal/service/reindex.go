// Package service runs the reindex pipeline shared by every frontend:
// validate the seed, resolve it, dispatch the result.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/upsitesolutions/sir/internal/dispatch"
	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/resolver"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/logger"
)

// Resolver is the resolution engine as seen by the service.
type Resolver interface {
	ResolveByArtist(ctx context.Context, gid uuid.UUID) (*resolver.Result, error)
	ResolveByRecording(ctx context.Context, gid uuid.UUID) (*resolver.Result, error)
	ResolveByOverrides(ctx context.Context, sources []domain.OverrideSource) (*resolver.Result, error)
}

// Outcome is what a reindex request produced. Warnings are the partial
// failures met during resolution; the dispatch still happened.
type Outcome struct {
	Set      *domain.ReindexSet
	Warnings []error
}

// Options tune a ReindexService. Zero timeouts leave calls unbounded.
type Options struct {
	StoreTimeout    time.Duration
	DispatchTimeout time.Duration
	Sources         []domain.OverrideSource
	Metrics         *Metrics
}

// ReindexService implements the reindex pipeline.
type ReindexService struct {
	resolver   Resolver
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	opts       Options
}

// NewReindexService creates a new reindex service. When opts.Sources is
// empty the default override sources are used.
func NewReindexService(res Resolver, d dispatch.Dispatcher, logger *slog.Logger, opts Options) *ReindexService {
	if len(opts.Sources) == 0 {
		opts.Sources = domain.DefaultOverrideSources()
	}
	return &ReindexService{
		resolver:   res,
		dispatcher: d,
		logger:     logger,
		opts:       opts,
	}
}

// Sources returns the configured override sources.
func (s *ReindexService) Sources() []domain.OverrideSource {
	return s.opts.Sources
}

// ReindexArtist reindexes everything credited to the artist.
func (s *ReindexService) ReindexArtist(ctx context.Context, gid string) (*Outcome, error) {
	seed, err := domain.NewSeed(domain.KindArtist, gid)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, string(domain.KindArtist), seed, func(ctx context.Context) (*resolver.Result, error) {
		return s.resolver.ResolveByArtist(ctx, seed.GID)
	})
}

// ReindexRecording reindexes a single recording.
func (s *ReindexService) ReindexRecording(ctx context.Context, gid string) (*Outcome, error) {
	seed, err := domain.NewSeed(domain.KindRecording, gid)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, string(domain.KindRecording), seed, func(ctx context.Context) (*resolver.Result, error) {
		return s.resolver.ResolveByRecording(ctx, seed.GID)
	})
}

// ReindexOverrides reindexes the recordings flagged by the named override
// sources, or by every configured source when names is empty.
func (s *ReindexService) ReindexOverrides(ctx context.Context, names ...string) (*Outcome, error) {
	sources, err := domain.SelectOverrideSources(s.opts.Sources, names)
	if err != nil {
		return nil, apperrors.InvalidIdentifier(err.Error())
	}
	return s.run(ctx, "overrides", domain.Seed{}, func(ctx context.Context) (*resolver.Result, error) {
		return s.resolver.ResolveByOverrides(ctx, sources)
	})
}

func (s *ReindexService) run(
	ctx context.Context,
	label string,
	seed domain.Seed,
	resolve func(context.Context) (*resolver.Result, error),
) (*Outcome, error) {
	start := time.Now()
	if seed.GID != uuid.Nil {
		ctx = logger.WithSeed(ctx, string(seed.Kind), seed.GID.String())
	}
	l := logger.WithContext(ctx, s.logger)
	defer func() {
		if s.opts.Metrics != nil {
			s.opts.Metrics.Duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
	}()

	result, err := s.resolve(ctx, resolve)
	if err != nil {
		l.Error("resolution failed", slog.String("error", err.Error()))
		return nil, err
	}
	s.observeResolved(result)

	if err := s.dispatch(ctx, result.Set); err != nil {
		l.Error("dispatch failed", slog.String("error", err.Error()))
		return nil, err
	}

	l.Info("reindex complete",
		slog.Int("total", result.Set.Total()),
		slog.Int("warnings", len(result.Warnings)),
		slog.Duration("duration", time.Since(start)),
	)
	return &Outcome{Set: result.Set, Warnings: result.Warnings}, nil
}

func (s *ReindexService) resolve(ctx context.Context, fn func(context.Context) (*resolver.Result, error)) (*resolver.Result, error) {
	if s.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *ReindexService) dispatch(ctx context.Context, set *domain.ReindexSet) error {
	if set.IsEmpty() {
		s.count("noop")
		return nil
	}
	if s.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DispatchTimeout)
		defer cancel()
	}

	err := s.dispatcher.Apply(ctx, set)
	if err != nil {
		s.count("failure")
		if errors.Is(err, apperrors.ErrDispatch) {
			return err
		}
		return apperrors.DispatchFailure(err)
	}
	s.count("success")
	return nil
}

func (s *ReindexService) count(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Dispatched.WithLabelValues(result).Inc()
	}
}

func (s *ReindexService) observeResolved(result *resolver.Result) {
	m := s.opts.Metrics
	if m == nil {
		return
	}
	for kind, n := range result.Set.Counts() {
		m.Resolved.WithLabelValues(string(kind)).Add(float64(n))
	}
	for _, w := range result.Warnings {
		var appErr *apperrors.AppError
		step := "unknown"
		if errors.As(w, &appErr) {
			step = appErr.Source
		}
		m.PartialFailures.WithLabelValues(step).Inc()
	}
}
