// Package dispatch applies resolved reindex sets to a search backend.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/repository"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/logger"
)

// Dispatcher applies a ReindexSet to the search index. A nil error means
// every document is queryable. An empty set is a successful no-op.
type Dispatcher interface {
	Apply(ctx context.Context, set *domain.ReindexSet) error
	Ping(ctx context.Context) error
}

// KindWriter writes the documents of one kind and commits them before
// returning.
type KindWriter interface {
	WriteKind(ctx context.Context, kind domain.Kind, docs []domain.Document) error
	Ping(ctx context.Context) error
}

// Batched loads documents for each kind of a set and hands them to a
// KindWriter, one goroutine per kind.
type Batched struct {
	writer KindWriter
	loader repository.DocumentLoader
	logger *slog.Logger
}

var _ Dispatcher = (*Batched)(nil)

// NewBatched creates a dispatcher over writer.
func NewBatched(writer KindWriter, loader repository.DocumentLoader, logger *slog.Logger) *Batched {
	return &Batched{writer: writer, loader: loader, logger: logger}
}

// Ping checks the backend.
func (b *Batched) Ping(ctx context.Context) error {
	return b.writer.Ping(ctx)
}

// Apply writes every kind of set. Kinds are written independently: a
// failed kind does not stop the others, but any failure fails the call.
func (b *Batched) Apply(ctx context.Context, set *domain.ReindexSet) error {
	if set == nil || set.IsEmpty() {
		return nil
	}
	l := logger.WithContext(ctx, b.logger)

	var (
		mu     sync.Mutex
		failed = make(map[domain.Kind]error)
		g      errgroup.Group
	)
	for _, kind := range set.Kinds() {
		ids := set.IDs(kind)
		g.Go(func() error {
			if err := b.applyKind(ctx, l, kind, ids); err != nil {
				mu.Lock()
				failed[kind] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	return FailedKinds(failed)
}

func (b *Batched) applyKind(ctx context.Context, l *slog.Logger, kind domain.Kind, ids []uint32) error {
	docs, err := b.loader.Documents(ctx, kind, ids)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if missing := len(ids) - len(docs); missing > 0 {
		l.Warn("entities vanished before dispatch",
			slog.String("kind", string(kind)),
			slog.Int("missing", missing),
		)
	}
	if len(docs) == 0 {
		return nil
	}
	if err := b.writer.WriteKind(ctx, kind, docs); err != nil {
		l.Error("index update failed",
			slog.String("kind", string(kind)),
			slog.Int("count", len(docs)),
			slog.String("error", err.Error()),
		)
		return err
	}
	l.Info("index updated", slog.String("kind", string(kind)), slog.Int("count", len(docs)))
	return nil
}

// FailedKinds builds the dispatch failure for per-kind errors.
func FailedKinds(failed map[domain.Kind]error) error {
	kinds := make([]string, 0, len(failed))
	for kind := range failed {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	errs := make([]error, 0, len(kinds))
	for _, kind := range kinds {
		errs = append(errs, fmt.Errorf("%s: %w", kind, failed[domain.Kind(kind)]))
	}
	return apperrors.DispatchFailure(fmt.Errorf("kinds [%s]: %w", strings.Join(kinds, ", "), errors.Join(errs...)))
}
