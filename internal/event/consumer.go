package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/service"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/httpclient"
	pkgkafka "github.com/upsitesolutions/sir/pkg/kafka"
	"github.com/upsitesolutions/sir/pkg/validator"
)

// Kafka topic constants for the change events consumed by the reindexer.
const (
	TopicArtistChanged    = "musicbrainz.artist.changed"
	TopicRecordingChanged = "musicbrainz.recording.changed"
)

// Topics lists every topic the consumer handles.
func Topics() []string {
	return []string{TopicArtistChanged, TopicRecordingChanged}
}

// Consumer turns change events into reindex requests.
type Consumer struct {
	reindexService *service.ReindexService
	logger         *slog.Logger
}

// NewConsumer creates a new event consumer for the reindex service.
func NewConsumer(reindexService *service.ReindexService, logger *slog.Logger) *Consumer {
	return &Consumer{
		reindexService: reindexService,
		logger:         logger,
	}
}

// Handle reindexes from one change event. Errors that a retry cannot fix
// are marked permanent so the message goes to the DLQ at once.
func (c *Consumer) Handle(ctx context.Context, ev *pkgkafka.ChangeEvent) error {
	var reindex func(context.Context, string) (*service.Outcome, error)
	switch ev.Entity {
	case string(domain.KindArtist):
		reindex = c.reindexService.ReindexArtist
	case string(domain.KindRecording):
		reindex = c.reindexService.ReindexRecording
	default:
		c.logger.WarnContext(ctx, "change event for an entity that seeds no reindex",
			slog.String("entity", ev.Entity),
			slog.String("gid", ev.GID),
		)
		return nil
	}

	if err := validator.Validate(ev); err != nil {
		return pkgkafka.Permanent(fmt.Errorf("%s change event: %w", ev.Entity, err))
	}

	outcome, err := reindex(ctx, ev.GID)
	if err != nil {
		err = fmt.Errorf("reindex from %s change: %w", ev.Entity, err)
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidIdentifier) {
			return pkgkafka.Permanent(err)
		}
		// The backend refused the documents themselves; resending them won't help.
		var upstream *httpclient.UpstreamError
		if errors.As(err, &upstream) && !upstream.Retryable() {
			return pkgkafka.Permanent(err)
		}
		return err
	}

	for _, warning := range outcome.Warnings {
		c.logger.WarnContext(ctx, "reindex completed with warning",
			slog.String("gid", ev.GID),
			slog.String("warning", warning.Error()),
		)
	}
	c.logger.InfoContext(ctx, "reindexed from change event",
		slog.String("entity", ev.Entity),
		slog.String("gid", ev.GID),
		slog.Int64("edit_id", ev.EditID),
		slog.Int("entities", outcome.Set.Total()),
	)
	return nil
}
