package repository

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/upsitesolutions/sir/internal/domain"
)

// EntityStore is the read-only query surface over the music metadata schema.
type EntityStore interface {
	// Snapshot opens a consistent read-only view. The caller must Close it.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Snapshot answers every query of one resolution call from the same
// consistent state. A failed query leaves the snapshot usable for the
// next one unless the failure is a connection-level error.
// A Snapshot must not be shared between goroutines.
type Snapshot interface {
	// EntityID returns the internal id for gid. A missing row yields an
	// error matching apperrors.ErrNotFound.
	EntityID(ctx context.Context, kind domain.Kind, gid uuid.UUID) (uint32, error)

	// ArtistCreditIDs returns every artist credit that names the artist.
	ArtistCreditIDs(ctx context.Context, artistID uint32) (*roaring.Bitmap, error)

	RecordingsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error)
	ReleasesByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error)

	// ReleasesByTrackArtistCredits returns releases with at least one track
	// (through its medium) credited to one of credits.
	ReleasesByTrackArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error)

	ReleaseGroupsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error)

	// ReleaseGroupsByReleases returns the parent release groups of releases.
	ReleaseGroupsByReleases(ctx context.Context, releases *roaring.Bitmap) (*roaring.Bitmap, error)

	// OverrideRecordingIDs returns the recordings whose GID has a non-null
	// value in src. GIDs without a matching recording are skipped.
	OverrideRecordingIDs(ctx context.Context, src domain.OverrideSource) (*roaring.Bitmap, error)

	// Close ends the snapshot.
	Close(ctx context.Context) error
}

// DocumentLoader loads index documents for a batch of ids.
type DocumentLoader interface {
	Documents(ctx context.Context, kind domain.Kind, ids []uint32) ([]domain.Document, error)
}
