package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/repository"
	"github.com/upsitesolutions/sir/pkg/database"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

// Store implements repository.EntityStore over the MusicBrainz schema.
type Store struct {
	pool   database.DBTX
	tracer *database.QueryTracer
}

var (
	_ repository.EntityStore    = (*Store)(nil)
	_ repository.DocumentLoader = (*Store)(nil)
)

// NewStore creates a store on pool. tracer may be nil.
func NewStore(pool database.DBTX, tracer *database.QueryTracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Snapshot opens a REPEATABLE READ, READ ONLY transaction.
func (s *Store) Snapshot(ctx context.Context) (repository.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(fmt.Errorf("begin snapshot: %w", err))
	}
	return &snapshot{tx: tx, tracer: s.tracer}, nil
}

// entityTables maps each kind to its table.
var entityTables = map[domain.Kind]string{
	domain.KindArtist:       "artist",
	domain.KindRecording:    "recording",
	domain.KindRelease:      "release",
	domain.KindReleaseGroup: "release_group",
}

func tableFor(kind domain.Kind) (string, error) {
	table, ok := entityTables[kind]
	if !ok {
		return "", fmt.Errorf("no table for entity kind %q", kind)
	}
	return table, nil
}

// classify tags connection-level failures as fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if database.IsConnectionError(err) {
		return apperrors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sanitizeTable quotes an optionally schema qualified table name.
func sanitizeTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func toInt32s(b *roaring.Bitmap) []int32 {
	out := make([]int32, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, int32(it.Next()))
	}
	return out
}

func collectIDs(rows pgx.Rows) (*roaring.Bitmap, error) {
	defer rows.Close()

	ids := roaring.New()
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids.Add(uint32(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

const documentBatchSize = 5000

// Documents loads id, gid, name and credited artist name for ids.
func (s *Store) Documents(ctx context.Context, kind domain.Kind, ids []uint32) ([]domain.Document, error) {
	if !kind.IsIndexed() {
		return nil, fmt.Errorf("no documents for entity kind %q", kind)
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.gid::text, e.name, ac.name
		FROM %s e
		JOIN artist_credit ac ON ac.id = e.artist_credit
		WHERE e.id = ANY($1)
		ORDER BY e.id`, table)

	docs := make([]domain.Document, 0, len(ids))
	for start := 0; start < len(ids); start += documentBatchSize {
		end := min(start+documentBatchSize, len(ids))
		batch := roaring.BitmapOf(ids[start:end]...)

		op := "Documents." + table
		err := func() (err error) {
			ctx, done := s.tracer.Trace(ctx, op, query)
			defer func() { done(err) }()

			rows, err := s.pool.Query(ctx, query, toInt32s(batch))
			if err != nil {
				return classify("load "+table+" documents", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					id  int32
					doc = domain.Document{Kind: kind}
				)
				if err := rows.Scan(&id, &doc.GID, &doc.Name, &doc.ArtistCredit); err != nil {
					return fmt.Errorf("scan %s document: %w", table, err)
				}
				doc.ID = uint32(id)
				docs = append(docs, doc)
			}
			return classify("load "+table+" documents", rows.Err())
		}()
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

type snapshot struct {
	tx     pgx.Tx
	tracer *database.QueryTracer
}

const savepointName = "sir_step"

// step runs fn inside a savepoint so a failed query can be rolled back
// without aborting the snapshot.
func (s *snapshot) step(ctx context.Context, op, statement string, fn func(ctx context.Context) error) (err error) {
	ctx, done := s.tracer.Trace(ctx, op, statement)
	defer func() { done(err) }()

	if _, err := s.tx.Exec(ctx, "SAVEPOINT "+savepointName); err != nil {
		return apperrors.StoreUnavailable(fmt.Errorf("%s: savepoint: %w", op, err))
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return apperrors.StoreUnavailable(fmt.Errorf("%s: %w (rollback to savepoint: %v)", op, err, rbErr))
		}
		return classify(op, err)
	}

	if _, err := s.tx.Exec(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return apperrors.StoreUnavailable(fmt.Errorf("%s: release savepoint: %w", op, err))
	}
	return nil
}

func (s *snapshot) ids(ctx context.Context, op, query string, args ...any) (*roaring.Bitmap, error) {
	var ids *roaring.Bitmap
	err := s.step(ctx, op, query, func(ctx context.Context) error {
		rows, err := s.tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		ids, err = collectIDs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *snapshot) EntityID(ctx context.Context, kind domain.Kind, gid uuid.UUID) (uint32, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE gid = $1`, table)

	var id int32
	err = s.step(ctx, "EntityID."+table, query, func(ctx context.Context) error {
		err := s.tx.QueryRow(ctx, query, gid.String()).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound(kind.Title(), gid.String())
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (s *snapshot) ArtistCreditIDs(ctx context.Context, artistID uint32) (*roaring.Bitmap, error) {
	query := `SELECT DISTINCT artist_credit FROM artist_credit_name WHERE artist = $1`
	return s.ids(ctx, "ArtistCreditIDs", query, int32(artistID))
}

func (s *snapshot) byCredits(ctx context.Context, op, query string, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	if credits == nil || credits.IsEmpty() {
		return roaring.New(), nil
	}
	return s.ids(ctx, op, query, toInt32s(credits))
}

func (s *snapshot) RecordingsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	return s.byCredits(ctx, "RecordingsByArtistCredits",
		`SELECT id FROM recording WHERE artist_credit = ANY($1)`, credits)
}

func (s *snapshot) ReleasesByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	return s.byCredits(ctx, "ReleasesByArtistCredits",
		`SELECT id FROM release WHERE artist_credit = ANY($1)`, credits)
}

func (s *snapshot) ReleasesByTrackArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	return s.byCredits(ctx, "ReleasesByTrackArtistCredits", `
		SELECT DISTINCT m.release
		FROM track t
		JOIN medium m ON m.id = t.medium
		WHERE t.artist_credit = ANY($1)`, credits)
}

func (s *snapshot) ReleaseGroupsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	return s.byCredits(ctx, "ReleaseGroupsByArtistCredits",
		`SELECT id FROM release_group WHERE artist_credit = ANY($1)`, credits)
}

func (s *snapshot) ReleaseGroupsByReleases(ctx context.Context, releases *roaring.Bitmap) (*roaring.Bitmap, error) {
	return s.byCredits(ctx, "ReleaseGroupsByReleases",
		`SELECT DISTINCT release_group FROM release WHERE id = ANY($1)`, releases)
}

func (s *snapshot) OverrideRecordingIDs(ctx context.Context, src domain.OverrideSource) (*roaring.Bitmap, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT r.id
		FROM recording r
		JOIN %s o ON o.%s = r.gid
		WHERE o.%s IS NOT NULL`,
		sanitizeTable(src.Table),
		pgx.Identifier{src.GIDColumn}.Sanitize(),
		pgx.Identifier{src.ValueColumn}.Sanitize(),
	)
	return s.ids(ctx, "OverrideRecordingIDs."+src.Name, query)
}

// Close rolls the read-only transaction back.
func (s *snapshot) Close(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}
