package postgres

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/repository"
	"github.com/upsitesolutions/sir/pkg/database"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var snapshotOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	return NewStore(mock, nil), mock
}

func openSnapshot(t *testing.T, store *Store, mock pgxmock.PgxPoolIface) repository.Snapshot {
	t.Helper()
	mock.ExpectBeginTx(snapshotOptions)
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func expectSavepoint(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("^SAVEPOINT sir_step").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
}

func expectRelease(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("^RELEASE SAVEPOINT sir_step").WillReturnResult(pgxmock.NewResult("RELEASE", 0))
}

func expectRollbackTo(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT sir_step").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
}

func idRows(ids ...int32) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

var artistGID = uuid.MustParse("b1a9c0e9-d987-4042-ae91-78d6a3267d69")

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

func TestStore_Snapshot_BeginFailureIsStoreUnavailable(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectBeginTx(snapshotOptions).WillReturnError(errors.New("too many clients"))

	snap, err := store.Snapshot(context.Background())
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Snapshot_CloseRollsBack(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	mock.ExpectRollback()

	require.NoError(t, snap.Close(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// EntityID
// ---------------------------------------------------------------------------

func TestSnapshot_EntityID_Success(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM artist WHERE gid").
		WithArgs(artistGID.String()).
		WillReturnRows(idRows(42))
	expectRelease(mock)

	id, err := snap.EntityID(context.Background(), domain.KindArtist, artistGID)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_EntityID_NotFound(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM recording WHERE gid").
		WithArgs(artistGID.String()).
		WillReturnError(pgx.ErrNoRows)
	expectRollbackTo(mock)

	_, err := snap.EntityID(context.Background(), domain.KindRecording, artistGID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Contains(t, err.Error(), "Recording with GID "+artistGID.String()+" not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_EntityID_ReleaseGroupTable(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM release_group WHERE gid").
		WithArgs(artistGID.String()).
		WillReturnRows(idRows(5))
	expectRelease(mock)

	id, err := snap.EntityID(context.Background(), domain.KindReleaseGroup, artistGID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), id)
}

func TestSnapshot_EntityID_UnknownKind(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	_, err := snap.EntityID(context.Background(), domain.Kind("label"), artistGID)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Traversal queries
// ---------------------------------------------------------------------------

func TestSnapshot_ArtistCreditIDs(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT DISTINCT artist_credit FROM artist_credit_name WHERE artist").
		WithArgs(int32(42)).
		WillReturnRows(idRows(7, 9))
	expectRelease(mock)

	credits, err := snap.ArtistCreditIDs(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 9}, credits.ToArray())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_CreditQueries(t *testing.T) {
	credits := roaring.BitmapOf(7, 9)

	tests := []struct {
		name  string
		query string
		call  func(repository.Snapshot) (*roaring.Bitmap, error)
	}{
		{
			name:  "recordings",
			query: "SELECT id FROM recording WHERE artist_credit = ANY",
			call: func(s repository.Snapshot) (*roaring.Bitmap, error) {
				return s.RecordingsByArtistCredits(context.Background(), credits)
			},
		},
		{
			name:  "releases",
			query: "SELECT id FROM release WHERE artist_credit = ANY",
			call: func(s repository.Snapshot) (*roaring.Bitmap, error) {
				return s.ReleasesByArtistCredits(context.Background(), credits)
			},
		},
		{
			name:  "releases via tracks",
			query: "SELECT DISTINCT m.release\\s+FROM track t\\s+JOIN medium m ON m.id = t.medium\\s+WHERE t.artist_credit = ANY",
			call: func(s repository.Snapshot) (*roaring.Bitmap, error) {
				return s.ReleasesByTrackArtistCredits(context.Background(), credits)
			},
		},
		{
			name:  "release groups",
			query: "SELECT id FROM release_group WHERE artist_credit = ANY",
			call: func(s repository.Snapshot) (*roaring.Bitmap, error) {
				return s.ReleaseGroupsByArtistCredits(context.Background(), credits)
			},
		},
		{
			name:  "release groups of releases",
			query: "SELECT DISTINCT release_group FROM release WHERE id = ANY",
			call: func(s repository.Snapshot) (*roaring.Bitmap, error) {
				return s.ReleaseGroupsByReleases(context.Background(), credits)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupStore(t)
			defer mock.Close()

			snap := openSnapshot(t, store, mock)
			expectSavepoint(mock)
			mock.ExpectQuery(tt.query).
				WithArgs([]int32{7, 9}).
				WillReturnRows(idRows(3, 1, 3))
			expectRelease(mock)

			ids, err := tt.call(snap)
			require.NoError(t, err)
			assert.Equal(t, []uint32{1, 3}, ids.ToArray())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSnapshot_EmptyCreditsSkipQuery(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)

	ids, err := snap.RecordingsByArtistCredits(context.Background(), roaring.New())
	require.NoError(t, err)
	assert.True(t, ids.IsEmpty())

	ids, err = snap.ReleaseGroupsByReleases(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ids.IsEmpty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_QueryFailureRollsBackToSavepoint(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)

	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM release_group").
		WithArgs([]int32{1}).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "release_group" does not exist`})
	expectRollbackTo(mock)

	_, err := snap.ReleaseGroupsByArtistCredits(context.Background(), roaring.BitmapOf(1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "ReleaseGroupsByArtistCredits")

	// The snapshot is still usable.
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM recording").WithArgs([]int32{1}).WillReturnRows(idRows(4))
	expectRelease(mock)

	ids, err := snap.RecordingsByArtistCredits(context.Background(), roaring.BitmapOf(1))
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, ids.ToArray())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_ConnectionErrorIsStoreUnavailable(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM recording").
		WithArgs([]int32{1}).
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"})
	expectRollbackTo(mock)

	_, err := snap.RecordingsByArtistCredits(context.Background(), roaring.BitmapOf(1))
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_SavepointFailureIsStoreUnavailable(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	mock.ExpectExec("^SAVEPOINT sir_step").
		WillReturnError(&pgconn.PgError{Code: "25P02", Message: "current transaction is aborted"})

	_, err := snap.RecordingsByArtistCredits(context.Background(), roaring.BitmapOf(1))
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_FailedRollbackToSavepointIsStoreUnavailable(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery("SELECT id FROM release").WithArgs([]int32{1}).WillReturnError(errors.New("syntax error"))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT sir_step").WillReturnError(errors.New("no such savepoint"))

	_, err := snap.ReleasesByArtistCredits(context.Background(), roaring.BitmapOf(1))
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Overrides
// ---------------------------------------------------------------------------

func TestSnapshot_OverrideRecordingIDs_QuotesIdentifiers(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	src := domain.OverrideSource{
		Name:        "lyrics",
		Table:       "musicbrainz.local_recording_lyrics",
		GIDColumn:   "recording_gid",
		ValueColumn: "lyrics_original",
	}

	snap := openSnapshot(t, store, mock)
	expectSavepoint(mock)
	mock.ExpectQuery(`JOIN "musicbrainz"\."local_recording_lyrics" o ON o\."recording_gid" = r\.gid\s+WHERE o\."lyrics_original" IS NOT NULL`).
		WillReturnRows(idRows(11, 12))
	expectRelease(mock)

	ids, err := snap.OverrideRecordingIDs(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []uint32{11, 12}, ids.ToArray())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_OverrideRecordingIDs_RejectsBadIdentifier(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	snap := openSnapshot(t, store, mock)
	_, err := snap.OverrideRecordingIDs(context.Background(), domain.OverrideSource{
		Name: "x", Table: "t; DROP TABLE artist", GIDColumn: "gid", ValueColumn: "v",
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

func TestStore_Documents(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM recording e\s+JOIN artist_credit ac ON ac.id = e.artist_credit\s+WHERE e.id = ANY`).
		WithArgs([]int32{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "gid", "name", "artist_credit"}).
			AddRow(int32(1), "0f1a3b6c-0000-4000-8000-000000000001", "Song A", "Artist X").
			AddRow(int32(2), "0f1a3b6c-0000-4000-8000-000000000002", "Song B", "Artist X feat. Y"))

	docs, err := store.Documents(context.Background(), domain.KindRecording, []uint32{2, 1})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, domain.Document{
		Kind: domain.KindRecording, ID: 1,
		GID: "0f1a3b6c-0000-4000-8000-000000000001", Name: "Song A", ArtistCredit: "Artist X",
	}, docs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Documents_ArtistKindRejected(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	_, err := store.Documents(context.Background(), domain.KindArtist, []uint32{1})
	assert.Error(t, err)
}

func TestStore_Documents_ConnectionError(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("FROM release_group e").WithArgs([]int32{1}).WillReturnError(io.EOF)

	_, err := store.Documents(context.Background(), domain.KindReleaseGroup, []uint32{1})
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestStore_Ping(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing()
	store := NewStore(mock, nil)
	assert.NoError(t, store.Ping(context.Background()))
}
