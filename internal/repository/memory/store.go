package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/repository"
)

type release struct {
	credit uint32
	group  uint32
}

type track struct {
	release uint32
	credit  uint32
}

// Store is an in-memory EntityStore. Reads lock per query, so a snapshot
// only sees a consistent state when nothing writes during resolution.
type Store struct {
	mu sync.RWMutex

	gids          map[domain.Kind]map[uuid.UUID]uint32
	docs          map[domain.Kind]map[uint32]domain.Document
	artistCredits map[uint32]*roaring.Bitmap
	recordings    map[uint32]uint32
	releases      map[uint32]release
	tracks        []track
	releaseGroups map[uint32]uint32
	overrides     map[string]map[uuid.UUID]bool

	failures map[string]error
	pingErr  error
}

var (
	_ repository.EntityStore    = (*Store)(nil)
	_ repository.DocumentLoader = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		gids:          make(map[domain.Kind]map[uuid.UUID]uint32),
		docs:          make(map[domain.Kind]map[uint32]domain.Document),
		artistCredits: make(map[uint32]*roaring.Bitmap),
		recordings:    make(map[uint32]uint32),
		releases:      make(map[uint32]release),
		releaseGroups: make(map[uint32]uint32),
		overrides:     make(map[string]map[uuid.UUID]bool),
		failures:      make(map[string]error),
	}
}

func (s *Store) addEntity(kind domain.Kind, id uint32, gid uuid.UUID, name string) {
	if s.gids[kind] == nil {
		s.gids[kind] = make(map[uuid.UUID]uint32)
		s.docs[kind] = make(map[uint32]domain.Document)
	}
	s.gids[kind][gid] = id
	s.docs[kind][id] = domain.Document{Kind: kind, ID: id, GID: gid.String(), Name: name}
}

// AddArtist adds an artist named in each of credits.
func (s *Store) AddArtist(id uint32, gid uuid.UUID, credits ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addEntity(domain.KindArtist, id, gid, "")
	b, ok := s.artistCredits[id]
	if !ok {
		b = roaring.New()
		s.artistCredits[id] = b
	}
	b.AddMany(credits)
}

// AddRecording adds a recording credited to credit.
func (s *Store) AddRecording(id uint32, gid uuid.UUID, credit uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addEntity(domain.KindRecording, id, gid, name)
	s.recordings[id] = credit
}

// AddRelease adds a release credited to credit and belonging to group.
func (s *Store) AddRelease(id uint32, gid uuid.UUID, credit, group uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addEntity(domain.KindRelease, id, gid, name)
	s.releases[id] = release{credit: credit, group: group}
}

// AddTrack adds a track on one of rel's mediums credited to credit.
func (s *Store) AddTrack(rel, credit uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracks = append(s.tracks, track{release: rel, credit: credit})
}

// AddReleaseGroup adds a release group credited to credit.
func (s *Store) AddReleaseGroup(id uint32, gid uuid.UUID, credit uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addEntity(domain.KindReleaseGroup, id, gid, name)
	s.releaseGroups[id] = credit
}

// SetOverride records a row in the named override source. hasValue false
// stores a row whose value column is null.
func (s *Store) SetOverride(source string, gid uuid.UUID, hasValue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overrides[source] == nil {
		s.overrides[source] = make(map[uuid.UUID]bool)
	}
	s.overrides[source][gid] = hasValue
}

// FailOn makes the named operation return err. Operation names match the
// Snapshot method names; override sources use "OverrideRecordingIDs.<name>"
// and opening a snapshot uses "Snapshot".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = err
}

// SetPingError makes Ping return err.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingErr = err
}

func (s *Store) failure(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.failures[op]
}

// Ping returns the configured ping error.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pingErr
}

// Snapshot returns a view over the store.
func (s *Store) Snapshot(ctx context.Context) (repository.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.failure("Snapshot"); err != nil {
		return nil, err
	}
	return &snapshot{store: s}, nil
}

// Documents returns the stored documents for ids. Unknown ids are skipped.
func (s *Store) Documents(_ context.Context, kind domain.Kind, ids []uint32) ([]domain.Document, error) {
	if err := s.failure("Documents"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[kind][id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

type snapshot struct {
	store  *Store
	closed bool
}

func (s *snapshot) begin(ctx context.Context, op string) error {
	if s.closed {
		return fmt.Errorf("%s: snapshot closed", op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.failure(op)
}

func (s *snapshot) EntityID(ctx context.Context, kind domain.Kind, gid uuid.UUID) (uint32, error) {
	if err := s.begin(ctx, "EntityID"); err != nil {
		return 0, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	id, ok := s.store.gids[kind][gid]
	if !ok {
		return 0, domain.Seed{Kind: kind, GID: gid}.NotFound()
	}
	return id, nil
}

func (s *snapshot) ArtistCreditIDs(ctx context.Context, artistID uint32) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "ArtistCreditIDs"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	if b, ok := s.store.artistCredits[artistID]; ok {
		return b.Clone(), nil
	}
	return roaring.New(), nil
}

// matching returns the keys of m whose value is in set.
func matching(m map[uint32]uint32, set *roaring.Bitmap) *roaring.Bitmap {
	out := roaring.New()
	if set == nil {
		return out
	}
	for id, v := range m {
		if set.Contains(v) {
			out.Add(id)
		}
	}
	return out
}

func (s *snapshot) RecordingsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "RecordingsByArtistCredits"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	return matching(s.store.recordings, credits), nil
}

func (s *snapshot) ReleasesByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "ReleasesByArtistCredits"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	out := roaring.New()
	if credits == nil {
		return out, nil
	}
	for id, r := range s.store.releases {
		if credits.Contains(r.credit) {
			out.Add(id)
		}
	}
	return out, nil
}

func (s *snapshot) ReleasesByTrackArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "ReleasesByTrackArtistCredits"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	out := roaring.New()
	if credits == nil {
		return out, nil
	}
	for _, t := range s.store.tracks {
		if credits.Contains(t.credit) {
			out.Add(t.release)
		}
	}
	return out, nil
}

func (s *snapshot) ReleaseGroupsByArtistCredits(ctx context.Context, credits *roaring.Bitmap) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "ReleaseGroupsByArtistCredits"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	return matching(s.store.releaseGroups, credits), nil
}

func (s *snapshot) ReleaseGroupsByReleases(ctx context.Context, releases *roaring.Bitmap) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "ReleaseGroupsByReleases"); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	out := roaring.New()
	if releases == nil {
		return out, nil
	}
	it := releases.Iterator()
	for it.HasNext() {
		if r, ok := s.store.releases[it.Next()]; ok {
			out.Add(r.group)
		}
	}
	return out, nil
}

func (s *snapshot) OverrideRecordingIDs(ctx context.Context, src domain.OverrideSource) (*roaring.Bitmap, error) {
	if err := s.begin(ctx, "OverrideRecordingIDs."+src.Name); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	out := roaring.New()
	for gid, hasValue := range s.store.overrides[src.Name] {
		if !hasValue {
			continue
		}
		if id, ok := s.store.gids[domain.KindRecording][gid]; ok {
			out.Add(id)
		}
	}
	return out, nil
}

func (s *snapshot) Close(_ context.Context) error {
	s.closed = true
	return nil
}
