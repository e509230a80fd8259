package domain

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// ReindexSet maps each indexed kind to the set of internal ids that need
// reindexing. Ids are only ever combined by union; kinds with no ids are
// omitted. The zero value is an empty set ready to use.
type ReindexSet struct {
	kinds map[Kind]*roaring.Bitmap
}

// NewReindexSet returns an empty set.
func NewReindexSet() *ReindexSet {
	return &ReindexSet{}
}

// Add unions ids into kind.
func (s *ReindexSet) Add(kind Kind, ids ...uint32) {
	if len(ids) == 0 {
		return
	}
	s.bitmap(kind).AddMany(ids)
}

// AddBitmap unions b into kind.
func (s *ReindexSet) AddBitmap(kind Kind, b *roaring.Bitmap) {
	if b == nil || b.IsEmpty() {
		return
	}
	s.bitmap(kind).Or(b)
}

// Union merges other into s.
func (s *ReindexSet) Union(other *ReindexSet) {
	if other == nil {
		return
	}
	for kind, b := range other.kinds {
		s.AddBitmap(kind, b)
	}
}

func (s *ReindexSet) bitmap(kind Kind) *roaring.Bitmap {
	if s.kinds == nil {
		s.kinds = make(map[Kind]*roaring.Bitmap)
	}
	b, ok := s.kinds[kind]
	if !ok {
		b = roaring.New()
		s.kinds[kind] = b
	}
	return b
}

// Kinds returns the non-empty kinds in a stable order.
func (s *ReindexSet) Kinds() []Kind {
	out := make([]Kind, 0, len(s.kinds))
	for kind, b := range s.kinds {
		if !b.IsEmpty() {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs returns the ids of kind in ascending order.
func (s *ReindexSet) IDs(kind Kind) []uint32 {
	b, ok := s.kinds[kind]
	if !ok {
		return nil
	}
	return b.ToArray()
}

// Bitmap returns a copy of the ids of kind.
func (s *ReindexSet) Bitmap(kind Kind) *roaring.Bitmap {
	b, ok := s.kinds[kind]
	if !ok {
		return roaring.New()
	}
	return b.Clone()
}

// Contains reports whether id is queued for kind.
func (s *ReindexSet) Contains(kind Kind, id uint32) bool {
	b, ok := s.kinds[kind]
	return ok && b.Contains(id)
}

// Len returns the number of ids queued for kind.
func (s *ReindexSet) Len(kind Kind) int {
	b, ok := s.kinds[kind]
	if !ok {
		return 0
	}
	return int(b.GetCardinality())
}

// Total returns the number of ids across all kinds.
func (s *ReindexSet) Total() int {
	var n uint64
	for _, b := range s.kinds {
		n += b.GetCardinality()
	}
	return int(n)
}

// IsEmpty reports whether nothing needs reindexing.
func (s *ReindexSet) IsEmpty() bool {
	return s.Total() == 0
}

// Counts returns the number of ids per non-empty kind.
func (s *ReindexSet) Counts() map[Kind]int {
	out := make(map[Kind]int, len(s.kinds))
	for _, kind := range s.Kinds() {
		out[kind] = s.Len(kind)
	}
	return out
}

// Equal reports whether both sets hold the same ids for every kind.
func (s *ReindexSet) Equal(other *ReindexSet) bool {
	a, b := s.Kinds(), other.Kinds()
	if len(a) != len(b) {
		return false
	}
	for i, kind := range a {
		if b[i] != kind || !s.kinds[kind].Equals(other.kinds[kind]) {
			return false
		}
	}
	return true
}

// Map returns the set as plain sorted id slices keyed by kind.
func (s *ReindexSet) Map() map[Kind][]uint32 {
	out := make(map[Kind][]uint32, len(s.kinds))
	for _, kind := range s.Kinds() {
		out[kind] = s.IDs(kind)
	}
	return out
}
