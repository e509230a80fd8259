package domain

// Document is the body sent to a search backend for one entity.
type Document struct {
	Kind         Kind   `json:"-"`
	ID           uint32 `json:"id"`
	GID          string `json:"mbid"`
	Name         string `json:"name"`
	ArtistCredit string `json:"artist_credit,omitempty"`
}
