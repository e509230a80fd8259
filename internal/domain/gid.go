package domain

import (
	"github.com/google/uuid"

	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

// InvalidUUIDMessage is the message returned for a malformed GID.
const InvalidUUIDMessage = "Invalid UUID"

// ParseGID parses a textual GID. Every form google/uuid accepts is allowed;
// the result is always rendered in canonical lower-case hyphenated form.
func ParseGID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperrors.InvalidIdentifier(InvalidUUIDMessage)
	}
	return id, nil
}

// Seed is the entity a reindex starts from.
type Seed struct {
	Kind Kind
	GID  uuid.UUID
}

// NewSeed validates gid and returns a seed of the given kind.
func NewSeed(kind Kind, gid string) (Seed, error) {
	id, err := ParseGID(gid)
	if err != nil {
		return Seed{}, err
	}
	return Seed{Kind: kind, GID: id}, nil
}

// NotFound returns the error for a seed with no matching row.
func (s Seed) NotFound() error {
	return apperrors.NotFound(s.Kind.Title(), s.GID.String())
}
