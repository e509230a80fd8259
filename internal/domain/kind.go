package domain

// Kind names an entity type. Internal ids of different kinds live in
// disjoint id spaces.
type Kind string

const (
	KindArtist       Kind = "artist"
	KindRecording    Kind = "recording"
	KindRelease      Kind = "release"
	KindReleaseGroup Kind = "release-group"
)

// IndexedKinds returns the kinds that have their own search index, in
// resolution order.
func IndexedKinds() []Kind {
	return []Kind{KindRecording, KindRelease, KindReleaseGroup}
}

// IsIndexed reports whether k has a search index.
func (k Kind) IsIndexed() bool {
	switch k {
	case KindRecording, KindRelease, KindReleaseGroup:
		return true
	default:
		return false
	}
}

// Title returns the display name used in user-facing messages.
func (k Kind) Title() string {
	switch k {
	case KindArtist:
		return "Artist"
	case KindRecording:
		return "Recording"
	case KindRelease:
		return "Release"
	case KindReleaseGroup:
		return "Release group"
	default:
		return string(k)
	}
}
