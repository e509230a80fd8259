package kafka

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const artistGID = "a16d1433-ba89-4f72-a47b-a370add0bb55"

func TestTopic(t *testing.T) {
	assert.Equal(t, "musicbrainz.artist.changed", Topic("artist", ActionChanged))
	assert.Equal(t, "musicbrainz.recording.changed", Topic("recording", ActionChanged))
}

func TestParseTopic(t *testing.T) {
	entity, action, err := ParseTopic("musicbrainz.recording.changed")
	require.NoError(t, err)
	assert.Equal(t, "recording", entity)
	assert.Equal(t, "changed", action)

	for _, bad := range []string{"", "recording.changed", "musicbrainz..changed", "other.artist.changed", "musicbrainz.a.b.c"} {
		_, _, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeChangeEvent(t *testing.T) {
	msg := kafka.Message{
		Topic: "musicbrainz.artist.changed",
		Value: []byte(`{"entity":"artist","gid":"` + artistGID + `","edit_id":912,"changed_at":"2024-03-01T10:00:00Z","correlation_id":"c-1"}`),
	}

	ev, err := DecodeChangeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, "artist", ev.Entity)
	assert.Equal(t, artistGID, ev.GID)
	assert.Equal(t, int64(912), ev.EditID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ev.ChangedAt)
	assert.Equal(t, "c-1", ev.CorrelationID)
}

func TestDecodeChangeEvent_EntityFromTopic(t *testing.T) {
	ev, err := DecodeChangeEvent(kafka.Message{
		Topic: "musicbrainz.recording.changed",
		Value: []byte(`{"gid":"` + artistGID + `"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "recording", ev.Entity)

	_, err = DecodeChangeEvent(kafka.Message{Topic: "changes", Value: []byte(`{"gid":"x"}`)})
	assert.Error(t, err, "entity can be derived from neither payload nor topic")
}

func TestDecodeChangeEvent_Malformed(t *testing.T) {
	_, err := DecodeChangeEvent(kafka.Message{Topic: "musicbrainz.artist.changed", Offset: 17, Value: []byte("{not json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 17")
}

func TestChangeEvent_DedupKey(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	upper := "A16D1433-BA89-4F72-A47B-A370ADD0BB55"

	tests := []struct {
		name string
		ev   ChangeEvent
		want string
	}{
		{"edit id wins", ChangeEvent{Entity: "artist", GID: artistGID, EditID: 7, ChangedAt: at, EventID: "e"}, "artist:" + artistGID + ":edit:7"},
		{"change time", ChangeEvent{Entity: "artist", GID: artistGID, ChangedAt: at}, "artist:" + artistGID + ":at:" + "1709287200000000000"},
		{"event id", ChangeEvent{Entity: "recording", GID: artistGID, EventID: "e-9"}, "recording:" + artistGID + ":event:e-9"},
		{"gid case folded", ChangeEvent{Entity: "artist", GID: upper, EditID: 7}, "artist:" + artistGID + ":edit:7"},
		{"nothing to key on", ChangeEvent{Entity: "artist", GID: artistGID}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.DedupKey())
		})
	}
}

func TestChangeEvent_DedupKey_DistinctEditsOfSameEntity(t *testing.T) {
	first := ChangeEvent{Entity: "artist", GID: artistGID, EditID: 1}
	second := ChangeEvent{Entity: "artist", GID: artistGID, EditID: 2}
	other := ChangeEvent{Entity: "recording", GID: artistGID, EditID: 1}

	assert.NotEqual(t, first.DedupKey(), second.DedupKey())
	assert.NotEqual(t, first.DedupKey(), other.DedupKey())
}
