package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicPrefix is the prefix of the MusicBrainz change-event topics.
const TopicPrefix = "musicbrainz"

// ActionChanged is the action of topics carrying edits to an entity.
const ActionChanged = "changed"

// Topic constructs a fully-qualified topic name, e.g. "musicbrainz.artist.changed".
func Topic(entity, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, entity, action)
}

// ParseTopic splits a "musicbrainz.<entity>.<action>" topic.
func ParseTopic(topic string) (entity, action string, err error) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("topic %q is not %s.<entity>.<action>", topic, TopicPrefix)
	}
	return parts[1], parts[2], nil
}

// ChangeEvent is the value of a message published after an edit touched
// a MusicBrainz entity.
type ChangeEvent struct {
	EventID       string    `json:"event_id,omitempty"`
	Entity        string    `json:"entity"`
	GID           string    `json:"gid" validate:"required,gid"`
	EditID        int64     `json:"edit_id,omitempty"`
	ChangedAt     time.Time `json:"changed_at,omitzero"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// DecodeChangeEvent decodes msg's value. When the payload omits the entity
// it is taken from the topic.
func DecodeChangeEvent(msg kafka.Message) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return nil, fmt.Errorf("decode change event at offset %d: %w", msg.Offset, err)
	}
	if ev.Entity == "" {
		entity, _, err := ParseTopic(msg.Topic)
		if err != nil {
			return nil, err
		}
		ev.Entity = entity
	}
	return &ev, nil
}

// DedupKey identifies one edit of one entity. Redeliveries of the same edit
// share a key; a later edit of the same entity does not. It is empty when
// nothing in the event identifies the edit.
func (e *ChangeEvent) DedupKey() string {
	gid := strings.ToLower(e.GID)
	switch {
	case e.EditID > 0:
		return e.Entity + ":" + gid + ":edit:" + strconv.FormatInt(e.EditID, 10)
	case !e.ChangedAt.IsZero():
		return e.Entity + ":" + gid + ":at:" + strconv.FormatInt(e.ChangedAt.UnixNano(), 10)
	case e.EventID != "":
		return e.Entity + ":" + gid + ":event:" + e.EventID
	default:
		return ""
	}
}
