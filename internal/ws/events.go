package ws

import "encoding/json"

// Event types emitted by the engine.
const (
	EventNewMessage          = "new_message"
	EventMessageStatusUpdate = "message_status_update"
	EventReactionAdded       = "reaction_added"
	EventReactionRemoved     = "reaction_removed"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventConversationDeleted = "conversation_deleted"
	EventTypingIndicator     = "typing_indicator"
	EventRecordingIndicator  = "recording_indicator"
	EventPresenceUpdate      = "presence_update"
	EventNotification        = "notification"
	EventAnalyticsUpdate     = "analytics_update"
)

// Event is one fan-out payload. Delivery is best-effort: there is no
// replay log, clients resync over the REST API.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Encode renders the event for the wire.
func (e Event) Encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"` + e.Type + `"}`)
	}
	return b
}
