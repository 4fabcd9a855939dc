package queue

import (
	"encoding/json"
	"fmt"

	"github.com/almudeerhq/almudeer/internal/store"
)

// AnalyzePayload drives an analyze_message task.
type AnalyzePayload struct {
	MessageID   int64              `json:"message_id"`
	LicenseID   string             `json:"license_id"`
	Body        string             `json:"body"`
	AutoReply   bool               `json:"auto_reply"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

// SendOutboxPayload drives a send_outbox task.
type SendOutboxPayload struct {
	OutboxID  int64  `json:"outbox_id"`
	LicenseID string `json:"license_id"`
}

// DecodePayload unmarshals a task payload into dst with a useful error.
func DecodePayload(task *store.Task, dst any) error {
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload of task %d: %w", task.Type, task.ID, err)
	}
	return nil
}
