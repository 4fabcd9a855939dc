// Package channels defines the transport adapter contract. Four adapters
// implement it: email (Gmail REST, polled), telegrambot (Bot API,
// webhook), telegramuser (MTProto, listener + catch-up poll) and whatsapp
// (Cloud API, webhook). The ingestion scheduler and the outbound
// dispatcher only ever speak this interface.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/almudeerhq/almudeer/internal/store"
)

// ErrNotSupported is returned by adapter methods that have no meaning on
// the transport (e.g. FetchNew on a pure-webhook adapter).
var ErrNotSupported = errors.New("channels: operation not supported on this transport")

// Message is a normalized inbound message: the InboxMessage shape minus
// id and lifecycle status.
type Message struct {
	Channel          string
	ChannelMessageID string
	SenderID         string
	SenderContact    string
	SenderName       string
	Subject          string
	Body             string
	Attachments      []store.Attachment
	ReceivedAt       time.Time

	// Outgoing marks a message we sent from the linked account itself
	// (Gmail self-sent, MTProto event.out). These sync into the outbox
	// view rather than the inbox.
	Outgoing bool
}

// StatusEvent is one delivery receipt extracted from a webhook or a
// receipt poll.
type StatusEvent struct {
	PlatformMessageID string
	RecipientID       string
	Status            string // sent | delivered | read | failed
	At                time.Time
}

// WebhookResult is the parsed form of one webhook payload: new messages
// and/or delivery receipts, in payload order.
type WebhookResult struct {
	Messages []Message
	Statuses []StatusEvent
}

// FetchOptions tunes a poll cycle.
type FetchOptions struct {
	SinceHours int
	Limit      int
	ExcludeIDs []string

	// Backfill marks the license's first poll: the window stretches to
	// backfill_days and only unreplied threads are returned.
	Backfill bool
}

// TransportError is a typed failure from a platform API. Retryable
// failures go back to the task queue; the rest surface to the operator.
type TransportError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Code, e.Err)
	}
	return "transport " + e.Code
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with a code and retry classification.
func NewTransportError(code string, retryable bool, err error) *TransportError {
	return &TransportError{Code: code, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a transport error worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// Adapter is the per-transport contract. Methods that do not apply to a
// transport return ErrNotSupported.
type Adapter interface {
	// Channel returns the channel constant this adapter serves.
	Channel() string

	// FetchNew polls the platform for inbound messages. Poll-based
	// transports only.
	FetchNew(ctx context.Context, cred *store.Credential, opts FetchOptions) ([]Message, error)

	// SendText delivers a text reply and returns the platform's own
	// message id for receipt correlation.
	SendText(ctx context.Context, cred *store.Credential, recipient, text, replyTo string) (string, error)

	// SendMedia uploads and delivers one attachment.
	SendMedia(ctx context.Context, cred *store.Credential, recipient string, att store.Attachment) (string, error)

	// MarkRead flags the peer's messages as read up to a platform id.
	// Best-effort everywhere it is called.
	MarkRead(ctx context.Context, cred *store.Credential, chat, upToID string) error

	// ParseWebhook decodes one push payload. Push-based transports only.
	ParseWebhook(payload []byte) (*WebhookResult, error)

	// PollReceipts resolves delivery status for outstanding platform ids.
	// Only transports without push receipts implement it.
	PollReceipts(ctx context.Context, cred *store.Credential, outstanding []string) (map[string]string, error)
}

// MediaFetcher is implemented by adapters whose webhooks carry platform
// media ids that need a credentialed download after parse. The caller
// owns writing the bytes to disk.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, cred *store.Credential, mediaID string) (data []byte, mime string, err error)
}

// Reactor is implemented by transports that support message reactions.
// Reactions are best-effort everywhere they are used.
type Reactor interface {
	React(ctx context.Context, cred *store.Credential, chat, messageID, emoji string) error
}

// Registry maps channel names to their adapters.
type Registry map[string]Adapter

// For returns the adapter serving a channel, nil when none is wired.
func (r Registry) For(channel string) Adapter { return r[channel] }
