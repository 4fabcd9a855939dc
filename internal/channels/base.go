package channels

import (
	"context"

	"github.com/almudeerhq/almudeer/internal/store"
)

// Unsupported is an embeddable default implementation: every method
// reports ErrNotSupported. Adapters embed it and override the operations
// their transport actually has.
type Unsupported struct{}

func (Unsupported) FetchNew(context.Context, *store.Credential, FetchOptions) ([]Message, error) {
	return nil, ErrNotSupported
}

func (Unsupported) SendText(context.Context, *store.Credential, string, string, string) (string, error) {
	return "", ErrNotSupported
}

func (Unsupported) SendMedia(context.Context, *store.Credential, string, store.Attachment) (string, error) {
	return "", ErrNotSupported
}

func (Unsupported) MarkRead(context.Context, *store.Credential, string, string) error {
	return ErrNotSupported
}

func (Unsupported) ParseWebhook([]byte) (*WebhookResult, error) {
	return nil, ErrNotSupported
}

func (Unsupported) PollReceipts(context.Context, *store.Credential, []string) (map[string]string, error) {
	return nil, ErrNotSupported
}
