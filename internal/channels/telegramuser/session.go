package telegramuser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	tdsession "github.com/gotd/td/session"

	"github.com/almudeerhq/almudeer/internal/store"
)

// SessionSaver persists a re-negotiated MTProto session back onto the
// credential. Satisfied by *store.DB.
type SessionSaver interface {
	UpdateCredentialPayload(ctx context.Context, id int64, payload map[string]string) error
}

// payloadStorage implements tdsession.Storage over the credential's
// session_string field (base64 of the gotd session blob). Saves go back
// through the credential store so a key rotation survives restarts.
type payloadStorage struct {
	cred  *store.Credential
	saver SessionSaver
	mu    sync.Mutex
}

var _ tdsession.Storage = (*payloadStorage)(nil)

func (s *payloadStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	encoded := s.cred.Payload[keySessionString]
	if encoded == "" {
		return nil, tdsession.ErrNotFound
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session string: %w", err)
	}
	return data, nil
}

func (s *payloadStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.Payload[keySessionString] = base64.StdEncoding.EncodeToString(data)
	if s.saver == nil {
		return nil
	}
	return s.saver.UpdateCredentialPayload(ctx, s.cred.ID, s.cred.Payload)
}
