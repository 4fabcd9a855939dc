package telegramuser

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/almudeerhq/almudeer/internal/store"
)

// Login runs the interactive MTProto authentication for one credential.
// The minted session lands in the credential payload through the saver,
// so the listener and the poll adapter can reuse it immediately.
func Login(ctx context.Context, apiID int, apiHash string, saver SessionSaver, cred *store.Credential, flow auth.Flow) (*tg.User, error) {
	storage := &payloadStorage{cred: cred, saver: saver}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: storage,
	})

	var self *tg.User
	err := client.Run(ctx, func(ctx context.Context) error {
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		u, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("fetch self: %w", err)
		}
		self = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return self, nil
}
