// Package telegramuser adapts a linked Telegram user account over
// MTProto. A singleton listener keeps live connections per license and
// streams new-message events; the adapter itself covers the catch-up
// poll, sends, read marks and receipt polling with short-lived clients.
package telegramuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Credential payload keys.
const (
	keySessionString = "session_string"
	keyUserID        = "user_id"
	keyPhone         = "phone"
)

const dialogScanLimit = 100

// Adapter implements channels.Adapter over MTProto. Operations dial a
// short-lived client per call; the long-lived connection lives in the
// Listener.
type Adapter struct {
	channels.Unsupported
	apiID   int
	apiHash string
	saver   SessionSaver
	log     *slog.Logger

	mu     sync.Mutex
	hashes map[string]int64 // "licenseID/userID" → access hash
}

// New builds the adapter with the app's api_id/api_hash pair.
func New(log *slog.Logger, apiID int, apiHash string, saver SessionSaver) *Adapter {
	return &Adapter{
		apiID:   apiID,
		apiHash: apiHash,
		saver:   saver,
		log:     log.With(logging.Module("telegram_user")),
		hashes:  make(map[string]int64),
	}
}

func (a *Adapter) Channel() string { return store.ChannelTelegramUser }

// run dials, authenticates from the stored session and executes fn. An
// unauthorized session surfaces as a non-retryable auth error so the
// credential gets deactivated.
func (a *Adapter) run(ctx context.Context, cred *store.Credential, fn func(ctx context.Context, api *tg.Client) error) error {
	storage := &payloadStorage{cred: cred, saver: a.saver}
	client := telegram.NewClient(a.apiID, a.apiHash, telegram.Options{
		SessionStorage: storage,
	})
	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return channels.NewTransportError("api", true, err)
		}
		if !status.Authorized {
			return channels.NewTransportError("auth", false,
				fmt.Errorf("telegram session is not authorized"))
		}
		return fn(ctx, client.API())
	})
	var te *channels.TransportError
	if err != nil && !errors.As(err, &te) {
		return channels.NewTransportError("api", true, err)
	}
	return err
}

// FetchNew is the catch-up path: scan recent dialogs and pull unread
// history for peers with pending messages. The live listener covers the
// steady state; this covers restarts and licenses without a listener.
func (a *Adapter) FetchNew(ctx context.Context, cred *store.Credential, opts channels.FetchOptions) ([]channels.Message, error) {
	since := time.Now().Add(-time.Duration(opts.SinceHours) * time.Hour)
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	exclude := make(map[string]struct{}, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	var out []channels.Message
	err := a.run(ctx, cred, func(ctx context.Context, api *tg.Client) error {
		dialogs, users, err := a.getDialogs(ctx, api, cred.LicenseID)
		if err != nil {
			return err
		}
		for _, d := range dialogs {
			peer, ok := d.Peer.(*tg.PeerUser)
			if !ok || d.UnreadCount == 0 {
				continue
			}
			user := users[peer.UserID]
			if user == nil || isBot(user) {
				continue
			}

			histLimit := d.UnreadCount
			if histLimit > 20 {
				histLimit = 20
			}
			history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:  &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash},
				Limit: histLimit,
			})
			if err != nil {
				a.log.Warn("history fetch failed", "peer", user.ID, logging.Err(err))
				continue
			}
			for _, raw := range historyMessages(history) {
				msg, ok := raw.(*tg.Message)
				if !ok || msg.Out {
					continue
				}
				at := time.Unix(int64(msg.Date), 0).UTC()
				if at.Before(since) {
					continue
				}
				norm := normalizeMessage(msg, user)
				if _, known := exclude[norm.ChannelMessageID]; known {
					continue
				}
				out = append(out, norm)
				if len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// SendText resolves the peer and sends, returning the new message id.
func (a *Adapter) SendText(ctx context.Context, cred *store.Credential, recipient, text, _ string) (string, error) {
	var platformID string
	err := a.run(ctx, cred, func(ctx context.Context, api *tg.Client) error {
		peer, err := a.resolvePeer(ctx, api, cred.LicenseID, recipient)
		if err != nil {
			return err
		}
		updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: rand.Int64(),
		})
		if err != nil {
			return channels.NewTransportError("send", true, err)
		}
		platformID = sentMessageID(updates)
		return nil
	})
	return platformID, err
}

// MarkRead acknowledges the peer's history up to a message id.
func (a *Adapter) MarkRead(ctx context.Context, cred *store.Credential, chat, upToID string) error {
	maxID, _ := strconv.Atoi(upToID)
	return a.run(ctx, cred, func(ctx context.Context, api *tg.Client) error {
		peer, err := a.resolvePeer(ctx, api, cred.LicenseID, chat)
		if err != nil {
			return err
		}
		_, err = api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer:  peer,
			MaxID: maxID,
		})
		if err != nil {
			return channels.NewTransportError("mark_read", true, err)
		}
		return nil
	})
}

// PollReceipts resolves read receipts from each dialog's
// read_outbox_max_id. Outstanding entries are "peerID:messageID"; the
// result maps the ones confirmed read.
func (a *Adapter) PollReceipts(ctx context.Context, cred *store.Credential, outstanding []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(outstanding) == 0 {
		return result, nil
	}
	err := a.run(ctx, cred, func(ctx context.Context, api *tg.Client) error {
		dialogs, _, err := a.getDialogs(ctx, api, cred.LicenseID)
		if err != nil {
			return err
		}
		readMax := make(map[int64]int, len(dialogs))
		for _, d := range dialogs {
			if peer, ok := d.Peer.(*tg.PeerUser); ok {
				readMax[peer.UserID] = d.ReadOutboxMaxID
			}
		}
		for _, key := range outstanding {
			peerID, msgID, ok := SplitReceiptKey(key)
			if !ok {
				continue
			}
			if max, seen := readMax[peerID]; seen && msgID <= max {
				result[key] = store.DeliveryRead
			}
		}
		return nil
	})
	return result, err
}

// ReceiptKey builds the outstanding-id form PollReceipts consumes.
func ReceiptKey(peerID int64, messageID int) string {
	return strconv.FormatInt(peerID, 10) + ":" + strconv.Itoa(messageID)
}

// SplitReceiptKey is the inverse of ReceiptKey.
func SplitReceiptKey(key string) (peerID int64, msgID int, ok bool) {
	peerStr, msgStr, found := strings.Cut(key, ":")
	if !found {
		return 0, 0, false
	}
	peerID, err := strconv.ParseInt(peerStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	msgID, err = strconv.Atoi(msgStr)
	if err != nil {
		return 0, 0, false
	}
	return peerID, msgID, true
}

// resolvePeer turns a stored recipient identifier into an input peer.
// Fallback chain: cached access hash, username resolve, phone resolve,
// stored inbox alias, full dialog scan with cache update.
func (a *Adapter) resolvePeer(ctx context.Context, api *tg.Client, licenseID, recipient string) (tg.InputPeerClass, error) {
	id := strings.TrimPrefix(recipient, "tg:")

	if userID, err := strconv.ParseInt(id, 10, 64); err == nil {
		if hash, ok := a.cachedHash(licenseID, userID); ok {
			return &tg.InputPeerUser{UserID: userID, AccessHash: hash}, nil
		}
		return a.scanDialogsFor(ctx, api, licenseID, func(u *tg.User) bool {
			return u.ID == userID
		})
	}

	if username, ok := strings.CutPrefix(id, "@"); ok || !strings.HasPrefix(id, "+") {
		if !ok {
			username = id
		}
		resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: username,
		})
		if err == nil {
			if peer := firstUserPeer(resolved.Users, a, licenseID); peer != nil {
				return peer, nil
			}
		}
		if userID, ok := a.aliasUserID(ctx, licenseID, "@"+username, username); ok {
			if hash, ok := a.cachedHash(licenseID, userID); ok {
				return &tg.InputPeerUser{UserID: userID, AccessHash: hash}, nil
			}
			return a.scanDialogsFor(ctx, api, licenseID, func(u *tg.User) bool {
				return u.ID == userID || strings.EqualFold(u.Username, username)
			})
		}
		return a.scanDialogsFor(ctx, api, licenseID, func(u *tg.User) bool {
			return strings.EqualFold(u.Username, username)
		})
	}

	phone := strings.TrimPrefix(id, "+")
	resolved, err := api.ContactsResolvePhone(ctx, phone)
	if err == nil {
		if peer := firstUserPeer(resolved.Users, a, licenseID); peer != nil {
			return peer, nil
		}
	}
	if userID, ok := a.aliasUserID(ctx, licenseID, "+"+phone, phone); ok {
		if hash, ok := a.cachedHash(licenseID, userID); ok {
			return &tg.InputPeerUser{UserID: userID, AccessHash: hash}, nil
		}
		return a.scanDialogsFor(ctx, api, licenseID, func(u *tg.User) bool {
			return u.ID == userID || u.Phone == phone
		})
	}
	return a.scanDialogsFor(ctx, api, licenseID, func(u *tg.User) bool {
		return u.Phone == phone
	})
}

// aliasDirectory is the optional lookup from a stored contact alias to
// the numeric telegram id the inbox has already recorded for it. The
// store satisfies it; a saver that only persists sessions skips the step.
type aliasDirectory interface {
	AliasPairs(ctx context.Context, licenseID string, identifiers []string) ([]store.AliasPair, error)
}

func (a *Adapter) aliasUserID(ctx context.Context, licenseID string, identifiers ...string) (int64, bool) {
	dir, ok := a.saver.(aliasDirectory)
	if !ok {
		return 0, false
	}
	pairs, err := dir.AliasPairs(ctx, licenseID, identifiers)
	if err != nil {
		a.log.Warn("alias lookup failed", logging.Err(err))
		return 0, false
	}
	for _, p := range pairs {
		if id, err := strconv.ParseInt(p.SenderID, 10, 64); err == nil && id != 0 {
			return id, true
		}
	}
	return 0, false
}

func firstUserPeer(users []tg.UserClass, a *Adapter, licenseID string) tg.InputPeerClass {
	for _, raw := range users {
		if u, ok := raw.(*tg.User); ok {
			a.saveHash(licenseID, u.ID, u.AccessHash)
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	}
	return nil
}

func (a *Adapter) scanDialogsFor(ctx context.Context, api *tg.Client, licenseID string, match func(*tg.User) bool) (tg.InputPeerClass, error) {
	_, users, err := a.getDialogs(ctx, api, licenseID)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if match(u) {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, nil
		}
	}
	return nil, channels.NewTransportError("peer_not_found", false,
		fmt.Errorf("no reachable peer for recipient"))
}

// getDialogs fetches the recent dialog list and refreshes the access
// hash cache from the user entities riding along.
func (a *Adapter) getDialogs(ctx context.Context, api *tg.Client, licenseID string) ([]*tg.Dialog, map[int64]*tg.User, error) {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogScanLimit,
	})
	if err != nil {
		return nil, nil, channels.NewTransportError("dialogs", true, err)
	}

	var (
		rawDialogs []tg.DialogClass
		rawUsers   []tg.UserClass
	)
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		rawDialogs, rawUsers = v.Dialogs, v.Users
	case *tg.MessagesDialogsSlice:
		rawDialogs, rawUsers = v.Dialogs, v.Users
	default:
		return nil, nil, fmt.Errorf("unexpected dialogs response %T", res)
	}

	users := make(map[int64]*tg.User, len(rawUsers))
	for _, raw := range rawUsers {
		if u, ok := raw.(*tg.User); ok {
			users[u.ID] = u
			a.saveHash(licenseID, u.ID, u.AccessHash)
		}
	}
	dialogs := make([]*tg.Dialog, 0, len(rawDialogs))
	for _, raw := range rawDialogs {
		if d, ok := raw.(*tg.Dialog); ok {
			dialogs = append(dialogs, d)
		}
	}
	return dialogs, users, nil
}

// historyMessages unwraps the concrete history containers into the
// shared message list.
func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

func (a *Adapter) cachedHash(licenseID string, userID int64) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[hashKey(licenseID, userID)]
	return h, ok
}

func (a *Adapter) saveHash(licenseID string, userID, hash int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[hashKey(licenseID, userID)] = hash
}

func hashKey(licenseID string, userID int64) string {
	return licenseID + "/" + strconv.FormatInt(userID, 10)
}

// isBot filters user-account bots: the bot flag, or a username with the
// conventional suffix.
func isBot(u *tg.User) bool {
	return u.Bot || strings.HasSuffix(strings.ToLower(u.Username), "bot")
}

func normalizeMessage(msg *tg.Message, from *tg.User) channels.Message {
	contact := "tg:" + strconv.FormatInt(from.ID, 10)
	if from.Phone != "" {
		contact = "+" + from.Phone
	}
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.Username
	}
	return channels.Message{
		Channel:          store.ChannelTelegramUser,
		ChannelMessageID: strconv.Itoa(msg.ID),
		SenderID:         strconv.FormatInt(from.ID, 10),
		SenderContact:    contact,
		SenderName:       name,
		Body:             msg.Message,
		Attachments:      extractMedia(msg.Media),
		ReceivedAt:       time.Unix(int64(msg.Date), 0).UTC(),
		Outgoing:         msg.Out,
	}
}

// extractMedia captures attachment metadata. MTProto media bytes are
// not pulled inline; the preview glyphs and analysis only need the kind.
func extractMedia(media tg.MessageMediaClass) []store.Attachment {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		return []store.Attachment{{Type: store.AttachmentImage, Mime: "image/jpeg"}}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		att := store.Attachment{
			Type: store.AttachmentDocument,
			Mime: doc.MimeType,
			Size: doc.Size,
		}
		for _, attr := range doc.Attributes {
			switch v := attr.(type) {
			case *tg.DocumentAttributeAudio:
				if v.Voice {
					att.Type = store.AttachmentVoice
				} else {
					att.Type = store.AttachmentAudio
				}
			case *tg.DocumentAttributeVideo:
				att.Type = store.AttachmentVideo
			}
		}
		return []store.Attachment{att}
	default:
		return nil
	}
}

func sentMessageID(u tg.UpdatesClass) string {
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return strconv.Itoa(v.ID)
	case *tg.Updates:
		for _, upd := range v.Updates {
			if m, ok := upd.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	}
	return ""
}
