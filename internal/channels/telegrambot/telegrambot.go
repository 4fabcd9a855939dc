// Package telegrambot adapts the Telegram Bot API. Inbound traffic is
// webhook-only (Bot API pushes updates); outbound goes through telego.
// Bots cannot mark peer messages read, so MarkRead stays unsupported.
package telegrambot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Credential payload keys.
const (
	keyBotToken    = "bot_token"
	keyBotUsername = "bot_username"
)

// Media over this size is referenced by file id only, never downloaded.
const maxInlineMediaBytes = 5 << 20

// Adapter implements channels.Adapter over the Bot API. Bot clients are
// cached per token; everything else arrives per call.
type Adapter struct {
	channels.Unsupported
	log *slog.Logger

	// The Bot API allows ~30 messages per second per bot; sends queue
	// behind this instead of burning retries on 429s.
	sendLimit *rate.Limiter

	mu   sync.Mutex
	bots map[string]*telego.Bot
}

// New builds the adapter.
func New(log *slog.Logger) *Adapter {
	return &Adapter{
		log:       log.With(logging.Module("telegram_bot")),
		sendLimit: rate.NewLimiter(rate.Every(time.Second/30), 5),
		bots:      make(map[string]*telego.Bot),
	}
}

func (a *Adapter) Channel() string { return store.ChannelTelegramBot }

func (a *Adapter) bot(cred *store.Credential) (*telego.Bot, error) {
	token := cred.Payload[keyBotToken]
	if token == "" {
		return nil, channels.NewTransportError("auth", false,
			fmt.Errorf("credential has no bot token"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := telego.NewBot(token)
	if err != nil {
		return nil, channels.NewTransportError("auth", false, err)
	}
	a.bots[token] = b
	return b, nil
}

// ParseWebhook decodes one Bot API update. Messages from bots are
// dropped; a bot never receives its own outbound messages back, so no
// self check is needed beyond the bot flag.
func (a *Adapter) ParseWebhook(payload []byte) (*channels.WebhookResult, error) {
	var update telego.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return &channels.WebhookResult{}, nil
	}

	out := channels.Message{
		Channel:          store.ChannelTelegramBot,
		ChannelMessageID: strconv.Itoa(msg.MessageID),
		SenderID:         strconv.FormatInt(msg.From.ID, 10),
		SenderContact:    "tg:" + strconv.FormatInt(msg.Chat.ID, 10),
		SenderName:       senderName(msg.From),
		Body:             msg.Text,
		Attachments:      extractAttachments(msg),
		ReceivedAt:       time.Unix(msg.Date, 0).UTC(),
	}
	if out.Body == "" {
		out.Body = msg.Caption
	}
	return &channels.WebhookResult{Messages: []channels.Message{out}}, nil
}

func senderName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

func extractAttachments(msg *telego.Message) []store.Attachment {
	var atts []store.Attachment

	if len(msg.Photo) > 0 {
		// Highest resolution is the last element.
		photo := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, store.Attachment{
			Type:            store.AttachmentImage,
			Mime:            "image/jpeg",
			Size:            int64(photo.FileSize),
			PlatformMediaID: photo.FileID,
		})
	}
	if msg.Voice != nil {
		atts = append(atts, store.Attachment{
			Type:            store.AttachmentVoice,
			Mime:            msg.Voice.MimeType,
			Size:            int64(msg.Voice.FileSize),
			PlatformMediaID: msg.Voice.FileID,
		})
	}
	if msg.Audio != nil {
		atts = append(atts, store.Attachment{
			Type:            store.AttachmentAudio,
			Mime:            msg.Audio.MimeType,
			Size:            int64(msg.Audio.FileSize),
			PlatformMediaID: msg.Audio.FileID,
		})
	}
	if msg.Video != nil {
		atts = append(atts, store.Attachment{
			Type:            store.AttachmentVideo,
			Mime:            msg.Video.MimeType,
			Size:            int64(msg.Video.FileSize),
			PlatformMediaID: msg.Video.FileID,
		})
	}
	if msg.Document != nil {
		atts = append(atts, store.Attachment{
			Type:            store.AttachmentDocument,
			Mime:            msg.Document.MimeType,
			Size:            int64(msg.Document.FileSize),
			PlatformMediaID: msg.Document.FileID,
		})
	}

	for i := range atts {
		if atts[i].Size > maxInlineMediaBytes {
			atts[i].Status = store.MediaSkipped
		}
	}
	return atts
}

// FetchMedia resolves a file id through getFile, then downloads the
// bytes from the file endpoint. Files over the inline cap are refused.
func (a *Adapter) FetchMedia(ctx context.Context, cred *store.Credential, mediaID string) ([]byte, string, error) {
	bot, err := a.bot(cred)
	if err != nil {
		return nil, "", err
	}
	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: mediaID})
	if err != nil {
		return nil, "", channels.NewTransportError("media_resolve", true, err)
	}
	if file.FileSize > maxInlineMediaBytes {
		return nil, "", channels.NewTransportError("media_too_large", false,
			fmt.Errorf("file %s is %d bytes", mediaID, file.FileSize))
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s",
		cred.Payload[keyBotToken], file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", channels.NewTransportError("media_download", true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", channels.NewTransportError("media_download", resp.StatusCode >= 500,
			fmt.Errorf("download %s: status %d", mediaID, resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineMediaBytes+1))
	if err != nil {
		return nil, "", channels.NewTransportError("media_download", true, err)
	}
	return data, "", nil
}

// SendText delivers a text reply, optionally threading it onto the
// message being answered.
func (a *Adapter) SendText(ctx context.Context, cred *store.Credential, recipient, text, replyTo string) (string, error) {
	bot, err := a.bot(cred)
	if err != nil {
		return "", err
	}
	if err := a.sendLimit.Wait(ctx); err != nil {
		return "", err
	}
	chatID, err := parseChat(recipient)
	if err != nil {
		return "", err
	}

	params := tu.Message(chatID, text)
	if id, err := strconv.Atoi(replyTo); err == nil && id > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
	}
	sent, err := bot.SendMessage(ctx, params)
	if err != nil {
		return "", sendError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendMedia uploads one attachment from local disk. Voice notes go out
// as voice messages, everything else by its media kind.
func (a *Adapter) SendMedia(ctx context.Context, cred *store.Credential, recipient string, att store.Attachment) (string, error) {
	bot, err := a.bot(cred)
	if err != nil {
		return "", err
	}
	chatID, err := parseChat(recipient)
	if err != nil {
		return "", err
	}
	if att.Path == "" {
		return "", channels.NewTransportError("media_no_path", false,
			fmt.Errorf("attachment has no local path"))
	}
	if err := a.sendLimit.Wait(ctx); err != nil {
		return "", err
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return "", channels.NewTransportError("media_open", false, err)
	}
	defer f.Close()
	input := tu.File(f)

	var sent *telego.Message
	switch att.Type {
	case store.AttachmentVoice, store.AttachmentAudio:
		sent, err = bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: chatID, Voice: input})
	case store.AttachmentImage:
		sent, err = bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chatID, Photo: input})
	case store.AttachmentVideo:
		sent, err = bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: chatID, Video: input})
	default:
		sent, err = bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chatID, Document: input})
	}
	if err != nil {
		return "", sendError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// React sets an emoji reaction on a peer's message.
func (a *Adapter) React(ctx context.Context, cred *store.Credential, chat, messageID, emoji string) error {
	bot, err := a.bot(cred)
	if err != nil {
		return err
	}
	chatID, err := parseChat(chat)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("reaction target %q is not a message id", messageID)
	}
	return bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    chatID,
		MessageID: msgID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
		},
	})
}

// parseChat accepts a numeric chat id, with or without the tg: alias
// prefix used on stored conversations.
func parseChat(recipient string) (telego.ChatID, error) {
	s := strings.TrimPrefix(recipient, "tg:")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return telego.ChatID{}, channels.NewTransportError("bad_recipient", false,
			fmt.Errorf("recipient %q is not a chat id", recipient))
	}
	return tu.ID(id), nil
}

func sendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") {
		return channels.NewTransportError("rate_limited", true, err)
	}
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") {
		return channels.NewTransportError("auth", false, err)
	}
	return channels.NewTransportError("send", true, err)
}
