// Package whatsapp adapts the WhatsApp Business Cloud API. Inbound
// traffic arrives over webhooks (messages and delivery statuses in the
// same payload shape); outbound goes through the graph messages
// endpoint. Media referenced by webhooks is fetched with a two-step
// handshake: resolve the media id to a short-lived URL, then download.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Credential payload keys.
const (
	KeyPhoneNumberID = "phone_number_id"
	KeyAccessToken   = "access_token"
	KeyVerifyToken   = "verify_token"
	KeyAppSecret     = "app_secret"
)

const maxMediaBytes = 20 << 20

// Adapter implements channels.Adapter over the Cloud API. It is
// stateless; credentials arrive per call.
type Adapter struct {
	channels.Unsupported
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// New builds the adapter with the production graph endpoint.
func New(log *slog.Logger) *Adapter {
	return &Adapter{
		baseURL: "https://graph.facebook.com/v19.0",
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.With(logging.Module("whatsapp")),
	}
}

func (a *Adapter) Channel() string { return store.ChannelWhatsApp }

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body using the app secret. The header carries "sha256=" + hex digest.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" || header == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake: when the mode is
// "subscribe" and the token matches, the challenge string is echoed back.
func VerifyChallenge(verifyToken, mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		return "", false
	}
	return challenge, true
}

// PhoneNumberID extracts the receiving number's id from a raw webhook
// payload, for resolving which license the event belongs to.
func PhoneNumberID(payload []byte) string {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			var meta struct {
				PhoneNumberID string `json:"phone_number_id"`
			}
			if err := json.Unmarshal(change.Value.Metadata, &meta); err == nil && meta.PhoneNumberID != "" {
				return meta.PhoneNumberID
			}
		}
	}
	return ""
}

// Webhook payload shape, as delivered by Meta.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Contacts []contact       `json:"contacts"`
				Messages []inboundMsg    `json:"messages"`
				Statuses []statusUpdate  `json:"statuses"`
				Metadata json.RawMessage `json:"metadata"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundMsg struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *struct { // nil unless type == "text"
		Body string `json:"body"`
	} `json:"text"`
	Image    *mediaRef `json:"image"`
	Audio    *mediaRef `json:"audio"`
	Video    *mediaRef `json:"video"`
	Document *mediaRef `json:"document"`
	Sticker  *mediaRef `json:"sticker"`
}

type statusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseWebhook walks entry → changes → value and emits normalized
// messages and status events in payload order. Attachments carry only
// the platform media id; FetchMedia resolves the bytes afterwards.
func (a *Adapter) ParseWebhook(payload []byte) (*channels.WebhookResult, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}

	res := &channels.WebhookResult{}
	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				res.Messages = append(res.Messages, normalize(m, names[m.From]))
			}
			for _, s := range change.Value.Statuses {
				res.Statuses = append(res.Statuses, channels.StatusEvent{
					PlatformMessageID: s.ID,
					RecipientID:       s.RecipientID,
					Status:            s.Status,
					At:                unixTime(s.Timestamp),
				})
			}
		}
	}
	return res, nil
}

func normalize(m inboundMsg, senderName string) channels.Message {
	msg := channels.Message{
		Channel:          store.ChannelWhatsApp,
		ChannelMessageID: m.ID,
		SenderID:         m.From,
		SenderContact:    m.From,
		SenderName:       senderName,
		ReceivedAt:       unixTime(m.Timestamp),
	}
	if m.Text != nil {
		msg.Body = m.Text.Body
	}

	addMedia := func(ref *mediaRef, kind string) {
		if ref == nil {
			return
		}
		msg.Attachments = append(msg.Attachments, store.Attachment{
			Type:            kind,
			Mime:            ref.MimeType,
			PlatformMediaID: ref.ID,
		})
		if msg.Body == "" && ref.Caption != "" {
			msg.Body = ref.Caption
		}
	}
	addMedia(m.Image, store.AttachmentImage)
	addMedia(m.Sticker, store.AttachmentImage)
	addMedia(m.Audio, store.AttachmentVoice)
	addMedia(m.Video, store.AttachmentVideo)
	addMedia(m.Document, store.AttachmentDocument)
	return msg
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// FetchMedia resolves a media id to its download URL, then fetches the
// bytes. Both requests carry the bearer token.
func (a *Adapter) FetchMedia(ctx context.Context, cred *store.Credential, mediaID string) ([]byte, string, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
	}
	if err := a.getJSON(ctx, cred, a.baseURL+"/"+mediaID, &meta); err != nil {
		return nil, "", err
	}
	if meta.FileSize > maxMediaBytes {
		return nil, meta.MimeType, channels.NewTransportError("media_too_large", false,
			fmt.Errorf("media %s is %d bytes", mediaID, meta.FileSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Payload[KeyAccessToken])
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, "", channels.NewTransportError("media_download", true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", apiError("media_download", resp.StatusCode, nil)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", channels.NewTransportError("media_download", true, err)
	}
	return data, meta.MimeType, nil
}

// SendText posts a text message through the graph endpoint and returns
// the platform message id for receipt correlation.
func (a *Adapter) SendText(ctx context.Context, cred *store.Credential, recipient, text, replyTo string) (string, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	if replyTo != "" {
		body["context"] = map[string]any{"message_id": replyTo}
	}
	return a.postMessage(ctx, cred, body)
}

// SendMedia delivers one attachment by link. Audio suppresses captions
// on the platform side, so none is attached.
func (a *Adapter) SendMedia(ctx context.Context, cred *store.Credential, recipient string, att store.Attachment) (string, error) {
	if att.URL == "" {
		return "", channels.NewTransportError("media_no_url", false,
			fmt.Errorf("attachment has no public url"))
	}
	kind := graphMediaType(att.Type)
	media := map[string]any{"link": att.URL}
	if kind == "document" && att.Path != "" {
		media["filename"] = att.Path
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              kind,
		kind:                media,
	}
	return a.postMessage(ctx, cred, body)
}

func graphMediaType(t string) string {
	switch t {
	case store.AttachmentImage:
		return "image"
	case store.AttachmentVoice, store.AttachmentAudio:
		return "audio"
	case store.AttachmentVideo:
		return "video"
	default:
		return "document"
	}
}

// MarkRead flags one inbound message as read.
func (a *Adapter) MarkRead(ctx context.Context, cred *store.Credential, _ string, upToID string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        upToID,
	}
	_, err := a.postMessage(ctx, cred, body)
	return err
}

// React sends an emoji reaction to a peer's message.
func (a *Adapter) React(ctx context.Context, cred *store.Credential, recipient, messageID, emoji string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "reaction",
		"reaction":          map[string]any{"message_id": messageID, "emoji": emoji},
	}
	_, err := a.postMessage(ctx, cred, body)
	return err
}

func (a *Adapter) postMessage(ctx context.Context, cred *store.Credential, body map[string]any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/%s/messages", a.baseURL, cred.Payload[KeyPhoneNumberID])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Payload[KeyAccessToken])
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", channels.NewTransportError("send", true, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", apiError("send", resp.StatusCode, respBody)
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func (a *Adapter) getJSON(ctx context.Context, cred *store.Credential, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Payload[KeyAccessToken])
	resp, err := a.httpc.Do(req)
	if err != nil {
		return channels.NewTransportError("api", true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("api", resp.StatusCode, nil)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func apiError(op string, status int, body []byte) error {
	err := fmt.Errorf("whatsapp %s: status %d", op, status)
	if len(body) > 0 {
		err = fmt.Errorf("whatsapp %s: status %d: %s", op, status, strings.TrimSpace(string(body)))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return channels.NewTransportError("auth", false, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return channels.NewTransportError(op, true, err)
	default:
		return channels.NewTransportError(op, false, err)
	}
}
