// Package email adapts the Gmail REST API. It is a polled transport:
// FetchNew drives ingestion, replies go out as RFC 5322 envelopes with
// threading headers preserved, and there are no webhooks or delivery
// receipts. Messages sent from the linked mailbox itself surface as
// outbound sync events rather than inbound mail.
package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Credential payload keys.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyClientID     = "client_id"
	keyClientSecret = "client_secret"
	keyEmailAddress = "email_address"
)

const (
	maxAttachmentBytes = 20 << 20
	maxPreviewBytes    = 200 << 10
	defaultFetchLimit  = 50
)

// Adapter implements channels.Adapter over Gmail.
type Adapter struct {
	channels.Unsupported
	client    *gmailClient
	uploadDir string
	log       *slog.Logger
}

// New builds the adapter. Downloaded attachments land under
// uploadDir/email; tokens refreshed mid-call are persisted through the
// token store.
func New(log *slog.Logger, tokens TokenStore, uploadDir string) *Adapter {
	return &Adapter{
		client:    newGmailClient(tokens),
		uploadDir: uploadDir,
		log:       log.With(logging.Module("email")),
	}
}

func (a *Adapter) Channel() string { return store.ChannelEmail }

// Gmail wire shapes, reduced to the fields we read.
type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	InternalDate string    `json:"internalDate"`
	Snippet      string    `json:"snippet"`
	Payload      *mimePart `json:"payload"`
}

type mimePart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Size         int64  `json:"size"`
		Data         string `json:"data"`
		AttachmentID string `json:"attachmentId"`
	} `json:"body"`
	Parts []*mimePart `json:"parts"`
}

func (m *gmailMessage) header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// FetchNew polls for mail received inside the window. In backfill mode
// only threads whose latest message is not ours are returned.
func (a *Adapter) FetchNew(ctx context.Context, cred *store.Credential, opts channels.FetchOptions) ([]channels.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	since := time.Now().Add(-time.Duration(opts.SinceHours) * time.Hour)
	query := fmt.Sprintf("after:%d -in:chat", since.Unix())

	var list listResponse
	path := fmt.Sprintf("/messages?q=%s&maxResults=%d", url.QueryEscape(query), limit)
	if err := a.client.doJSON(ctx, cred, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}

	exclude := make(map[string]struct{}, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		exclude[id] = struct{}{}
	}
	ourAddr := strings.ToLower(cred.Payload[keyEmailAddress])

	var (
		messages   []channels.Message
		threadLast = make(map[string]string) // thread → sender of newest message seen
		threadOf   = make(map[string]string) // channel message id → thread
	)
	for _, ref := range list.Messages {
		if _, ok := exclude[ref.ID]; ok {
			continue
		}
		var full gmailMessage
		err := a.client.doJSON(ctx, cred, http.MethodGet, "/messages/"+ref.ID+"?format=full", nil, &full)
		if err != nil {
			a.log.Warn("fetch message failed", "id", ref.ID, logging.Err(err))
			continue
		}
		msg, fromAddr := a.normalize(ctx, cred, &full)
		msg.Outgoing = ourAddr != "" && fromAddr == ourAddr
		threadOf[msg.ChannelMessageID] = full.ThreadID
		// The list comes newest-first; remember only the newest sender.
		if _, seen := threadLast[full.ThreadID]; !seen {
			threadLast[full.ThreadID] = fromAddr
		}
		messages = append(messages, msg)
	}

	if opts.Backfill {
		// Unreplied threads only: the newest message must not be ours.
		filtered := messages[:0]
		for _, m := range messages {
			if m.Outgoing {
				continue
			}
			if threadLast[threadOf[m.ChannelMessageID]] == ourAddr {
				continue
			}
			filtered = append(filtered, m)
		}
		messages = filtered
	}
	return messages, nil
}

func (a *Adapter) normalize(ctx context.Context, cred *store.Credential, m *gmailMessage) (channels.Message, string) {
	fromName, fromAddr := parseFrom(m.header("From"))

	msg := channels.Message{
		Channel:          store.ChannelEmail,
		ChannelMessageID: m.ID,
		SenderID:         fromAddr,
		SenderContact:    fromAddr,
		SenderName:       fromName,
		Subject:          decodeHeader(m.header("Subject")),
		ReceivedAt:       internalDate(m.InternalDate),
	}

	body, atts := a.walkParts(ctx, cred, m.ID, m.Payload)
	if body == "" {
		body = m.Snippet
	}
	msg.Body = body
	msg.Attachments = atts
	return msg, fromAddr
}

// walkParts extracts the best text body and downloads attachments under
// the size cap. Small images additionally carry a base64 preview.
func (a *Adapter) walkParts(ctx context.Context, cred *store.Credential, msgID string, part *mimePart) (string, []store.Attachment) {
	if part == nil {
		return "", nil
	}

	var (
		plain, htmlBody string
		atts            []store.Attachment
	)
	var walk func(p *mimePart)
	walk = func(p *mimePart) {
		if p == nil {
			return
		}
		switch {
		case p.Filename != "" && p.Body.AttachmentID != "":
			atts = append(atts, a.fetchAttachment(ctx, cred, msgID, p))
		case strings.HasPrefix(p.MimeType, "text/plain") && plain == "":
			plain = decodeBody(p.Body.Data)
		case strings.HasPrefix(p.MimeType, "text/html") && htmlBody == "":
			htmlBody = decodeBody(p.Body.Data)
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(part)

	body := plain
	if body == "" && htmlBody != "" {
		body = stripHTML(htmlBody)
	}
	return strings.TrimSpace(body), atts
}

func (a *Adapter) fetchAttachment(ctx context.Context, cred *store.Credential, msgID string, p *mimePart) store.Attachment {
	att := store.Attachment{
		Type:            attachmentKind(p.MimeType),
		Mime:            p.MimeType,
		Size:            p.Body.Size,
		PlatformMediaID: p.Body.AttachmentID,
	}
	if p.Body.Size > maxAttachmentBytes {
		att.Status = store.MediaSkipped
		return att
	}

	var out struct {
		Data string `json:"data"`
	}
	path := fmt.Sprintf("/messages/%s/attachments/%s", msgID, p.Body.AttachmentID)
	if err := a.client.doJSON(ctx, cred, http.MethodGet, path, nil, &out); err != nil {
		a.log.Warn("attachment download failed", "message", msgID, logging.Err(err))
		att.Status = store.MediaSkipped
		return att
	}
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(out.Data, "="))
	if err != nil {
		a.log.Warn("attachment decode failed", "message", msgID, logging.Err(err))
		att.Status = store.MediaSkipped
		return att
	}

	dir := filepath.Join(a.uploadDir, "email")
	if err := os.MkdirAll(dir, 0o755); err == nil {
		dest := filepath.Join(dir, msgID+"_"+sanitizeFilename(p.Filename))
		if err := os.WriteFile(dest, data, 0o644); err == nil {
			att.Path = dest
		} else {
			a.log.Warn("attachment write failed", "message", msgID, logging.Err(err))
		}
	}
	if att.Type == store.AttachmentImage && len(data) < maxPreviewBytes {
		att.Base64 = base64.StdEncoding.EncodeToString(data)
	}
	return att
}

// SendText replies through messages.send. When replyTo names an inbound
// message, its subject and Message-Id thread the reply.
func (a *Adapter) SendText(ctx context.Context, cred *store.Credential, recipient, text, replyTo string) (string, error) {
	from := cred.Payload[keyEmailAddress]
	subject := ""
	messageID := ""
	threadID := ""

	if replyTo != "" {
		var orig gmailMessage
		err := a.client.doJSON(ctx, cred, http.MethodGet,
			"/messages/"+replyTo+"?format=metadata&metadataHeaders=Subject&metadataHeaders=Message-Id", nil, &orig)
		if err == nil {
			subject = decodeHeader(orig.header("Subject"))
			messageID = orig.header("Message-Id")
			threadID = orig.ThreadID
		} else {
			a.log.Warn("reply metadata fetch failed", "id", replyTo, logging.Err(err))
		}
	}
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	raw := buildEnvelope(from, recipient, subject, messageID, text)
	body := map[string]any{"raw": base64.URLEncoding.EncodeToString(raw)}
	if threadID != "" {
		body["threadId"] = threadID
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := a.client.doJSON(ctx, cred, http.MethodPost, "/messages/send", body, &sent); err != nil {
		return "", err
	}
	return sent.ID, nil
}

// SendMedia is not meaningful for the mail transport on its own; media
// replies ride the text envelope elsewhere.
func (a *Adapter) SendMedia(context.Context, *store.Credential, string, store.Attachment) (string, error) {
	return "", channels.ErrNotSupported
}

// MarkRead clears the UNREAD label on one message.
func (a *Adapter) MarkRead(ctx context.Context, cred *store.Credential, _ string, upToID string) error {
	body := map[string]any{"removeLabelIds": []string{"UNREAD"}}
	return a.client.doJSON(ctx, cred, http.MethodPost, "/messages/"+upToID+"/modify", body, nil)
}

// buildEnvelope assembles a minimal RFC 5322 message. The body is
// quoted-printable-free UTF-8; Gmail accepts 8bit transfer encoding.
func buildEnvelope(from, to, subject, inReplyTo, text string) []byte {
	var b strings.Builder
	writeHeader := func(name, value string) {
		if value != "" {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	writeHeader("From", from)
	writeHeader("To", to)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("In-Reply-To", inReplyTo)
	writeHeader("References", inReplyTo)
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="UTF-8"`)
	writeHeader("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(text)
	return []byte(b.String())
}

func parseFrom(header string) (name, addr string) {
	parsed, err := mail.ParseAddress(header)
	if err != nil {
		return "", strings.ToLower(strings.TrimSpace(header))
	}
	return parsed.Name, strings.ToLower(parsed.Address)
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(raw)
}

func internalDate(ms string) time.Time {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(n).UTC()
}

func attachmentKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.AttachmentImage
	case strings.HasPrefix(mimeType, "audio/"):
		return store.AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return store.AttachmentVideo
	default:
		return store.AttachmentDocument
	}
}

var (
	tagPattern      = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagPattern  = regexp.MustCompile(`<[^>]*>`)
	multiNewlinePat = regexp.MustCompile(`\n{3,}`)
	unsafeFilePat   = regexp.MustCompile(`[^\w.\-]+`)
)

func stripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = htmlTagPattern.ReplaceAllString(s, "\n")
	s = html.UnescapeString(s)
	s = multiNewlinePat.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return unsafeFilePat.ReplaceAllString(name, "_")
}
