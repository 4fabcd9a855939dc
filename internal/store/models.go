package store

import (
	"encoding/json"
	"time"
)

// Channel identifiers as persisted on inbox and outbox rows.
const (
	ChannelEmail        = "email"
	ChannelTelegramBot  = "telegram_bot"
	ChannelTelegramUser = "telegram"
	ChannelWhatsApp     = "whatsapp"
)

// Inbox message lifecycle.
const (
	StatusPending     = "pending"
	StatusAnalyzed    = "analyzed"
	StatusApproved    = "approved"
	StatusAutoReplied = "auto_replied"
	StatusSent        = "sent"
	StatusIgnored     = "ignored"
	StatusMerged      = "merged"
	StatusDuplicate   = "duplicate"
	StatusFailed      = "failed"
)

// Delivery-status projection reported by the platforms.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentAudio    = "audio"
	AttachmentVoice    = "voice"
	AttachmentVideo    = "video"
	AttachmentDocument = "document"
)

// MediaSkipped marks an attachment whose bytes were never fetched
// because the file exceeded the transport's size cap.
const MediaSkipped = "media_skipped"

// Arabic sentinels rendered in the operator UI. The placeholder sits in
// ai_draft_response until analysis lands; the merged summary marks
// burst fragments folded into the message that follows them.
const (
	DraftPlaceholder = "⏳ جاري تحليل الرسالة تلقائياً..."
	MergedSummary    = "تم دمج الرسالة مع الرد التالي"
)

// Attachment is one media item carried by a message. Stored as a JSON
// array on the owning row. Optional fields stay empty rather than null.
type Attachment struct {
	Type            string `json:"type"`
	Mime            string `json:"mime,omitempty"`
	URL             string `json:"url,omitempty"`
	Path            string `json:"path,omitempty"`
	Base64          string `json:"base64,omitempty"`
	Size            int64  `json:"size,omitempty"`
	PlatformMediaID string `json:"platform_media_id,omitempty"`
	Status          string `json:"status,omitempty"` // media_skipped when over the size cap
}

// MarshalAttachments serializes the list for storage. Empty lists persist
// as NULL so the columns stay cheap to scan.
func MarshalAttachments(atts []Attachment) any {
	if len(atts) == 0 {
		return nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return nil
	}
	return string(b)
}

// UnmarshalAttachments is the inverse of MarshalAttachments.
func UnmarshalAttachments(raw string) []Attachment {
	if raw == "" {
		return nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil
	}
	return atts
}

// License is the opaque tenant owning all messages and credentials.
type License struct {
	ID                  string
	KeyHash             string
	Name                string
	Active              bool
	ExpiresAt           *time.Time
	DailyCap            int
	TodayCount          int
	LastResetDate       string // YYYY-MM-DD
	NotifyExpirySentOn  string // YYYY-MM-DD, empty when never sent
	AutoReply           bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Credential is one transport's secret material for a license. Payload is
// an encrypted JSON blob; the store encrypts on write and decrypts on read.
type Credential struct {
	ID            int64
	LicenseID     string
	Channel       string
	Payload       map[string]string
	Active        bool
	AutoReply     bool
	CheckInterval int // minutes
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InboxMessage is one inbound message.
type InboxMessage struct {
	ID               int64
	LicenseID        string
	Channel          string
	ChannelMessageID string
	SenderID         string
	SenderContact    string
	SenderName       string
	Subject          string
	Body             string
	Attachments      []Attachment
	ReceivedAt       time.Time
	Status           string
	IsRead           bool
	Intent           string
	Urgency          string
	Sentiment        string
	Language         string
	Dialect          string
	AISummary        string
	AIDraftResponse  string
	SearchVector     string
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectiveTime orders inbox rows in a conversation.
func (m *InboxMessage) EffectiveTime() time.Time {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt
	}
	return m.CreatedAt
}

// OutboxMessage is one outbound message.
type OutboxMessage struct {
	ID                int64
	LicenseID         string
	InboxMessageID    *int64
	Channel           string
	RecipientID       string
	RecipientEmail    string
	Subject           string
	Body              string
	Attachments       []Attachment
	Status            string
	PlatformMessageID string
	DeliveryStatus    string
	ErrorMessage      string
	OriginalBody      string
	EditCount         int
	EditedAt          *time.Time
	CreatedAt         time.Time
	ApprovedAt        *time.Time
	SentAt            *time.Time
	FailedAt          *time.Time
	DeletedAt         *time.Time
}

// EffectiveTime orders outbox rows in a conversation.
func (m *OutboxMessage) EffectiveTime() time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	return m.CreatedAt
}

// Conversation is the denormalized per-sender summary row. Never
// authoritative: recomputed from inbox and outbox truth.
type Conversation struct {
	ID                   int64
	LicenseID            string
	SenderContact        string
	SenderName           string
	Channel              string
	LastMessageID        *int64
	LastMessageBody      string
	LastMessageAISummary string
	LastMessageAt        *time.Time
	Status               string
	UnreadCount          int
	MessageCount         int
	UpdatedAt            time.Time
}

// Task queue lifecycle.
const (
	TaskPending = "pending"
	TaskLeased  = "leased"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is one at-least-once queue entry.
type Task struct {
	ID             int64
	Type           string
	Payload        json.RawMessage
	Status         string
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LeasedBy       string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastError      string
}

// Customer is the CRM projection linked to analyzed messages.
type Customer struct {
	ID            int64
	LicenseID     string
	Name          string
	Email         string
	Phone         string
	LeadScore     int
	LastIntent    string
	LastSentiment string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PushToken is a registered device token, purged after 30 days idle.
type PushToken struct {
	ID           int64
	LicenseID    string
	Token        string
	Platform     string
	LastActiveAt time.Time
	CreatedAt    time.Time
}

// Purchase is one recorded sale against a customer, replayed from the
// offline sync API.
type Purchase struct {
	ID         int64
	LicenseID  string
	CustomerID int64
	Item       string
	Amount     float64
	Currency   string
	CreatedAt  time.Time
}

// Filter rule kinds configured per license.
const (
	FilterBlockedSender = "blocked_sender"
	FilterKeywordBlock  = "keyword_block"
	FilterKeywordAllow  = "keyword_allow"
)

// FilterRule is one per-license filter entry.
type FilterRule struct {
	ID        int64
	LicenseID string
	Kind      string
	Value     string
}
