package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/almudeerhq/almudeer/internal/dispatch"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

const defaultPageSize = 50

// approveRequest is the operator decision payload.
type approveRequest struct {
	Action     string `json:"action" validate:"required,oneof=approve ignore"`
	EditedBody string `json:"edited_body"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, "معرف الرسالة غير صالح")
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "طلب غير صالح")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "الإجراء يجب أن يكون approve أو ignore")
		return
	}

	err = s.disp.ApproveInbox(r.Context(), lic.ID, id, req.Action, req.EditedBody)
	switch {
	case errors.Is(err, dispatch.ErrNoDraft):
		errJSON(w, r, http.StatusConflict, "لا توجد مسودة رد لهذه الرسالة")
	case err != nil:
		s.log.Error("approve failed", "message", id, logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تنفيذ الإجراء")
	default:
		okJSON(w, r, map[string]any{"id": id, "action": req.Action})
	}
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, "معرف الرسالة غير صالح")
		return
	}

	if r.URL.Query().Get("type") == "outbox" {
		err = s.disp.DeleteOutbox(r.Context(), lic.ID, id)
	} else {
		err = s.disp.DeleteInbox(r.Context(), lic.ID, id)
	}
	if err != nil {
		s.log.Error("delete failed", "message", id, logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل حذف الرسالة")
		return
	}
	okJSON(w, r, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	limit, offset := pageParams(r)
	rows, err := s.db.ListInbox(r.Context(), lic.ID, limit, offset)
	if err != nil {
		s.log.Error("inbox list failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل الرسائل")
		return
	}
	out := make([]inboxDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toInboxDTO(&rows[i]))
	}
	okJSON(w, r, out)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	limit, offset := pageParams(r)
	rows, err := s.db.ListConversations(r.Context(), lic.ID, limit, offset)
	if err != nil {
		s.log.Error("conversation list failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل المحادثات")
		return
	}
	okJSON(w, r, rowsToConversationDTOs(rows))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	sender := chi.URLParam(r, "sender")
	if err := s.disp.DeleteConversation(r.Context(), lic.ID, sender); err != nil {
		s.log.Error("conversation delete failed", "sender", sender, logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل حذف المحادثة")
		return
	}
	okJSON(w, r, map[string]any{"sender_contact": sender, "deleted": true})
}

// handleConversationMessages pages through one conversation's merged
// timeline with an opaque cursor, strictly ordered by (effective_ts, id).
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	sender := chi.URLParam(r, "sender")
	limit, _ := pageParams(r)
	direction := r.URL.Query().Get("direction")
	if direction != "newer" {
		direction = "older"
	}
	cursorTS, cursorID, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, "مؤشر الصفحة غير صالح")
		return
	}

	aliases, err := s.conv.Aliases(r.Context(), lic.ID, sender)
	if err != nil {
		s.log.Error("alias resolution failed", "sender", sender, logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل المحادثة")
		return
	}

	in, err := s.db.InboxPage(r.Context(), lic.ID, aliases, cursorTS, cursorID, direction, limit)
	if err != nil {
		s.log.Error("inbox page failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل المحادثة")
		return
	}
	out, err := s.db.OutboxPage(r.Context(), lic.ID, aliases, cursorTS, cursorID, direction, limit)
	if err != nil {
		s.log.Error("outbox page failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل المحادثة")
		return
	}

	msgs := mergeTimeline(in, out, direction, limit)
	next := ""
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		next = encodeCursor(last.EffectiveAt, last.ID)
	}
	okJSON(w, r, map[string]any{"messages": msgs, "next_cursor": next})
}

// messageDTO is one entry of the merged conversation timeline.
type messageDTO struct {
	ID             int64              `json:"id"`
	Direction      string             `json:"direction"` // incoming | outgoing
	Channel        string             `json:"channel"`
	Body           string             `json:"body"`
	Subject        string             `json:"subject,omitempty"`
	Status         string             `json:"status"`
	DeliveryStatus string             `json:"delivery_status,omitempty"`
	AISummary      string             `json:"ai_summary,omitempty"`
	AIDraft        string             `json:"ai_draft_response,omitempty"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	EditCount      int                `json:"edit_count,omitempty"`
	EffectiveAt    time.Time          `json:"effective_at"`
}

// mergeTimeline interleaves the two page halves in the walk direction
// and keeps the limit rows nearest the cursor, so the next cursor (taken
// from the last kept row) continues without gaps. "older" pages run
// newest-first, "newer" pages oldest-first.
func mergeTimeline(in []store.InboxMessage, out []store.OutboxMessage, direction string, limit int) []messageDTO {
	msgs := make([]messageDTO, 0, len(in)+len(out))
	for i := range in {
		m := &in[i]
		msgs = append(msgs, messageDTO{
			ID:          m.ID,
			Direction:   "incoming",
			Channel:     m.Channel,
			Body:        m.Body,
			Subject:     m.Subject,
			Status:      m.Status,
			AISummary:   m.AISummary,
			AIDraft:     m.AIDraftResponse,
			Attachments: m.Attachments,
			EffectiveAt: m.EffectiveTime(),
		})
	}
	for i := range out {
		m := &out[i]
		msgs = append(msgs, messageDTO{
			ID:             m.ID,
			Direction:      "outgoing",
			Channel:        m.Channel,
			Body:           m.Body,
			Subject:        m.Subject,
			Status:         m.Status,
			DeliveryStatus: m.DeliveryStatus,
			Attachments:    m.Attachments,
			EditCount:      m.EditCount,
			EffectiveAt:    m.EffectiveTime(),
		})
	}
	asc := direction == "newer"
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].EffectiveAt.Equal(msgs[j].EffectiveAt) {
			if asc {
				return msgs[i].EffectiveAt.Before(msgs[j].EffectiveAt)
			}
			return msgs[i].EffectiveAt.After(msgs[j].EffectiveAt)
		}
		if asc {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ID > msgs[j].ID
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

type inboxDTO struct {
	ID            int64              `json:"id"`
	Channel       string             `json:"channel"`
	SenderContact string             `json:"sender_contact"`
	SenderName    string             `json:"sender_name,omitempty"`
	Subject       string             `json:"subject,omitempty"`
	Body          string             `json:"body"`
	Status        string             `json:"status"`
	Intent        string             `json:"intent,omitempty"`
	Urgency       string             `json:"urgency,omitempty"`
	Sentiment     string             `json:"sentiment,omitempty"`
	AISummary     string             `json:"ai_summary,omitempty"`
	AIDraft       string             `json:"ai_draft_response,omitempty"`
	Attachments   []store.Attachment `json:"attachments,omitempty"`
	ReceivedAt    time.Time          `json:"received_at"`
}

func toInboxDTO(m *store.InboxMessage) inboxDTO {
	return inboxDTO{
		ID:            m.ID,
		Channel:       m.Channel,
		SenderContact: m.SenderContact,
		SenderName:    m.SenderName,
		Subject:       m.Subject,
		Body:          m.Body,
		Status:        m.Status,
		Intent:        m.Intent,
		Urgency:       m.Urgency,
		Sentiment:     m.Sentiment,
		AISummary:     m.AISummary,
		AIDraft:       m.AIDraftResponse,
		Attachments:   m.Attachments,
		ReceivedAt:    m.EffectiveTime(),
	}
}

type conversationDTO struct {
	SenderContact   string     `json:"sender_contact"`
	SenderName      string     `json:"sender_name,omitempty"`
	Channel         string     `json:"channel"`
	Status          string     `json:"status"`
	UnreadCount     int        `json:"unread_count"`
	MessageCount    int        `json:"message_count"`
	LastMessageBody string     `json:"last_message_body,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func rowsToConversationDTOs(rows []store.Conversation) []conversationDTO {
	out := make([]conversationDTO, 0, len(rows))
	for i := range rows {
		c := &rows[i]
		out = append(out, conversationDTO{
			SenderContact:   c.SenderContact,
			SenderName:      c.SenderName,
			Channel:         c.Channel,
			Status:          c.Status,
			UnreadCount:     c.UnreadCount,
			MessageCount:    c.MessageCount,
			LastMessageBody: c.LastMessageBody,
			LastMessageAt:   c.LastMessageAt,
			UpdatedAt:       c.UpdatedAt,
		})
	}
	return out
}

// Cursor form: base64 of "{effective_ts RFC3339Nano}_{id}". Opaque to
// clients; the underscore split happens on the last one because the
// timestamp never contains it.
func encodeCursor(ts time.Time, id int64) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "_" + strconv.FormatInt(id, 10)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, int64, error) {
	if cursor == "" {
		return time.Time{}, 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, err
	}
	tsStr, idStr, found := strings.Cut(string(raw), "_")
	if !found {
		return time.Time{}, 0, errors.New("httpapi: malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, 0, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	return ts, id, nil
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = defaultPageSize
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
