package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// syncOperation is one replayed offline action. The idempotency key
// makes client retries safe: a key seen before returns the first
// execution's cached result untouched.
type syncOperation struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
	Type           string          `json:"type" validate:"required"`
	Payload        json.RawMessage `json:"payload"`
}

type syncBatchRequest struct {
	Operations []syncOperation `json:"operations" validate:"required,dive"`
}

type syncOpResult struct {
	ID             string `json:"id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
}

// syncOpPayload covers every operation type's fields; unused ones stay
// at their zero value.
type syncOpPayload struct {
	MessageID     int64   `json:"messageId"`
	OutboxID      int64   `json:"outboxId"`
	EditedBody    string  `json:"editedBody"`
	SenderContact string  `json:"senderContact"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	CustomerID    int64   `json:"customerId"`
	Item          string  `json:"item"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())

	var req syncBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "طلب غير صالح")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "كل عملية تحتاج مفتاح idempotency ونوع")
		return
	}

	results := make([]syncOpResult, 0, len(req.Operations))
	for i := range req.Operations {
		results = append(results, s.runSyncOp(r.Context(), lic, &req.Operations[i]))
	}
	okJSON(w, r, map[string]any{"results": results})
}

func (s *Server) runSyncOp(ctx context.Context, lic *store.License, op *syncOperation) syncOpResult {
	if cached, err := s.db.CachedSyncResult(ctx, lic.ID, op.IdempotencyKey); err == nil && cached != nil {
		var res syncOpResult
		if json.Unmarshal(cached, &res) == nil {
			res.ID = op.ID
			res.Cached = true
			return res
		}
	}

	res := syncOpResult{ID: op.ID, IdempotencyKey: op.IdempotencyKey, Status: "ok"}
	if err := s.applySyncOp(ctx, lic, op); err != nil {
		res.Status = "error"
		res.Error = err.Error()
		s.log.Warn("sync operation failed", "type", op.Type, "key", op.IdempotencyKey, logging.Err(err))
	}

	if err := s.db.SaveSyncResult(ctx, lic.ID, op.IdempotencyKey, res); err != nil {
		s.log.Error("sync result cache write failed", "key", op.IdempotencyKey, logging.Err(err))
	}
	return res
}

func (s *Server) applySyncOp(ctx context.Context, lic *store.License, op *syncOperation) error {
	var p syncOpPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return errors.New("malformed operation payload")
		}
	}

	switch op.Type {
	case "approve":
		return s.disp.ApproveInbox(ctx, lic.ID, p.MessageID, "approve", p.EditedBody)
	case "ignore":
		return s.disp.ApproveInbox(ctx, lic.ID, p.MessageID, "ignore", "")
	case "send":
		return s.disp.Resend(ctx, lic.ID, p.OutboxID)
	case "delete":
		if p.OutboxID != 0 {
			return s.disp.DeleteOutbox(ctx, lic.ID, p.OutboxID)
		}
		return s.disp.DeleteInbox(ctx, lic.ID, p.MessageID)
	case "mark_read":
		aliases, err := s.conv.Aliases(ctx, lic.ID, p.SenderContact)
		if err != nil {
			return err
		}
		return s.db.MarkInboxRead(ctx, lic.ID, aliases)
	case "delete_conversation":
		return s.disp.DeleteConversation(ctx, lic.ID, p.SenderContact)
	case "add_customer":
		_, err := s.db.UpsertCustomerByContact(ctx, lic.ID, p.Name, p.Email, p.Phone)
		return err
	case "add_purchase":
		customerID := p.CustomerID
		if customerID == 0 {
			c, err := s.db.UpsertCustomerByContact(ctx, lic.ID, p.Name, p.Email, p.Phone)
			if err != nil {
				return err
			}
			customerID = c.ID
		}
		return s.db.AddPurchase(ctx, &store.Purchase{
			LicenseID:  lic.ID,
			CustomerID: customerID,
			Item:       p.Item,
			Amount:     p.Amount,
			Currency:   p.Currency,
		})
	default:
		return errors.New("unknown operation type: " + op.Type)
	}
}

func (s *Server) handleSyncDelta(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		errJSON(w, r, http.StatusBadRequest, "صيغة التاريخ غير صالحة")
		return
	}

	convs, err := s.db.ConversationsUpdatedSince(r.Context(), lic.ID, since)
	if err != nil {
		s.log.Error("delta conversations failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل التحديثات")
		return
	}
	customers, err := s.db.CustomersUpdatedSince(r.Context(), lic.ID, since)
	if err != nil {
		s.log.Error("delta customers failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تحميل التحديثات")
		return
	}

	okJSON(w, r, map[string]any{
		"conversations": rowsToConversationDTOs(convs),
		"customers":     customersToDTOs(customers),
		"server_time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type pushRegisterRequest struct {
	Token    string `json:"token" validate:"required"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android web"`
}

func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	lic := licenseFrom(r.Context())

	var req pushRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "طلب غير صالح")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		errJSON(w, r, http.StatusBadRequest, "رمز الجهاز مطلوب")
		return
	}

	tok := &store.PushToken{LicenseID: lic.ID, Token: req.Token, Platform: req.Platform}
	if err := s.db.UpsertPushToken(r.Context(), tok); err != nil {
		s.log.Error("push token upsert failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل تسجيل الجهاز")
		return
	}
	okJSON(w, r, map[string]any{"registered": true})
}

type customerDTO struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name,omitempty"`
	Email         string    `json:"email,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	LeadScore     int       `json:"lead_score"`
	LastIntent    string    `json:"last_intent,omitempty"`
	LastSentiment string    `json:"last_sentiment,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func customersToDTOs(rows []store.Customer) []customerDTO {
	out := make([]customerDTO, 0, len(rows))
	for i := range rows {
		c := &rows[i]
		out = append(out, customerDTO{
			ID:            c.ID,
			Name:          c.Name,
			Email:         c.Email,
			Phone:         c.Phone,
			LeadScore:     c.LeadScore,
			LastIntent:    c.LastIntent,
			LastSentiment: c.LastSentiment,
			UpdatedAt:     c.UpdatedAt,
		})
	}
	return out
}
