package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/almudeerhq/almudeer/internal/channels/whatsapp"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

const (
	webhookBodyLimit   = 4 << 20
	webhookWorkTimeout = 30 * time.Second
)

// handleTelegramWebhook ingests a Bot API update. The platform retries
// on non-200, so the answer is ok regardless and the work happens off
// the request.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "license")
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		render.JSON(w, r, map[string]any{"ok": true})
		return
	}

	cred, err := s.db.CredentialFor(r.Context(), licenseID, store.ChannelTelegramBot)
	if err != nil || cred == nil || !cred.Active {
		render.JSON(w, r, map[string]any{"ok": true})
		return
	}

	go s.processWebhook(cred, payload)
	render.JSON(w, r, map[string]any{"ok": true})
}

// handleWhatsAppVerify answers Meta's subscription handshake. The token
// identifies the tenant; any active WhatsApp credential carrying it
// validates the subscription.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	creds, err := s.db.CredentialsByChannel(r.Context(), store.ChannelWhatsApp)
	if err != nil {
		s.log.Error("whatsapp credential scan failed", logging.Err(err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	for i := range creds {
		if echo, ok := whatsapp.VerifyChallenge(creds[i].Payload[whatsapp.KeyVerifyToken], mode, token, challenge); ok {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, echo)
			return
		}
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// handleWhatsAppWebhook verifies the payload signature, resolves the
// tenant by phone_number_id and hands off. Meta expects a fast 200.
func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		render.JSON(w, r, map[string]any{"status": "ok"})
		return
	}

	cred := s.whatsappCredentialFor(r.Context(), payload)
	if cred == nil {
		render.JSON(w, r, map[string]any{"status": "ok"})
		return
	}
	if !whatsapp.VerifySignature(cred.Payload[whatsapp.KeyAppSecret], payload, r.Header.Get("X-Hub-Signature-256")) {
		s.log.Warn("whatsapp signature mismatch", "license", cred.LicenseID)
		render.JSON(w, r, map[string]any{"status": "ok"})
		return
	}

	go s.processWebhook(cred, payload)
	render.JSON(w, r, map[string]any{"status": "ok"})
}

func (s *Server) whatsappCredentialFor(ctx context.Context, payload []byte) *store.Credential {
	phoneID := whatsapp.PhoneNumberID(payload)
	if phoneID == "" {
		return nil
	}
	creds, err := s.db.CredentialsByChannel(ctx, store.ChannelWhatsApp)
	if err != nil {
		s.log.Error("whatsapp credential scan failed", logging.Err(err))
		return nil
	}
	for i := range creds {
		if creds[i].Payload[whatsapp.KeyPhoneNumberID] == phoneID {
			return &creds[i]
		}
	}
	return nil
}

// processWebhook runs the parse-ingest-reconcile path detached from the
// webhook request.
func (s *Server) processWebhook(cred *store.Credential, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookWorkTimeout)
	defer cancel()

	res, err := s.pipe.HandleWebhook(ctx, cred, payload)
	if err != nil {
		s.log.Error("webhook processing failed", "license", cred.LicenseID, "channel", cred.Channel, logging.Err(err))
		return
	}
	if len(res.Statuses) > 0 {
		s.disp.ApplyStatusEvents(ctx, res.Statuses)
	}
}
