package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/almudeerhq/almudeer/internal/cache"
	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/channels/whatsapp"
	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/dispatch"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/workers"
	"github.com/almudeerhq/almudeer/internal/ws"
)

type fakeAdapter struct {
	channels.Unsupported
	channel string
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) SendText(context.Context, *store.Credential, string, string, string) (string, error) {
	return "platform-1", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db     *store.DB
	lic    *store.License
	hub    *ws.Hub
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(config.Database{Type: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	lic := &store.License{KeyHash: "hash-" + t.Name(), Active: true}
	if err := db.CreateLicense(context.Background(), lic); err != nil {
		t.Fatalf("license: %v", err)
	}

	log := testLogger()
	adapter := &fakeAdapter{channel: store.ChannelTelegramBot}
	hub := ws.NewHub(cache.NewMemory(), log)
	conv := conversations.New(db, hub, log)
	disp := dispatch.New(db, channels.Registry{adapter.channel: adapter}, conv, hub, log)
	cfg := &config.Config{Security: config.Security{AdminKey: "admin-secret"}}
	server := New(cfg, db, nil, nil, disp, conv, hub, workers.New(db, hub, log), log)
	return &fixture{db: db, lic: lic, hub: hub, server: server}
}

func (fx *fixture) insertAnalyzed(t *testing.T, sender, body, draft string) *store.InboxMessage {
	t.Helper()
	msg := &store.InboxMessage{
		LicenseID:        fx.lic.ID,
		Channel:          store.ChannelTelegramBot,
		ChannelMessageID: fmt.Sprintf("in-%d", time.Now().UnixNano()),
		SenderID:         sender,
		SenderContact:    sender,
		Body:             body,
		Status:           store.StatusPending,
		ReceivedAt:       time.Now().UTC(),
	}
	if dup, err := fx.db.InsertInboxMessage(context.Background(), msg); err != nil || dup {
		t.Fatalf("insert: dup=%v err=%v", dup, err)
	}
	if draft != "" {
		if _, err := fx.db.UpdateInboxAnalysis(context.Background(), msg.ID, store.Analysis{
			Intent: "inquiry", Sentiment: "neutral", Summary: "s", Draft: draft,
		}); err != nil {
			t.Fatalf("analysis: %v", err)
		}
	}
	return msg
}

func (fx *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-License-ID", fx.lic.ID)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	var data map[string]any
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return data
}

func TestLicenseGuard(t *testing.T) {
	fx := newFixture(t)
	router := fx.server.Router()

	req := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing license: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/inbox", nil)
	req.Header.Set("X-License-ID", "no-such-license")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown license: got %d", rec.Code)
	}
}

func TestApproveCreatesOutbox(t *testing.T) {
	fx := newFixture(t)
	msg := fx.insertAnalyzed(t, "42", "مرحبا", "أهلاً بك")

	rec := fx.request(t, http.MethodPost, fmt.Sprintf("/inbox/%d/approve", msg.ID),
		map[string]any{"action": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: got %d (%s)", rec.Code, rec.Body.String())
	}

	n, err := fx.db.CountOutbox(context.Background(), fx.lic.ID, []string{"42"})
	if err != nil || n != 1 {
		t.Fatalf("outbox rows = %d, err %v", n, err)
	}
	row, err := fx.db.InboxByID(context.Background(), fx.lic.ID, msg.ID)
	if err != nil || row.Status != store.StatusApproved {
		t.Fatalf("inbox status = %q, err %v", row.Status, err)
	}
}

func TestApproveWithoutDraftConflicts(t *testing.T) {
	fx := newFixture(t)
	msg := fx.insertAnalyzed(t, "42", "مرحبا", "")

	rec := fx.request(t, http.MethodPost, fmt.Sprintf("/inbox/%d/approve", msg.ID),
		map[string]any{"action": "approve"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rec.Code)
	}
}

func TestApproveRejectsUnknownAction(t *testing.T) {
	fx := newFixture(t)
	msg := fx.insertAnalyzed(t, "42", "مرحبا", "draft")

	rec := fx.request(t, http.MethodPost, fmt.Sprintf("/inbox/%d/approve", msg.ID),
		map[string]any{"action": "yeet"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestConversationMessagesCursorPaging(t *testing.T) {
	fx := newFixture(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		msg := &store.InboxMessage{
			LicenseID:        fx.lic.ID,
			Channel:          store.ChannelTelegramBot,
			ChannelMessageID: fmt.Sprintf("c-%d", i),
			SenderID:         "42",
			SenderContact:    "42",
			Body:             fmt.Sprintf("msg %d", i),
			Status:           store.StatusAnalyzed,
			ReceivedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if dup, err := fx.db.InsertInboxMessage(context.Background(), msg); err != nil || dup {
			t.Fatalf("insert %d: dup=%v err=%v", i, dup, err)
		}
	}

	rec := fx.request(t, http.MethodGet, "/conversations/42/messages?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("page 1: got %d (%s)", rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	msgs := data["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("page 1 len = %d", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["body"] != "msg 2" {
		t.Fatalf("newest first, got %v", first["body"])
	}
	cursor, _ := data["next_cursor"].(string)
	if cursor == "" {
		t.Fatal("missing next_cursor")
	}

	rec = fx.request(t, http.MethodGet, "/conversations/42/messages?limit=2&cursor="+cursor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("page 2: got %d", rec.Code)
	}
	data = decodeData(t, rec)
	msgs = data["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("page 2 len = %d", len(msgs))
	}
	if msgs[0].(map[string]any)["body"] != "msg 0" {
		t.Fatalf("page 2 body = %v", msgs[0].(map[string]any)["body"])
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	enc := encodeCursor(ts, 77)
	gotTS, gotID, err := decodeCursor(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != 77 {
		t.Fatalf("round trip: %v %d", gotTS, gotID)
	}

	if _, _, err := decodeCursor("not-base64!!"); err == nil {
		t.Fatal("garbage cursor accepted")
	}
}

func TestSyncBatchIdempotent(t *testing.T) {
	fx := newFixture(t)
	msg := fx.insertAnalyzed(t, "42", "كم السعر؟", "السعر 100 ريال")

	op := map[string]any{
		"id":              "op1",
		"idempotency_key": "K1",
		"type":            "approve",
		"payload":         map[string]any{"messageId": msg.ID, "editedBody": "ok"},
	}
	replay := map[string]any{
		"id":              "op2",
		"idempotency_key": "K1",
		"type":            "approve",
		"payload":         map[string]any{"messageId": msg.ID, "editedBody": "ok"},
	}

	rec := fx.request(t, http.MethodPost, "/sync/batch",
		map[string]any{"operations": []any{op, replay}})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: got %d (%s)", rec.Code, rec.Body.String())
	}

	data := decodeData(t, rec)
	results := data["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results len = %d", len(results))
	}
	first := results[0].(map[string]any)
	second := results[1].(map[string]any)
	if first["status"] != "ok" || first["cached"] == true {
		t.Fatalf("first = %v", first)
	}
	if second["status"] != "ok" || second["cached"] != true {
		t.Fatalf("second not served from cache: %v", second)
	}

	n, err := fx.db.CountOutbox(context.Background(), fx.lic.ID, []string{"42"})
	if err != nil || n != 1 {
		t.Fatalf("outbox rows = %d, err %v", n, err)
	}
}

func TestSyncBatchAddCustomerAndPurchase(t *testing.T) {
	fx := newFixture(t)

	rec := fx.request(t, http.MethodPost, "/sync/batch", map[string]any{
		"operations": []any{
			map[string]any{
				"idempotency_key": "P1",
				"type":            "add_purchase",
				"payload": map[string]any{
					"name": "سارة", "phone": "+966500000001",
					"item": "اشتراك سنوي", "amount": 499.0, "currency": "SAR",
				},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d (%s)", rec.Code, rec.Body.String())
	}
	results := decodeData(t, rec)["results"].([]any)
	if results[0].(map[string]any)["status"] != "ok" {
		t.Fatalf("purchase op failed: %v", results[0])
	}

	customers, err := fx.db.CustomersUpdatedSince(context.Background(), fx.lic.ID, time.Time{})
	if err != nil || len(customers) != 1 {
		t.Fatalf("customers = %d, err %v", len(customers), err)
	}
	if customers[0].Phone != "+966500000001" {
		t.Fatalf("phone = %q", customers[0].Phone)
	}
}

func TestSyncDelta(t *testing.T) {
	fx := newFixture(t)
	fx.insertAnalyzed(t, "42", "مرحبا", "أهلاً")
	if _, err := fx.server.conv.Recompute(context.Background(), fx.lic.ID, "42", conversations.Options{}); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	rec := fx.request(t, http.MethodGet, "/sync/delta?since=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: got %d", rec.Code)
	}

	since := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec = fx.request(t, http.MethodGet, "/sync/delta?since="+since, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delta: got %d (%s)", rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	if len(data["conversations"].([]any)) != 1 {
		t.Fatalf("conversations = %v", data["conversations"])
	}
}

func TestRegisterPushToken(t *testing.T) {
	fx := newFixture(t)

	rec := fx.request(t, http.MethodPost, "/push/register",
		map[string]any{"token": "fcm-token-1", "platform": "android"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = fx.request(t, http.MethodPost, "/push/register", map[string]any{"platform": "android"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token: got %d", rec.Code)
	}
}

func TestWhatsAppVerifyHandshake(t *testing.T) {
	fx := newFixture(t)
	cred := &store.Credential{
		LicenseID: fx.lic.ID,
		Channel:   store.ChannelWhatsApp,
		Payload:   map[string]string{whatsapp.KeyVerifyToken: "tok-123"},
		Active:    true,
	}
	if err := fx.db.UpsertCredential(context.Background(), cred); err != nil {
		t.Fatalf("credential: %v", err)
	}
	router := fx.server.Router()

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=tok-123&hub.challenge=ch-42", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ch-42" {
		t.Fatalf("handshake: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=ch-42", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: got %d", rec.Code)
	}
}

func TestAdminGuard(t *testing.T) {
	fx := newFixture(t)
	router := fx.server.Router()

	req := httptest.NewRequest(http.MethodPost, "/admin/repair", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/repair", nil)
	req.Header.Set("X-Admin-Key", "admin-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWebSocketDeliversEvents(t *testing.T) {
	fx := newFixture(t)
	srv := httptest.NewServer(fx.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?license=" + fx.lic.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fx.hub.LocalConnections(fx.lic.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.hub.SendToLicense(fx.lic.ID, ws.Event{
		Type: ws.EventNewMessage,
		Data: map[string]any{"sender_contact": "42"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev ws.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != ws.EventNewMessage || ev.Data["sender_contact"] != "42" {
		t.Fatalf("event = %+v", ev)
	}

	badURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?license=nope"
	if _, resp, err := websocket.DefaultDialer.Dial(badURL, nil); err == nil {
		t.Fatal("bad license upgraded")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad license: got %d", resp.StatusCode)
	}
}
