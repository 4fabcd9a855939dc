package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/channels/telegramuser"
	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/store"
)

// fakeAdapter records outbound calls and serves canned receipts.
type fakeAdapter struct {
	channels.Unsupported
	channel string

	sentText  string
	sentTo    string
	replyTo   string
	sentMedia []store.Attachment
	reacted   string
	receipts  map[string]string
	sendErr   error
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) SendText(_ context.Context, _ *store.Credential, recipient, text, replyTo string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTo, f.sentText, f.replyTo = recipient, text, replyTo
	return "platform-1", nil
}

func (f *fakeAdapter) SendMedia(_ context.Context, _ *store.Credential, recipient string, att store.Attachment) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTo = recipient
	f.sentMedia = append(f.sentMedia, att)
	return "platform-media-1", nil
}

func (f *fakeAdapter) React(_ context.Context, _ *store.Credential, _, _, emoji string) error {
	f.reacted = emoji
	return nil
}

func (f *fakeAdapter) PollReceipts(_ context.Context, _ *store.Credential, outstanding []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, key := range outstanding {
		if status, ok := f.receipts[key]; ok {
			out[key] = status
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db      *store.DB
	lic     *store.License
	adapter *fakeAdapter
	disp    *Dispatcher
}

func newFixture(t *testing.T, channel string) *fixture {
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
	cred := &store.Credential{LicenseID: lic.ID, Channel: channel, Payload: map[string]string{}, Active: true}
	if err := db.UpsertCredential(context.Background(), cred); err != nil {
		t.Fatalf("credential: %v", err)
	}

	adapter := &fakeAdapter{channel: channel}
	conv := conversations.New(db, nil, testLogger())
	disp := New(db, channels.Registry{channel: adapter}, conv, nil, testLogger())
	return &fixture{db: db, lic: lic, adapter: adapter, disp: disp}
}

func (fx *fixture) insertAnalyzed(t *testing.T, sender, body, draft string) *store.InboxMessage {
	t.Helper()
	msg := &store.InboxMessage{
		LicenseID:        fx.lic.ID,
		Channel:          fx.adapter.channel,
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
		msg.Status = store.StatusAnalyzed
	}
	return msg
}

func drainTasks(t *testing.T, db *store.DB) []*store.Task {
	t.Helper()
	var tasks []*store.Task
	for {
		task, err := db.ClaimNextTask(context.Background(), "test", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			return tasks
		}
		tasks = append(tasks, task)
	}
}

func TestApproveSendsDraft(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "هل المنتج متوفر؟", "نعم متوفر")

	if err := fx.disp.ApproveInbox(ctx, fx.lic.ID, msg.ID, "approve", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	row, _ := fx.db.InboxByID(ctx, fx.lic.ID, msg.ID)
	if row.Status != store.StatusApproved {
		t.Errorf("inbox status = %q", row.Status)
	}

	tasks := drainTasks(t, fx.db)
	if len(tasks) != 1 || tasks[0].Type != queue.TypeSendOutbox {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := fx.disp.HandleSendTask(ctx, tasks[0]); err != nil {
		t.Fatalf("send: %v", err)
	}

	if fx.adapter.sentText != "نعم متوفر" || fx.adapter.sentTo != "966501234567" {
		t.Errorf("sent %q to %q", fx.adapter.sentText, fx.adapter.sentTo)
	}
	if fx.adapter.replyTo != msg.ChannelMessageID {
		t.Errorf("replyTo = %q", fx.adapter.replyTo)
	}
	if fx.adapter.reacted == "" {
		t.Errorf("no smart reaction")
	}

	var payload queue.SendOutboxPayload
	if err := queue.DecodePayload(tasks[0], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	out, _ := fx.db.OutboxByID(ctx, fx.lic.ID, payload.OutboxID)
	if out.Status != store.StatusSent || out.DeliveryStatus != store.DeliverySent {
		t.Errorf("outbox = status %q delivery %q", out.Status, out.DeliveryStatus)
	}
	if out.PlatformMessageID != "platform-1" {
		t.Errorf("platform id = %q", out.PlatformMessageID)
	}
}

func TestApproveWithEditedBody(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "سؤال", "مسودة أصلية")

	if err := fx.disp.ApproveInbox(ctx, fx.lic.ID, msg.ID, "approve", "رد معدل"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tasks := drainTasks(t, fx.db)
	if err := fx.disp.HandleSendTask(ctx, tasks[0]); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fx.adapter.sentText != "رد معدل" {
		t.Errorf("sent = %q", fx.adapter.sentText)
	}
}

func TestApproveIgnoreParksMessage(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "إعلان", "")

	if err := fx.disp.ApproveInbox(ctx, fx.lic.ID, msg.ID, "ignore", ""); err != nil {
		t.Fatalf("ignore: %v", err)
	}
	row, _ := fx.db.InboxByID(ctx, fx.lic.ID, msg.ID)
	if row.Status != store.StatusIgnored {
		t.Errorf("status = %q", row.Status)
	}
	if tasks := drainTasks(t, fx.db); len(tasks) != 0 {
		t.Errorf("tasks = %d, want 0", len(tasks))
	}
}

func TestApproveWithoutDraftFails(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	msg := fx.insertAnalyzed(t, "966501234567", "سؤال", "")

	err := fx.disp.ApproveInbox(context.Background(), fx.lic.ID, msg.ID, "approve", "")
	if !errors.Is(err, ErrNoDraft) {
		t.Errorf("err = %v, want ErrNoDraft", err)
	}
}

func TestAutoReplyQueuesApprovedSend(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "سؤال", "مسودة")

	if err := fx.disp.AutoReply(ctx, msg, "رد تلقائي"); err != nil {
		t.Fatalf("auto reply: %v", err)
	}
	row, _ := fx.db.InboxByID(ctx, fx.lic.ID, msg.ID)
	if row.Status != store.StatusAutoReplied {
		t.Errorf("inbox status = %q", row.Status)
	}
	tasks := drainTasks(t, fx.db)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
}

func TestSendAudioSuppressesText(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "رسالة صوتية", "x")

	out := &store.OutboxMessage{
		LicenseID:      fx.lic.ID,
		InboxMessageID: &msg.ID,
		Channel:        store.ChannelWhatsApp,
		RecipientID:    msg.SenderContact,
		Body:           "الرد النصي\n[AUDIO: uploads/tts/reply.ogg]",
		Status:         store.StatusApproved,
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.disp.Send(ctx, fx.lic.ID, out.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	if fx.adapter.sentText != "" {
		t.Errorf("text sent alongside audio: %q", fx.adapter.sentText)
	}
	if len(fx.adapter.sentMedia) != 1 || fx.adapter.sentMedia[0].Path != "uploads/tts/reply.ogg" {
		t.Errorf("media = %+v", fx.adapter.sentMedia)
	}
	if fx.adapter.sentMedia[0].Type != store.AttachmentVoice {
		t.Errorf("media type = %q", fx.adapter.sentMedia[0].Type)
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	fx.adapter.sendErr = errors.New("recipient unavailable")
	ctx := context.Background()

	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelWhatsApp,
		RecipientID: "966501234567",
		Body:        "رد",
		Status:      store.StatusApproved,
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	// The task completes; retry is an operator action here.
	if err := fx.disp.Send(ctx, fx.lic.ID, out.ID); err != nil {
		t.Fatalf("send: %v", err)
	}

	row, _ := fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if row.Status != store.StatusFailed || row.ErrorMessage == "" {
		t.Errorf("row = status %q error %q", row.Status, row.ErrorMessage)
	}
}

func TestDeliveryStatusMonotone(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()

	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelWhatsApp,
		RecipientID: "966501234567",
		Body:        "رد",
		Status:      store.StatusApproved,
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.db.SetOutboxPlatformID(ctx, out.ID, "wamid.1"); err != nil {
		t.Fatalf("platform id: %v", err)
	}
	if err := fx.db.MarkOutboxSent(ctx, out.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// read skips delivered: forward moves always land.
	if err := fx.disp.UpdateDeliveryStatus(ctx, "wamid.1", store.DeliveryRead); err != nil {
		t.Fatalf("read: %v", err)
	}
	row, _ := fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if row.DeliveryStatus != store.DeliveryRead {
		t.Fatalf("delivery = %q", row.DeliveryStatus)
	}

	// A late delivered receipt must not move the row backward.
	if err := fx.disp.UpdateDeliveryStatus(ctx, "wamid.1", store.DeliveryDelivered); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	row, _ = fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if row.DeliveryStatus != store.DeliveryRead {
		t.Errorf("backward move applied: %q", row.DeliveryStatus)
	}

	// failed is terminal and always writes.
	if err := fx.disp.UpdateDeliveryStatus(ctx, "wamid.1", store.DeliveryFailed); err != nil {
		t.Fatalf("failed: %v", err)
	}
	row, _ = fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if row.DeliveryStatus != store.DeliveryFailed {
		t.Errorf("failed not applied: %q", row.DeliveryStatus)
	}
}

func TestDeliveryUnknownPlatformIDDropped(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	if err := fx.disp.UpdateDeliveryStatus(context.Background(), "wamid.unknown", store.DeliveryRead); err != nil {
		t.Errorf("unknown id should drop silently: %v", err)
	}
}

func TestEditCapturesOriginalInsideWindow(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()

	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelWhatsApp,
		RecipientID: "966501234567",
		Body:        "النص الأصلي",
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}

	row, err := fx.disp.Edit(ctx, fx.lic.ID, out.ID, "النص المعدل")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if row.Body != "النص المعدل" || row.OriginalBody != "النص الأصلي" || row.EditCount != 1 {
		t.Errorf("row = body %q original %q count %d", row.Body, row.OriginalBody, row.EditCount)
	}

	// Second edit keeps the first original.
	row, err = fx.disp.Edit(ctx, fx.lic.ID, out.ID, "نص ثالث")
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if row.OriginalBody != "النص الأصلي" || row.EditCount != 2 {
		t.Errorf("row = original %q count %d", row.OriginalBody, row.EditCount)
	}
}

func TestEditRejectedAfterWindow(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()

	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelWhatsApp,
		RecipientID: "966501234567",
		Body:        "قديم",
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	old := fx.db.BindTime(time.Now().UTC().Add(-16 * time.Minute))
	if _, err := fx.db.Execute(ctx,
		`UPDATE outbox_messages SET created_at = ? WHERE id = ?`, old, out.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := fx.disp.Edit(ctx, fx.lic.ID, out.ID, "جديد"); !errors.Is(err, ErrEditWindowClosed) {
		t.Errorf("err = %v, want window closed", err)
	}
}

func TestDeleteConversationTombstonesAliasSet(t *testing.T) {
	fx := newFixture(t, store.ChannelWhatsApp)
	ctx := context.Background()
	msg := fx.insertAnalyzed(t, "966501234567", "مرحباً", "")

	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelWhatsApp,
		RecipientID: "966501234567",
		Body:        "رد",
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fx.disp.DeleteConversation(ctx, fx.lic.ID, "966501234567"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	row, _ := fx.db.InboxByID(ctx, fx.lic.ID, msg.ID)
	if row.DeletedAt == nil {
		t.Errorf("inbox row survived")
	}
	orow, _ := fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if orow.DeletedAt == nil {
		t.Errorf("outbox row survived")
	}
	conv, _ := fx.db.ConversationBySender(ctx, fx.lic.ID, "966501234567")
	if conv != nil {
		t.Errorf("conversation row survived")
	}
}

func TestTelegramReceiptPollUpgradesToRead(t *testing.T) {
	fx := newFixture(t, store.ChannelTelegramUser)
	ctx := context.Background()

	key := telegramuser.ReceiptKey(5551234, 99)
	out := &store.OutboxMessage{
		LicenseID:   fx.lic.ID,
		Channel:     store.ChannelTelegramUser,
		RecipientID: "+963912345678",
		Body:        "رد",
	}
	if err := fx.db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.db.SetOutboxPlatformID(ctx, out.ID, key); err != nil {
		t.Fatalf("platform id: %v", err)
	}
	if err := fx.db.MarkOutboxSent(ctx, out.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	fx.adapter.receipts = map[string]string{key: store.DeliveryRead}

	fx.disp.PollTelegramReceipts(ctx, fx.lic.ID)

	row, _ := fx.db.OutboxByID(ctx, fx.lic.ID, out.ID)
	if row.DeliveryStatus != store.DeliveryRead {
		t.Errorf("delivery = %q", row.DeliveryStatus)
	}
}

func TestApplyReadReceiptFromListener(t *testing.T) {
	fx := newFixture(t, store.ChannelTelegramUser)
	ctx := context.Background()

	for i, msgID := range []int{40, 50} {
		out := &store.OutboxMessage{
			LicenseID:   fx.lic.ID,
			Channel:     store.ChannelTelegramUser,
			RecipientID: "tg:5551234",
			Body:        fmt.Sprintf("رد %d", i),
		}
		if err := fx.db.CreateOutbox(ctx, out); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := fx.db.SetOutboxPlatformID(ctx, out.ID, telegramuser.ReceiptKey(5551234, msgID)); err != nil {
			t.Fatalf("platform id: %v", err)
		}
		if err := fx.db.MarkOutboxSent(ctx, out.ID); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
	}

	// Peer read up to message 45: only the first row upgrades.
	fx.disp.ApplyReadReceipt(ctx, fx.lic.ID, 5551234, 45)

	first, _ := fx.db.OutboxByPlatformID(ctx, telegramuser.ReceiptKey(5551234, 40))
	second, _ := fx.db.OutboxByPlatformID(ctx, telegramuser.ReceiptKey(5551234, 50))
	if first.DeliveryStatus != store.DeliveryRead {
		t.Errorf("first = %q", first.DeliveryStatus)
	}
	if second.DeliveryStatus != store.DeliverySent {
		t.Errorf("second = %q", second.DeliveryStatus)
	}
}

func TestSplitAudioTag(t *testing.T) {
	cases := []struct {
		body, text, audio string
	}{
		{"نص فقط", "نص فقط", ""},
		{"الرد\n[AUDIO: a/b.ogg]", "الرد", "a/b.ogg"},
		{"[AUDIO: x.ogg]", "", "x.ogg"},
	}
	for _, tc := range cases {
		text, audio := splitAudioTag(tc.body)
		if text != tc.text || audio != tc.audio {
			t.Errorf("splitAudioTag(%q) = %q, %q", tc.body, text, audio)
		}
	}
}
