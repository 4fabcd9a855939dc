package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/dedup"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/store"
)

// fakeAdapter serves canned messages and records fetch options.
type fakeAdapter struct {
	channels.Unsupported
	channel  string
	msgs     []channels.Message
	lastOpts channels.FetchOptions
	fetchErr error
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) FetchNew(_ context.Context, _ *store.Credential, opts channels.FetchOptions) ([]channels.Message, error) {
	f.lastOpts = opts
	return f.msgs, f.fetchErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db   *store.DB
	pipe *Pipeline
	lic  *store.License
	cred *store.Credential
}

func newFixture(t *testing.T, adapter channels.Adapter) *fixture {
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
		t.Fatalf("create license: %v", err)
	}
	cred := &store.Credential{
		LicenseID: lic.ID,
		Channel:   adapter.Channel(),
		Payload:   map[string]string{},
		Active:    true,
		AutoReply: true,
	}
	if err := db.UpsertCredential(context.Background(), cred); err != nil {
		t.Fatalf("upsert credential: %v", err)
	}
	stored, err := db.CredentialFor(context.Background(), lic.ID, adapter.Channel())
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}

	reg := channels.Registry{adapter.Channel(): adapter}
	conv := conversations.New(db, nil, testLogger())
	pipe := NewPipeline(db, reg, dedup.New(1000), conv, t.TempDir(), testLogger())
	return &fixture{db: db, pipe: pipe, lic: lic, cred: stored}
}

func inboundMsg(id, sender, body string, at time.Time) channels.Message {
	return channels.Message{
		Channel:          store.ChannelWhatsApp,
		ChannelMessageID: id,
		SenderID:         sender,
		SenderContact:    sender,
		SenderName:       "عميل",
		Body:             body,
		ReceivedAt:       at,
	}
}

func pendingTasks(t *testing.T, db *store.DB) []*store.Task {
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

func TestIngestPersistsAndEnqueues(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{channel: store.ChannelWhatsApp})
	ctx := context.Background()

	err := fx.pipe.IngestBatch(ctx, fx.cred, []channels.Message{
		inboundMsg("w1", "966501234567", "هل المنتج متوفر؟", time.Now().UTC()),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	rows, err := fx.db.ListInbox(ctx, fx.lic.ID, 10, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("inbox rows = %d, %v", len(rows), err)
	}
	if rows[0].Status != store.StatusPending {
		t.Errorf("status = %q", rows[0].Status)
	}

	tasks := pendingTasks(t, fx.db)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	var payload queue.AnalyzePayload
	if err := json.Unmarshal(tasks[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.MessageID != rows[0].ID || !payload.AutoReply {
		t.Errorf("payload = %+v", payload)
	}

	conv, err := fx.db.ConversationBySender(ctx, fx.lic.ID, "966501234567")
	if err != nil || conv == nil {
		t.Fatalf("conversation missing: %v", err)
	}
}

func TestIngestSuppressesReplays(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{channel: store.ChannelWhatsApp})
	ctx := context.Background()
	msg := inboundMsg("w1", "966501234567", "رسالة واحدة فقط", time.Now().UTC())

	if err := fx.pipe.IngestBatch(ctx, fx.cred, []channels.Message{msg}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Same channel_message_id again: in-process dedup eats it.
	if err := fx.pipe.IngestBatch(ctx, fx.cred, []channels.Message{msg}); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	rows, _ := fx.db.ListInbox(ctx, fx.lic.ID, 10, 0)
	if len(rows) != 1 {
		t.Fatalf("inbox rows = %d, want 1", len(rows))
	}
	if tasks := pendingTasks(t, fx.db); len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestIngestFiltersSpam(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{channel: store.ChannelWhatsApp})
	ctx := context.Background()

	err := fx.pipe.IngestBatch(ctx, fx.cred, []channels.Message{
		inboundMsg("w1", "966501234567",
			"اربح الآن http://a.example http://b.example http://c.example http://d.example", time.Now().UTC()),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if rows, _ := fx.db.ListInbox(ctx, fx.lic.ID, 10, 0); len(rows) != 0 {
		t.Errorf("spam persisted: %+v", rows)
	}
}

func TestBurstMergesFragments(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{channel: store.ChannelWhatsApp})
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	batch := []channels.Message{
		inboundMsg("w1", "966501234567", "مرحباً", base),
		inboundMsg("w2", "966501234567", "عندي سؤال", base.Add(30*time.Second)),
		{
			Channel: store.ChannelWhatsApp, ChannelMessageID: "w3",
			SenderID: "966501234567", SenderContact: "966501234567",
			Body:       "هل يوجد توصيل؟",
			ReceivedAt: base.Add(time.Minute),
			Attachments: []store.Attachment{
				{Type: store.AttachmentImage, PlatformMediaID: "", Path: "x.jpg"},
			},
		},
		inboundMsg("o1", "other-sender", "رسالة مستقلة", base),
	}
	if err := fx.pipe.IngestBatch(ctx, fx.cred, batch); err != nil {
		t.Fatalf("batch: %v", err)
	}

	rows, _ := fx.db.ListInbox(ctx, fx.lic.ID, 10, 0)
	merged := 0
	for _, r := range rows {
		if r.Status == store.StatusMerged {
			merged++
			if r.AISummary != store.MergedSummary {
				t.Errorf("merge summary = %q", r.AISummary)
			}
		}
	}
	if merged != 2 {
		t.Errorf("merged rows = %d, want 2", merged)
	}

	// One analyze task for the burst's last message, one for the
	// independent sender.
	tasks := pendingTasks(t, fx.db)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	var burst *queue.AnalyzePayload
	for _, task := range tasks {
		var p queue.AnalyzePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if strings.Contains(p.Body, "\n") {
			burst = &p
		}
	}
	if burst == nil {
		t.Fatalf("no concatenated payload found")
	}
	for _, want := range []string{"[14:30] مرحباً", "[14:30] عندي سؤال", "[14:31] هل يوجد توصيل؟"} {
		if !strings.Contains(burst.Body, want) {
			t.Errorf("concat missing %q: %q", want, burst.Body)
		}
	}
	if len(burst.Attachments) != 1 {
		t.Errorf("attachment union = %+v", burst.Attachments)
	}
}

func TestSchedulerBackfillThenWindowedPoll(t *testing.T) {
	adapter := &fakeAdapter{channel: store.ChannelEmail}
	fx := newFixture(t, adapter)
	sched := NewScheduler(fx.pipe, nil, time.Hour, 30, testLogger())
	sched.stagger = func(context.Context) {}

	sched.Cycle(context.Background())
	if !adapter.lastOpts.Backfill {
		t.Errorf("first poll not backfill: %+v", adapter.lastOpts)
	}
	if adapter.lastOpts.SinceHours != 30*24 || adapter.lastOpts.Limit != backfillLimit {
		t.Errorf("backfill opts = %+v", adapter.lastOpts)
	}

	sched.Cycle(context.Background())
	if adapter.lastOpts.Backfill {
		t.Errorf("second poll still backfill")
	}
	if adapter.lastOpts.SinceHours < 1 || adapter.lastOpts.SinceHours > 2 {
		t.Errorf("windowed since_hours = %d", adapter.lastOpts.SinceHours)
	}
}

func TestPlaceholderRetryOncePerCycle(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{channel: store.ChannelWhatsApp})
	ctx := context.Background()

	// Two stuck messages; only one may be retried per cycle.
	for _, id := range []string{"s1", "s2"} {
		row := &store.InboxMessage{
			LicenseID: fx.lic.ID, Channel: store.ChannelWhatsApp,
			SenderContact: "966501234567", Body: "سؤال",
			ChannelMessageID: id, Status: store.StatusPending,
			ReceivedAt: time.Now().UTC(),
		}
		if dup, err := fx.db.InsertInboxMessage(ctx, row); err != nil || dup {
			t.Fatalf("insert: dup=%v err=%v", dup, err)
		}
		if err := fx.db.SetInboxDraft(ctx, row.ID, store.DraftPlaceholder); err != nil {
			t.Fatalf("draft: %v", err)
		}
	}

	sched := NewScheduler(fx.pipe, nil, time.Hour, 30, testLogger())
	retried := make(map[int64]struct{})
	sched.retryPlaceholders(ctx, fx.lic.ID, retried)
	if tasks := pendingTasks(t, fx.db); len(tasks) != 1 {
		t.Fatalf("tasks after first pass = %d, want 1", len(tasks))
	}

	// Same cycle set: the next pass picks the second message, not the
	// first again.
	sched.retryPlaceholders(ctx, fx.lic.ID, retried)
	if len(retried) != 2 {
		t.Errorf("cycle set = %d entries, want 2", len(retried))
	}
}
