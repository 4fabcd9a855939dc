package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/almudeerhq/almudeer/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.Database{Type: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedLicense(t *testing.T, db *DB) *License {
	t.Helper()
	l := &License{KeyHash: "hash-" + t.Name(), Name: "test", Active: true}
	if err := db.CreateLicense(context.Background(), l); err != nil {
		t.Fatalf("create license: %v", err)
	}
	return l
}

func TestInsertInboxMessageDedup(t *testing.T) {
	db := newTestDB(t)
	lic := seedLicense(t, db)
	ctx := context.Background()

	msg := &InboxMessage{
		LicenseID:        lic.ID,
		Channel:          ChannelWhatsApp,
		ChannelMessageID: "wamid.X",
		SenderContact:    "966501234567",
		Body:             "مرحباً",
	}
	dup, err := db.InsertInboxMessage(ctx, msg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if dup {
		t.Fatalf("first insert flagged duplicate")
	}
	if msg.ID == 0 {
		t.Fatalf("id not assigned")
	}

	again := &InboxMessage{
		LicenseID:        lic.ID,
		Channel:          ChannelWhatsApp,
		ChannelMessageID: "wamid.X",
		SenderContact:    "966501234567",
		Body:             "different body, same platform id",
	}
	dup, err = db.InsertInboxMessage(ctx, again)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if !dup {
		t.Fatalf("second insert not flagged duplicate")
	}

	var count int
	if err := db.FetchOne(ctx,
		`SELECT COUNT(*) FROM inbox_messages WHERE license_id = ? AND channel_message_id = ?`,
		lic.ID, "wamid.X").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("want exactly 1 row, got %d", count)
	}

	// Rows without a platform id never collide.
	for i := 0; i < 2; i++ {
		m := &InboxMessage{LicenseID: lic.ID, Channel: ChannelEmail, SenderContact: "a@b.c", Body: "x"}
		dup, err := db.InsertInboxMessage(ctx, m)
		if err != nil || dup {
			t.Fatalf("insert without channel id: dup=%v err=%v", dup, err)
		}
	}
}

func TestUpdateInboxAnalysisGuard(t *testing.T) {
	db := newTestDB(t)
	lic := seedLicense(t, db)
	ctx := context.Background()

	msg := &InboxMessage{LicenseID: lic.ID, Channel: ChannelTelegramUser,
		SenderContact: "+963912345678", Body: "سؤال عن السعر"}
	if _, err := db.InsertInboxMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := db.UpdateInboxAnalysis(ctx, msg.ID, Analysis{
		Intent: "inquiry", Urgency: "normal", Sentiment: "neutral",
		Language: "ar", Summary: "سؤال", Draft: "أهلاً",
	})
	if err != nil || !ok {
		t.Fatalf("first analysis: ok=%v err=%v", ok, err)
	}

	// The guard must refuse to reanalyze once the operator moved the row on.
	if err := db.SetInboxStatus(ctx, lic.ID, msg.ID, StatusApproved); err != nil {
		t.Fatalf("set status: %v", err)
	}
	ok, err = db.UpdateInboxAnalysis(ctx, msg.ID, Analysis{Intent: "spam"})
	if err != nil {
		t.Fatalf("second analysis: %v", err)
	}
	if ok {
		t.Errorf("analysis overwrote an operator decision")
	}

	got, err := db.InboxByID(ctx, lic.ID, msg.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Intent != "inquiry" || got.Status != StatusApproved {
		t.Errorf("row mutated: intent=%q status=%q", got.Intent, got.Status)
	}
}

func TestTaskQueueLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.EnqueueTask(ctx, "analyze_message", map[string]any{"message_id": 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := db.ClaimNextTask(ctx, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != id {
		t.Fatalf("claimed %+v, want id %d", task, id)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}

	// Queue drained: a second claim finds nothing.
	other, err := db.ClaimNextTask(ctx, "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if other != nil {
		t.Fatalf("second claim got %+v, want nil", other)
	}

	if err := db.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := db.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if done.Status != TaskDone || done.CompletedAt == nil {
		t.Errorf("task not done: %+v", done)
	}
}

func TestTaskQueueRetryAndExhaustion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.EnqueueTask(ctx, "send_outbox", map[string]any{"outbox_id": 9}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var last *Task
	for i := 1; i <= 3; i++ {
		// Retries are scheduled in the future; rewind them for the test.
		if _, err := db.Execute(ctx,
			`UPDATE task_queue SET next_attempt_at = ?`,
			db.BindTime(time.Now().UTC().Add(-time.Second))); err != nil {
			t.Fatalf("rewind: %v", err)
		}
		task, err := db.ClaimNextTask(ctx, "worker-1", 30*time.Second)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if task.Attempts != i {
			t.Errorf("claim %d attempts = %d", i, task.Attempts)
		}
		if err := db.FailTask(ctx, task, context.DeadlineExceeded); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		last = task
	}

	final, err := db.TaskByID(ctx, last.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if final.Status != TaskFailed {
		t.Errorf("status = %q, want failed after max attempts", final.Status)
	}
	if final.LastError == "" {
		t.Errorf("last_error empty")
	}
}

func TestReapExpiredLeases(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.EnqueueTask(ctx, "analyze_message", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := db.ClaimNextTask(ctx, "worker-1", 10*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	time.Sleep(20 * time.Millisecond)
	n, err := db.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	// The same task is re-delivered: at-least-once.
	again, err := db.ClaimNextTask(ctx, "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again == nil || again.ID != task.ID {
		t.Fatalf("reclaim got %+v, want task %d", again, task.ID)
	}
	if again.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", again.Attempts)
	}
}

func TestDeliveryStatusCAS(t *testing.T) {
	db := newTestDB(t)
	lic := seedLicense(t, db)
	ctx := context.Background()

	out := &OutboxMessage{LicenseID: lic.ID, Channel: ChannelWhatsApp,
		RecipientID: "966501234567", Body: "رد"}
	if err := db.CreateOutbox(ctx, out); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.MarkOutboxSent(ctx, out.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	ok, err := db.SetDeliveryStatus(ctx, out.ID, DeliveryDelivered, DeliverySent)
	if err != nil || !ok {
		t.Fatalf("delivered: ok=%v err=%v", ok, err)
	}
	// Stale expectation loses the race.
	ok, err = db.SetDeliveryStatus(ctx, out.ID, DeliveryRead, DeliverySent)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if ok {
		t.Errorf("stale CAS succeeded")
	}
	ok, err = db.SetDeliveryStatus(ctx, out.ID, DeliveryRead, DeliveryDelivered)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
}

func TestAliasPairs(t *testing.T) {
	db := newTestDB(t)
	lic := seedLicense(t, db)
	ctx := context.Background()

	rows := []InboxMessage{
		{LicenseID: lic.ID, Channel: ChannelTelegramUser, SenderContact: "+963912345678", SenderID: "12345", Body: "a"},
		{LicenseID: lic.ID, Channel: ChannelTelegramUser, SenderContact: "someuser", SenderID: "12345", Body: "b"},
		{LicenseID: lic.ID, Channel: ChannelTelegramUser, SenderContact: "unrelated", SenderID: "999", Body: "c"},
	}
	for i := range rows {
		if _, err := db.InsertInboxMessage(ctx, &rows[i]); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	pairs, err := db.AliasPairs(ctx, lic.ID, []string{"+963912345678", "12345"})
	if err != nil {
		t.Fatalf("alias pairs: %v", err)
	}
	contacts := map[string]bool{}
	for _, p := range pairs {
		contacts[p.SenderContact] = true
	}
	if !contacts["+963912345678"] || !contacts["someuser"] {
		t.Errorf("alias set incomplete: %v", contacts)
	}
	if contacts["unrelated"] {
		t.Errorf("alias set leaked an unrelated sender")
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	db := newTestDB(t)
	lic := seedLicense(t, db)
	ctx := context.Background()

	cred := &Credential{
		LicenseID: lic.ID,
		Channel:   ChannelTelegramBot,
		Payload:   map[string]string{"bot_token": "123:abc", "bot_username": "mybot"},
		Active:    true,
	}
	if err := db.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.CredentialFor(ctx, lic.ID, ChannelTelegramBot)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got == nil || got.Payload["bot_token"] != "123:abc" {
		t.Fatalf("payload mismatch: %+v", got)
	}

	// Re-upserting replaces the payload in place.
	cred.Payload["bot_token"] = "456:def"
	if err := db.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = db.CredentialFor(ctx, lic.ID, ChannelTelegramBot)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got.Payload["bot_token"] != "456:def" {
		t.Errorf("payload not replaced: %+v", got.Payload)
	}

	missing, err := db.CredentialFor(ctx, lic.ID, ChannelEmail)
	if err != nil {
		t.Fatalf("missing fetch: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for absent credential")
	}
}
