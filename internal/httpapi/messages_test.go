package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/almudeerhq/almudeer/internal/store"
)

func (fx *fixture) insertTimelineInbox(t *testing.T, sender, body string, at time.Time) {
	t.Helper()
	msg := &store.InboxMessage{
		LicenseID:        fx.lic.ID,
		Channel:          store.ChannelTelegramBot,
		ChannelMessageID: fmt.Sprintf("tl-%s-%d", body, at.UnixNano()),
		SenderID:         sender,
		SenderContact:    sender,
		Body:             body,
		Status:           store.StatusAnalyzed,
		ReceivedAt:       at,
	}
	if dup, err := fx.db.InsertInboxMessage(context.Background(), msg); err != nil || dup {
		t.Fatalf("insert inbox %q: dup=%v err=%v", body, dup, err)
	}
}

func (fx *fixture) insertTimelineOutbox(t *testing.T, recipient, body string, at time.Time) {
	t.Helper()
	_, err := fx.db.Execute(context.Background(),
		`INSERT INTO outbox_messages (license_id, channel, recipient_id, body, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fx.lic.ID, store.ChannelTelegramBot, recipient, body, store.StatusSent,
		fx.db.BindTime(at))
	if err != nil {
		t.Fatalf("insert outbox %q: %v", body, err)
	}
}

// fetchTimelinePage requests one conversation page and returns the bodies
// in response order plus the cursor for the next page.
func (fx *fixture) fetchTimelinePage(t *testing.T, sender, direction, cursor string, limit int) ([]string, string) {
	t.Helper()
	path := fmt.Sprintf("/conversations/%s/messages?limit=%d&direction=%s", sender, limit, direction)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}
	rec := fx.request(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("page %s: got %d (%s)", direction, rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	var bodies []string
	for _, m := range data["messages"].([]any) {
		bodies = append(bodies, m.(map[string]any)["body"].(string))
	}
	next, _ := data["next_cursor"].(string)
	return bodies, next
}

func TestConversationTimelinePagesWithoutGaps(t *testing.T) {
	fx := newFixture(t)
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

	// Interleave both sides of the conversation: incoming first, replies
	// after, each row one minute apart.
	for i := 1; i <= 3; i++ {
		fx.insertTimelineInbox(t, "42", fmt.Sprintf("in %d", i), base.Add(time.Duration(i)*time.Minute))
	}
	for i := 4; i <= 6; i++ {
		fx.insertTimelineOutbox(t, "42", fmt.Sprintf("out %d", i), base.Add(time.Duration(i)*time.Minute))
	}
	oldestFirst := []string{"in 1", "in 2", "in 3", "out 4", "out 5", "out 6"}

	// Walking forward from before the first row must visit every row in
	// ascending order, keeping the rows nearest the cursor on each page.
	var got []string
	cursor := encodeCursor(base, 0)
	for pages := 0; pages < 10; pages++ {
		bodies, next := fx.fetchTimelinePage(t, "42", "newer", cursor, 3)
		if len(bodies) == 0 {
			break
		}
		got = append(got, bodies...)
		cursor = next
	}
	if !reflect.DeepEqual(got, oldestFirst) {
		t.Fatalf("newer walk = %v, want %v", got, oldestFirst)
	}

	// Walking back from the newest row visits the same set in reverse.
	newestFirst := make([]string, len(oldestFirst))
	for i, b := range oldestFirst {
		newestFirst[len(oldestFirst)-1-i] = b
	}
	got = nil
	cursor = ""
	for pages := 0; pages < 10; pages++ {
		bodies, next := fx.fetchTimelinePage(t, "42", "older", cursor, 4)
		if len(bodies) == 0 {
			break
		}
		got = append(got, bodies...)
		cursor = next
	}
	if !reflect.DeepEqual(got, newestFirst) {
		t.Fatalf("older walk = %v, want %v", got, newestFirst)
	}
}

func TestMergeTimelineKeepsRowsNearestCursor(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	in := make([]store.InboxMessage, 0, 3)
	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		in = append(in, store.InboxMessage{ID: int64(i), Body: fmt.Sprintf("in %d", i), ReceivedAt: at})
	}
	out := make([]store.OutboxMessage, 0, 3)
	for i := 4; i <= 6; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		out = append(out, store.OutboxMessage{ID: int64(i), Body: fmt.Sprintf("out %d", i), CreatedAt: at})
	}

	newer := mergeTimeline(in, out, "newer", 3)
	if len(newer) != 3 {
		t.Fatalf("newer len = %d", len(newer))
	}
	for i, want := range []string{"in 1", "in 2", "in 3"} {
		if newer[i].Body != want {
			t.Fatalf("newer[%d] = %q, want %q", i, newer[i].Body, want)
		}
	}

	older := mergeTimeline(in, out, "older", 3)
	for i, want := range []string{"out 6", "out 5", "out 4"} {
		if older[i].Body != want {
			t.Fatalf("older[%d] = %q, want %q", i, older[i].Body, want)
		}
	}
}
