package store

import (
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	pg := &DB{backend: Postgres}
	lite := &DB{backend: SQLite}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "simple",
			query: "SELECT * FROM t WHERE a = ? AND b = ?",
			want:  "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "question mark inside literal",
			query: "SELECT * FROM t WHERE a = 'what?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = 'what?' AND b = $1",
		},
		{
			name:  "many placeholders",
			query: "INSERT INTO t VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			want:  "INSERT INTO t VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pg.Rebind(tt.query); got != tt.want {
				t.Errorf("postgres rebind = %q, want %q", got, tt.want)
			}
			if got := lite.Rebind(tt.query); got != tt.query {
				t.Errorf("sqlite rebind = %q, want unchanged %q", got, tt.query)
			}
		})
	}
}

func TestBindTime(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

	lite := &DB{backend: SQLite}
	got, ok := lite.BindTime(ts).(string)
	if !ok {
		t.Fatalf("sqlite BindTime should produce a string, got %T", lite.BindTime(ts))
	}
	if got != "2025-03-14T15:09:26.000Z" {
		t.Errorf("sqlite BindTime = %q", got)
	}

	pg := &DB{backend: Postgres}
	if _, ok := pg.BindTime(ts).(time.Time); !ok {
		t.Errorf("postgres BindTime should produce time.Time, got %T", pg.BindTime(ts))
	}

	if lite.BindTimePtr(nil) != nil {
		t.Errorf("BindTimePtr(nil) should be nil")
	}
}

func TestBindTimeOrdering(t *testing.T) {
	// Lexicographic order of the sqlite encoding must match time order.
	lite := &DB{backend: SQLite}
	times := []time.Time{
		time.Date(2025, 1, 2, 9, 59, 59, 0, time.UTC),
		time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 10, 0, 0, 5e8, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		a := lite.BindTime(times[i-1]).(string)
		b := lite.BindTime(times[i]).(string)
		if !(a < b) {
			t.Errorf("encoding not monotone: %q !< %q", a, b)
		}
	}
}

func TestNullTimeScan(t *testing.T) {
	tests := []struct {
		name  string
		input any
		valid bool
	}{
		{"nil", nil, false},
		{"sqlite layout", "2025-03-14T15:09:26.000Z", true},
		{"rfc3339", "2025-03-14T15:09:26Z", true},
		{"space separated", "2025-03-14 15:09:26", true},
		{"date only", "2025-03-14", true},
		{"native time", time.Now(), true},
		{"bytes", []byte("2025-03-14T15:09:26Z"), true},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nt NullTime
			if err := nt.Scan(tt.input); err != nil {
				t.Fatalf("scan: %v", err)
			}
			if nt.Valid != tt.valid {
				t.Errorf("valid = %v, want %v", nt.Valid, tt.valid)
			}
		})
	}

	var nt NullTime
	if err := nt.Scan("not a time"); err == nil {
		t.Errorf("expected error for garbage input")
	}
}

func TestInPlaceholders(t *testing.T) {
	if got := inPlaceholders(1); got != "?" {
		t.Errorf("inPlaceholders(1) = %q", got)
	}
	if got := inPlaceholders(3); got != "?,?,?" {
		t.Errorf("inPlaceholders(3) = %q", got)
	}
}

func TestMarshalAttachments(t *testing.T) {
	if MarshalAttachments(nil) != nil {
		t.Errorf("empty list should marshal to nil")
	}
	atts := []Attachment{{Type: AttachmentImage, Mime: "image/jpeg", URL: "/u/1.jpg", Size: 123}}
	raw, ok := MarshalAttachments(atts).(string)
	if !ok {
		t.Fatalf("expected string")
	}
	back := UnmarshalAttachments(raw)
	if len(back) != 1 || back[0].Type != AttachmentImage || back[0].Size != 123 {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if UnmarshalAttachments("") != nil {
		t.Errorf("empty raw should be nil")
	}
}
