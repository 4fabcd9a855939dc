package filter

import (
	"strings"
	"testing"

	"github.com/almudeerhq/almudeer/internal/channels"
)

func msg(sender, subject, body string) channels.Message {
	return channels.Message{SenderContact: sender, Subject: subject, Body: body}
}

func TestApplyOrder(t *testing.T) {
	tests := []struct {
		name   string
		msg    channels.Message
		fc     Context
		pass   bool
		reason string
	}{
		{
			name: "normal message passes",
			msg:  msg("customer@example.com", "سؤال", "مرحباً، كم سعر المنتج؟"),
			pass: true,
		},
		{
			name:   "too short",
			msg:    msg("a@b.c", "", "ok"),
			pass:   false,
			reason: ReasonEmpty,
		},
		{
			name:   "no letters",
			msg:    msg("a@b.c", "", "12345 !!! 678"),
			pass:   false,
			reason: ReasonEmpty,
		},
		{
			name:   "spam keyword plus urls",
			msg:    msg("a@b.c", "", "congratulations you won! http://a.x http://b.x http://c.x http://d.x"),
			pass:   false,
			reason: ReasonSpam,
		},
		{
			name:   "arabic spam keyword with shouting",
			msg:    msg("a@b.c", "", "اربح الآن "+strings.Repeat("WIN BIG MONEY TODAY ", 4)),
			pass:   false,
			reason: ReasonSpam,
		},
		{
			name: "urls alone are not spam",
			msg:  msg("a@b.c", "", "here are the links http://a.x http://b.x http://c.x http://d.x thanks"),
			pass: true,
		},
		{
			name:   "noreply sender",
			msg:    msg("no-reply@shop.com", "Order", "Thanks for shopping with us"),
			pass:   false,
			reason: ReasonAutomated,
		},
		{
			name:   "otp body",
			msg:    msg("someone@bank.com", "", "Your verification code is 482913"),
			pass:   false,
			reason: ReasonAutomated,
		},
		{
			name:   "arabic otp",
			msg:    msg("someone@bank.com", "", "رمز التحقق الخاص بك هو 482913"),
			pass:   false,
			reason: ReasonAutomated,
		},
		{
			name:   "duplicate window",
			msg:    msg("a@b.c", "", "same message again"),
			fc:     Context{RecentDuplicate: true},
			pass:   false,
			reason: ReasonDuplicateWindow,
		},
		{
			name:   "blocked sender",
			msg:    msg("Spammer@example.com", "", "hello there"),
			fc:     Context{BlockedSenders: []string{"spammer@example.com"}},
			pass:   false,
			reason: ReasonBlockedSender,
		},
		{
			name:   "blocked keyword",
			msg:    msg("a@b.c", "", "please refund my order"),
			fc:     Context{BlockedKeywords: []string{"refund"}},
			pass:   false,
			reason: ReasonBlockedKeyword,
		},
		{
			name: "allow keyword overrides block",
			msg:  msg("a@b.c", "", "please refund my order urgent"),
			fc:   Context{BlockedKeywords: []string{"refund"}, AllowedKeywords: []string{"urgent"}},
			pass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass, reason := Apply(tt.msg, tt.fc)
			if pass != tt.pass || reason != tt.reason {
				t.Errorf("Apply = (%v, %q), want (%v, %q)", pass, reason, tt.pass, tt.reason)
			}
		})
	}
}

func TestApplyIsPure(t *testing.T) {
	m := msg("a@b.c", "hello", "مرحباً كيف حالك اليوم")
	fc := Context{}
	p1, r1 := Apply(m, fc)
	for i := 0; i < 5; i++ {
		p, r := Apply(m, fc)
		if p != p1 || r != r1 {
			t.Fatalf("Apply not deterministic: (%v,%q) then (%v,%q)", p1, r1, p, r)
		}
	}
}

func TestBodyPrefix(t *testing.T) {
	long := strings.Repeat("م", 150)
	if got := BodyPrefix(long); len([]rune(got)) != 100 {
		t.Errorf("prefix length = %d", len([]rune(got)))
	}
	if got := BodyPrefix("short"); got != "short" {
		t.Errorf("short prefix = %q", got)
	}
}
