// Package filter is the ordered rule chain every inbound message passes
// before persistence. Rules are pure functions over the normalized
// message and the per-license configuration; all lookups (recent-message
// window, blocklists) happen in the scheduler and arrive here as data.
package filter

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/almudeerhq/almudeer/internal/channels"
)

// Rejection reasons, short-circuited in rule order.
const (
	ReasonEmpty           = "empty"
	ReasonSpam            = "spam"
	ReasonAutomated       = "automated_sender"
	ReasonDuplicateWindow = "duplicate_window"
	ReasonBlockedSender   = "blocked_sender"
	ReasonBlockedKeyword  = "blocked_keyword"
)

// Context carries the per-license configuration and precomputed lookups
// for one evaluation.
type Context struct {
	BlockedSenders  []string
	BlockedKeywords []string
	AllowedKeywords []string

	// RecentDuplicate is true when the same sender already has a message
	// with the same first 100 characters inside the duplicate window.
	RecentDuplicate bool
}

// Apply runs the chain. pass=false comes with the first rejecting rule's
// reason.
func Apply(msg channels.Message, fc Context) (pass bool, reason string) {
	if isEmpty(msg.Body) {
		return false, ReasonEmpty
	}
	if spamScore(msg.Body) >= 3 {
		return false, ReasonSpam
	}
	if isAutomatedSender(msg.SenderContact, msg.Subject, msg.Body) {
		return false, ReasonAutomated
	}
	if fc.RecentDuplicate {
		return false, ReasonDuplicateWindow
	}
	if isBlockedSender(msg, fc.BlockedSenders) {
		return false, ReasonBlockedSender
	}
	if isKeywordBlocked(msg.Body, fc.BlockedKeywords, fc.AllowedKeywords) {
		return false, ReasonBlockedKeyword
	}
	return true, ""
}

// BodyPrefix returns the first 100 characters of a body, the key of the
// duplicate-window rule.
func BodyPrefix(body string) string {
	r := []rune(body)
	if len(r) > 100 {
		r = r[:100]
	}
	return string(r)
}

// isEmpty rejects bodies under 3 characters or without a single Latin or
// Arabic letter.
func isEmpty(body string) bool {
	if len([]rune(strings.TrimSpace(body))) < 3 {
		return true
	}
	for _, r := range body {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= 0x0600 && r <= 0x06FF) {
			return false
		}
	}
	return true
}

var spamKeywords = []string{
	// English
	"click here to claim", "you have won", "congratulations you won",
	"free money", "lottery", "viagra", "casino bonus", "crypto investment",
	"guaranteed profit", "act now", "limited offer expires",
	// Arabic
	"اربح الآن", "جائزة كبرى", "اضغط هنا للربح", "مبروك لقد ربحت",
	"استثمار مضمون", "ربح سريع", "عرض لفترة محدودة جدا",
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// spamScore: 2 for any keyword hit, 1 for more than 3 URLs, 1 for a
// shouting body (caps ratio over 0.5 on messages longer than 50 runes).
func spamScore(body string) int {
	score := 0
	lower := strings.ToLower(body)
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			score += 2
			break
		}
	}
	if len(urlPattern.FindAllString(body, 5)) > 3 {
		score++
	}
	if capsRatio(body) > 0.5 && len([]rune(body)) > 50 {
		score++
	}
	return score
}

func capsRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// automatedSenderPatterns match machine senders by address; the rest of
// the automated detection looks at subject and body phrasing.
var automatedSenderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(no-?reply|do-?not-?reply)[@.]`),
	regexp.MustCompile(`(?i)^(newsletter|marketing|promo|promotions|offers)@`),
	regexp.MustCompile(`(?i)^(notifications?|alerts?|updates?|info|news|digest)@`),
	regexp.MustCompile(`(?i)^(mailer-daemon|postmaster|bounce)@`),
	regexp.MustCompile(`(?i)@(mailchimp|sendgrid|mailgun|constantcontact)\.`),
}

var automatedContentPatterns = []*regexp.Regexp{
	// OTP and verification, EN + AR
	regexp.MustCompile(`(?i)\b(verification code|one-?time password|otp|2fa code|confirmation code)\b`),
	regexp.MustCompile(`رمز التحقق|كلمة المرور لمرة واحدة|رمز التفعيل`),
	// Marketing blasts
	regexp.MustCompile(`(?i)\b(unsubscribe|view (this email )?in browser|email preferences)\b`),
	regexp.MustCompile(`إلغاء الاشتراك`),
	// Transactional notices
	regexp.MustCompile(`(?i)\b(your order (has )?(shipped|been confirmed)|receipt for your payment|invoice #|payment received)\b`),
	regexp.MustCompile(`تم شحن طلبك|فاتورتك|تم استلام الدفع`),
	// Security alerts
	regexp.MustCompile(`(?i)\b(security alert|new sign-?in|sign-?in attempt|password (was )?(changed|reset))\b`),
	regexp.MustCompile(`تنبيه أمني|محاولة تسجيل دخول`),
	// Policy and onboarding
	regexp.MustCompile(`(?i)\b(privacy policy|terms of service) (update|change)`),
	regexp.MustCompile(`(?i)\b(welcome to|confirm your (email|account)|activate your account|getting started with)\b`),
	// CI / DevOps noise
	regexp.MustCompile(`(?i)\b(build (failed|passed|succeeded)|pipeline (failed|succeeded)|pull request (opened|merged)|deployment (complete|failed))\b`),
}

func isAutomatedSender(sender, subject, body string) bool {
	for _, p := range automatedSenderPatterns {
		if p.MatchString(sender) {
			return true
		}
	}
	for _, p := range automatedContentPatterns {
		if p.MatchString(subject) || p.MatchString(body) {
			return true
		}
	}
	return false
}

func isBlockedSender(msg channels.Message, blocked []string) bool {
	for _, b := range blocked {
		if b == "" {
			continue
		}
		if strings.EqualFold(msg.SenderContact, b) || strings.EqualFold(msg.SenderID, b) {
			return true
		}
	}
	return false
}

// isKeywordBlocked rejects bodies containing a blocked keyword unless an
// allowed keyword also matches; the allow list overrides the block list.
func isKeywordBlocked(body string, blocked, allowed []string) bool {
	lower := strings.ToLower(body)
	hit := false
	for _, kw := range blocked {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, kw := range allowed {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}
