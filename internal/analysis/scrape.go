package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	scrapeTimeout  = 10 * time.Second
	scrapeMaxBytes = 2 << 20
	scrapeMaxChars = 2000
)

var (
	urlPattern         = regexp.MustCompile(`https?://[^\s<>"']+`)
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagPattern         = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern       = regexp.MustCompile(`\s+`)
)

// FirstURL returns the first http(s) URL in the body, or empty.
func FirstURL(body string) string {
	return urlPattern.FindString(body)
}

// Scraper fetches one page of context for the analyzer. Failures are
// never fatal to the analysis, the caller just proceeds without page
// context.
type Scraper struct {
	httpc *http.Client
}

// NewScraper builds a scraper with the 10 second budget.
func NewScraper() *Scraper {
	return &Scraper{httpc: &http.Client{Timeout: scrapeTimeout}}
}

// Fetch downloads the URL and returns its visible text, capped at 2000
// characters.
func (s *Scraper) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; almudeer/1.0)")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scrape %s: status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, scrapeMaxBytes))
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", url, err)
	}
	return capRunes(visibleText(string(raw)), scrapeMaxChars), nil
}

func visibleText(html string) string {
	text := scriptStylePattern.ReplaceAllString(html, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

func capRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
