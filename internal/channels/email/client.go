package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/store"
)

// TokenStore persists a refreshed access token so the next poll does not
// have to refresh again. Satisfied by *store.DB.
type TokenStore interface {
	UpdateCredentialPayload(ctx context.Context, id int64, payload map[string]string) error
}

// gmailClient is a lightweight Gmail REST client using net/http. A 401
// triggers one token refresh and one retry; a second 401 surfaces as a
// non-retryable auth error so the credential can be deactivated.
type gmailClient struct {
	baseURL  string
	tokenURL string
	httpc    *http.Client
	tokens   TokenStore
}

func newGmailClient(tokens TokenStore) *gmailClient {
	return &gmailClient{
		baseURL:  "https://gmail.googleapis.com/gmail/v1/users/me",
		tokenURL: "https://oauth2.googleapis.com/token",
		httpc:    &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
	}
}

func (c *gmailClient) doJSON(ctx context.Context, cred *store.Credential, method, path string, body any, dst any) error {
	status, raw, err := c.doOnce(ctx, cred, method, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := c.refreshToken(ctx, cred); err != nil {
			return err
		}
		status, raw, err = c.doOnce(ctx, cred, method, path, body)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return channels.NewTransportError("auth", false,
				fmt.Errorf("gmail: refreshed token still rejected"))
		}
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return channels.NewTransportError("api", true,
			fmt.Errorf("gmail %s %s: status %d", method, path, status))
	}
	if status != http.StatusOK {
		return channels.NewTransportError("api", false,
			fmt.Errorf("gmail %s %s: status %d: %s", method, path, status, truncate(raw, 200)))
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("gmail decode %s: %w", path, err)
	}
	return nil
}

func (c *gmailClient) doOnce(ctx context.Context, cred *store.Credential, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Payload[keyAccessToken])
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, channels.NewTransportError("api", true, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0, nil, channels.NewTransportError("api", true, err)
	}
	return resp.StatusCode, raw, nil
}

// refreshToken exchanges the refresh token for a new access token and
// persists the updated payload.
func (c *gmailClient) refreshToken(ctx context.Context, cred *store.Credential) error {
	form := url.Values{
		"client_id":     {cred.Payload[keyClientID]},
		"client_secret": {cred.Payload[keyClientSecret]},
		"refresh_token": {cred.Payload[keyRefreshToken]},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return channels.NewTransportError("auth", true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channels.NewTransportError("auth", false,
			fmt.Errorf("gmail token refresh: status %d", resp.StatusCode))
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.AccessToken == "" {
		return channels.NewTransportError("auth", false,
			fmt.Errorf("gmail token refresh: bad response"))
	}

	cred.Payload[keyAccessToken] = out.AccessToken
	if c.tokens != nil {
		if err := c.tokens.UpdateCredentialPayload(ctx, cred.ID, cred.Payload); err != nil {
			return fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
