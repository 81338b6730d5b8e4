// Package auth exposes the token/entitlement surface the session router
// consumes. The GraphQL backend is an external collaborator; only its
// consumed contract lives here.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Provider supplies the auth checks a session start requires.
type Provider interface {
	// GetTokenMaybeRefresh returns a valid access token, refreshing a
	// stale one if needed. Empty string means not signed in.
	GetTokenMaybeRefresh(ctx context.Context) (string, error)
	// SubscriptionActive reports the cached paid-entitlement flag from the
	// last whoami query.
	SubscriptionActive() bool
}

const tokenTTL = 30 * time.Minute

// Client talks to the GraphQL auth endpoint and caches the token plus the
// subscription flag.
type Client struct {
	endpoint string
	token    string // long-lived refresh credential from config
	httpc    *http.Client

	mu          sync.Mutex
	accessToken string
	fetchedAt   time.Time
	active      bool
}

func NewClient(endpoint, token string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{endpoint: endpoint, token: token, httpc: httpc}
}

const whoamiQuery = `{ whoami { token subscription { active } } }`

type whoamiResponse struct {
	Data struct {
		Whoami struct {
			Token        string `json:"token"`
			Subscription struct {
				Active bool `json:"active"`
			} `json:"subscription"`
		} `json:"whoami"`
	} `json:"data"`
}

func (c *Client) GetTokenMaybeRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.accessToken
	fresh := time.Since(c.fetchedAt) < tokenTTL
	c.mu.Unlock()
	if cached != "" && fresh {
		return cached, nil
	}

	body, err := json.Marshal(map[string]string{"query": whoamiQuery})
	if err != nil {
		return "", fmt.Errorf("auth: marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: whoami: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		slog.Info("auth refresh rejected; treating as signed out", "status", resp.StatusCode)
		c.mu.Lock()
		c.accessToken = ""
		c.active = false
		c.mu.Unlock()
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("auth: whoami failed: status=%d", resp.StatusCode)
	}

	var parsed whoamiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("auth: decode whoami: %w", err)
	}

	c.mu.Lock()
	c.accessToken = parsed.Data.Whoami.Token
	c.active = parsed.Data.Whoami.Subscription.Active
	c.fetchedAt = time.Now()
	token := c.accessToken
	c.mu.Unlock()
	return token, nil
}

func (c *Client) SubscriptionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
