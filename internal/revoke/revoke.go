// Package revoke - клиент внешнего сервиса отзыва учётных данных.
package revoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rentd/internal/models"
)

// Client отправляет POST на revocation.url. Ошибки не фатальны для вызывающего:
// результат всегда ExternalResult.
type Client struct {
	url   string
	token string
	http  *http.Client
}

type Options struct {
	URL     string
	Token   string
	Timeout time.Duration
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{url: opts.URL, token: opts.Token, http: &http.Client{Timeout: opts.Timeout}}
}

type request struct {
	AccountID uint            `json:"account_id"`
	TenantID  string          `json:"tenant_id"`
	Login     string          `json:"login"`
	Secret    string          `json:"secret"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

func (c *Client) Revoke(ctx context.Context, cred models.Credential) models.ExternalResult {
	return models.ResultOf(c.revoke(ctx, cred))
}

func (c *Client) revoke(ctx context.Context, cred models.Credential) error {
	body := request{AccountID: cred.AccountID, TenantID: cred.TenantID, Login: cred.Login, Secret: cred.Secret}
	if len(cred.Blob) > 0 && json.Valid(cred.Blob) {
		body.Extra = cred.Blob
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("revoke account %d: %w", cred.AccountID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revoke account %d: status %d: %s", cred.AccountID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Noop - сервис отзыва не настроен.
type Noop struct{}

func (Noop) Revoke(context.Context, models.Credential) models.ExternalResult { return models.Skipped() }
