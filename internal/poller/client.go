package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rentd/internal/models"
)

// ErrUnauthorized - маркетплейс отверг учётку или сессию.
var ErrUnauthorized = errors.New("marketplace: unauthorized")

// Event - событие заказа с маркетплейса.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // order.paid | rental.start | order.refunded
	OrderID   string `json:"order_id"`
	AccountID uint   `json:"account_id"`
	Buyer     string `json:"buyer"`
	Minutes   int    `json:"minutes"`
}

const (
	EventOrderPaid     = "order.paid"
	EventRentalStart   = "rental.start"
	EventOrderRefunded = "order.refunded"
)

type Session struct {
	Token string `json:"token"`
}

// Client - внешний API маркетплейса.
type Client interface {
	Login(ctx context.Context, cred models.MarketplaceCredential) (*Session, error)
	Poll(ctx context.Context, s *Session, cursor string) (events []Event, next string, err error)
}

// HTTPClient - JSON поверх HTTP к marketplace.base_url.
type HTTPClient struct {
	base string
	http *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Login(ctx context.Context, cred models.MarketplaceCredential) (*Session, error) {
	body := map[string]any{"login": cred.Login, "secret": cred.Secret}
	if len(cred.Blob) > 0 {
		body["extra"] = json.RawMessage(cred.Blob)
	}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/login", "", body, &s); err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, fmt.Errorf("login: empty token: %w", ErrUnauthorized)
	}
	return &s, nil
}

func (c *HTTPClient) Poll(ctx context.Context, s *Session, cursor string) ([]Event, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/api/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []Event `json:"events"`
		Cursor string  `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, s.Token, nil, &out); err != nil {
		return nil, cursor, err
	}
	if out.Cursor == "" {
		out.Cursor = cursor
	}
	return out.Events, out.Cursor, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("marketplace %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("marketplace %s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("marketplace %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
