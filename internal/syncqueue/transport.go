package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeliveryError is a non-2xx answer from the sync API.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync api returned %d", e.Status)
	}
	return fmt.Sprintf("sync api returned %d: %s", e.Status, e.Body)
}

// HTTPTransport posts each item to <BaseURL>/api/sync.
type HTTPTransport struct {
	BaseURL string
	// Token returns the bearer token. It may block until enrollment finished.
	Token  func(ctx context.Context) (string, error)
	Client *http.Client
}

func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, item Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/sync", bytes.NewReader(item.Data))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.IdempotencyKey)
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve agent token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post sync item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
