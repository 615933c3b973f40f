package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Prober checks whether the sync API is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Reason string

const (
	ReasonNetwork Reason = "network"
	ReasonServer  Reason = "server"
)

func (r Reason) Message() string {
	if r == ReasonServer {
		return "The server is not responding. Please try again shortly."
	}
	return "No network connection. Check your connection and try again."
}

// ServerError is a probe that reached the server but got a non-2xx answer.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("health check returned %d", e.Status)
}

// ReasonOf tells a server-side failure from a network failure.
func ReasonOf(err error) Reason {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return ReasonServer
	}
	return ReasonNetwork
}

// HTTPProber sends HEAD <BaseURL>/api/health, bypassing caches.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServerError{Status: resp.StatusCode}
	}
	return nil
}
