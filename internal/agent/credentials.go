package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"angkor/offline/internal/kv"
)

// CredentialsKey holds the agent's enrollment in the local store.
const CredentialsKey = "agentCredentials"

// ErrNotEnrolled means no token was configured and no enroll secret is
// available to obtain one.
var ErrNotEnrolled = errors.New("agent not enrolled")

type credentials struct {
	AgentID   string    `json:"agentId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// credentialSource resolves the bearer token for the sync API. Callers block
// until a pending enrollment finishes or their context ends.
type credentialSource struct {
	local       kv.Store
	client      *http.Client
	syncURL     string
	enrollToken string
	name        string
	site        string
	role        string
	now         func() time.Time
	logger      *slog.Logger

	sem     chan struct{}
	mu      sync.Mutex
	current credentials
}

func newCredentialSource(ctx context.Context, local kv.Store, client *http.Client, syncURL, staticToken, enrollToken, name, site, role string, logger *slog.Logger) *credentialSource {
	c := &credentialSource{
		local:       local,
		client:      client,
		syncURL:     strings.TrimRight(syncURL, "/"),
		enrollToken: enrollToken,
		name:        name,
		site:        site,
		role:        role,
		now:         time.Now,
		logger:      logger,
		sem:         make(chan struct{}, 1),
	}
	if staticToken != "" {
		c.current = credentials{Token: staticToken}
		return c
	}
	raw, err := local.Get(ctx, CredentialsKey)
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &c.current); err != nil {
			logger.Warn("stored credentials unreadable", "error", err)
			c.current = credentials{}
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		logger.Warn("read stored credentials", "error", err)
	}
	return c
}

func (c *credentialSource) snapshot() (credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.current
	if creds.Token == "" {
		return creds, false
	}
	return creds, creds.ExpiresAt.IsZero() || c.now().Before(creds.ExpiresAt)
}

// Token returns a usable token, enrolling first when none is held. Only one
// enrollment runs at a time; other callers wait for it.
func (c *credentialSource) Token(ctx context.Context) (string, error) {
	if creds, ok := c.snapshot(); ok {
		return creds.Token, nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-c.sem }()

	previous, ok := c.snapshot()
	if ok {
		return previous.Token, nil
	}
	if c.enrollToken == "" {
		return "", ErrNotEnrolled
	}
	creds, err := c.enroll(ctx, previous.AgentID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.current = creds
	c.mu.Unlock()
	if encoded, err := json.Marshal(creds); err == nil {
		if err := c.local.Set(ctx, CredentialsKey, string(encoded)); err != nil {
			c.logger.Warn("persist credentials", "error", err)
		}
	}
	c.logger.Info("agent enrolled", "agent_id", creds.AgentID, "expires_at", creds.ExpiresAt)
	return creds.Token, nil
}

// AgentID is the id assigned at enrollment, empty before it.
func (c *credentialSource) AgentID() string {
	creds, _ := c.snapshot()
	return creds.AgentID
}

func (c *credentialSource) enroll(ctx context.Context, agentID string) (credentials, error) {
	body, err := json.Marshal(map[string]string{
		"agentId": agentID,
		"name":    c.name,
		"site":    c.site,
		"role":    c.role,
	})
	if err != nil {
		return credentials{}, fmt.Errorf("encode enrollment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.syncURL+"/api/agents/token", bytes.NewReader(body))
	if err != nil {
		return credentials{}, fmt.Errorf("build enrollment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Angkor-Enroll-Token", c.enrollToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return credentials{}, fmt.Errorf("enroll agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return credentials{}, fmt.Errorf("enroll agent: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var creds credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return credentials{}, fmt.Errorf("decode enrollment: %w", err)
	}
	if creds.Token == "" {
		return credentials{}, errors.New("enroll agent: empty token")
	}
	return creds, nil
}

// Invalidate drops a token the sync API rejected so the next call enrolls
// again. A statically configured token is kept.
func (c *credentialSource) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enrollToken == "" || c.current.Token != token {
		return
	}
	c.current.Token = ""
	c.current.ExpiresAt = time.Time{}
}
