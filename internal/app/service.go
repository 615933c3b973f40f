package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"angkor/offline/internal/auth"
	"angkor/offline/internal/config"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/rbac"
	"angkor/offline/internal/store"
	"angkor/offline/internal/util"
)

// Session is the authenticated agent behind a request.
type Session struct {
	Token     string
	AgentID   string
	AgentName string
	Site      string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// Enrollment is the response to a successful agent enrollment.
type Enrollment struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agentId"`
	Name      string    `json:"name"`
	Site      string    `json:"site"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EnrollRequest names the agent being enrolled. An empty AgentID enrolls a
// new agent.
type EnrollRequest struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Site    string `json:"site"`
	Role    string `json:"role"`
}

// MutationView is the JSON shape of a received mutation.
type MutationView struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	AgentID        string          `json:"agentId"`
	Payload        json.RawMessage `json:"payload"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	UpsertAgent(context.Context, store.Agent) (store.Agent, error)
	GetAgent(context.Context, string) (store.Agent, error)
	RevokeAgentToken(context.Context, string, time.Time) error
	IsAgentTokenRevoked(context.Context, string) (bool, error)
	InsertMutation(context.Context, store.Mutation) (store.Mutation, bool, error)
	ListMutations(context.Context, string, int) ([]store.Mutation, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, logger *slog.Logger) *Service {
	return newService(cfg, dataStore, logger)
}

func newService(cfg config.Config, dataStore dataStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		logger: logging.For(logger, logging.ChannelStore),
		now:    time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// EnrollAgent registers an agent and issues it a token. The presented enroll
// secret must match the configured one.
func (s *Service) EnrollAgent(ctx context.Context, enrollToken string, req EnrollRequest) (Enrollment, error) {
	if !s.enrollSecretMatches(enrollToken) {
		return Enrollment{}, unauthorized("Enroll token invalid")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Enrollment{}, invalidField("name", "name is required")
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = util.NewID("agt")
	}

	agent, err := s.store.UpsertAgent(ctx, store.Agent{
		ID:   agentID,
		Name: name,
		Site: strings.TrimSpace(req.Site),
		Role: string(rbac.Normalize(req.Role)),
	})
	if err != nil {
		return Enrollment{}, err
	}

	expiresAt := s.now().Add(s.cfg.TokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  agent.ID,
		Name: agent.Name,
		Site: agent.Site,
		Role: agent.Role,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Enrollment{}, err
	}
	s.logger.Info("agent enrolled", "agent_id", agent.ID, "site", agent.Site, "role", agent.Role)

	return Enrollment{
		Token:     token,
		AgentID:   agent.ID,
		Name:      agent.Name,
		Site:      agent.Site,
		Role:      agent.Role,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) enrollSecretMatches(presented string) bool {
	if s.cfg.EnrollTokenHash != "" {
		return auth.MatchSecretHash(s.cfg.EnrollTokenHash, presented)
	}
	return auth.EqualSecret(s.cfg.EnrollToken, presented)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAgentTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	agent, err := s.store.GetAgent(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Site:      agent.Site,
		Role:      agent.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// RevokeToken invalidates the session's token before it expires.
func (s *Service) RevokeToken(ctx context.Context, session Session) error {
	return s.store.RevokeAgentToken(ctx, session.JTI, session.ExpiresAt)
}

// RecordMutation stores one queued mutation. Replaying an idempotency key
// returns the stored mutation with duplicate set.
func (s *Service) RecordMutation(ctx context.Context, session Session, idempotencyKey string, payload json.RawMessage) (MutationView, bool, error) {
	if !s.Can(session.Role, rbac.ActionSync) {
		return MutationView{}, false, forbidden("Role may not sync", session.Role)
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return MutationView{}, false, invalidField("Idempotency-Key", "Idempotency-Key header is required")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return MutationView{}, false, invalidField("payload", "payload must be JSON")
	}

	stored, duplicate, err := s.store.InsertMutation(ctx, store.Mutation{
		ID:             util.NewID("mut"),
		IdempotencyKey: key,
		AgentID:        session.AgentID,
		Payload:        payload,
	})
	if err != nil {
		return MutationView{}, false, err
	}
	if stored.AgentID != session.AgentID {
		return MutationView{}, false, domainError(http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key belongs to another agent", nil)
	}
	if duplicate {
		s.logger.Debug("duplicate mutation", "agent_id", session.AgentID, "idempotency_key", key)
	}
	return mutationView(stored), duplicate, nil
}

// ListMutations returns recent mutations. Listing another agent needs a role
// that may diagnose.
func (s *Service) ListMutations(ctx context.Context, session Session, agentID string, limit int) ([]MutationView, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden("Forbidden", "")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = session.AgentID
	}
	if agentID == "*" {
		agentID = ""
	}
	if agentID != session.AgentID && !s.Can(session.Role, rbac.ActionDiagnose) {
		return nil, forbidden("Role may not list other agents", session.Role)
	}

	mutations, err := s.store.ListMutations(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]MutationView, 0, len(mutations))
	for _, m := range mutations {
		views = append(views, mutationView(m))
	}
	return views, nil
}

func mutationView(m store.Mutation) MutationView {
	return MutationView{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		AgentID:        m.AgentID,
		Payload:        m.Payload,
		ReceivedAt:     m.ReceivedAt,
	}
}
