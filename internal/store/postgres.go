package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent records an enrollment. Re-enrolling an agent id refreshes its
// name, site and role.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent Agent) (Agent, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, name, site, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, site = EXCLUDED.site, role = EXCLUDED.role, last_seen_at = NOW()
		RETURNING enrolled_at, last_seen_at
	`, agent.ID, agent.Name, agent.Site, agent.Role).Scan(&agent.EnrolledAt, &agent.LastSeenAt)
	if err != nil {
		return Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, site, role, enrolled_at, last_seen_at
		FROM agents WHERE id = $1
	`, agentID).Scan(&agent.ID, &agent.Name, &agent.Site, &agent.Role, &agent.EnrolledAt, &agent.LastSeenAt)
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}

func (s *PostgresStore) RevokeAgentToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_agent_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke agent token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAgentTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_agent_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// InsertMutation stores m unless its idempotency key was already received.
// The returned mutation is the stored one; duplicate reports whether it
// already existed.
func (s *PostgresStore) InsertMutation(ctx context.Context, m Mutation) (Mutation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("begin insert mutation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_mutations (id, idempotency_key, agent_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, m.ID, m.IdempotencyKey, m.AgentID, []byte(m.Payload))
	if err != nil {
		return Mutation{}, false, fmt.Errorf("insert mutation: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return Mutation{}, false, fmt.Errorf("insert mutation rows: %w", err)
	}

	var stored Mutation
	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, idempotency_key, agent_id, payload, received_at
		FROM sync_mutations WHERE idempotency_key = $1
	`, m.IdempotencyKey).Scan(&stored.ID, &stored.IdempotencyKey, &stored.AgentID, &payload, &stored.ReceivedAt)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("load mutation: %w", err)
	}
	stored.Payload = payload

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen_at = NOW() WHERE id = $1`, m.AgentID); err != nil {
		return Mutation{}, false, fmt.Errorf("touch agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Mutation{}, false, fmt.Errorf("commit mutation: %w", err)
	}
	return stored, inserted == 0, nil
}

// ListMutations returns the most recent mutations first. An empty agentID
// lists every agent.
func (s *PostgresStore) ListMutations(ctx context.Context, agentID string, limit int) ([]Mutation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, agent_id, payload, received_at
		FROM sync_mutations
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY received_at DESC, id DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []Mutation
	for rows.Next() {
		var m Mutation
		var payload []byte
		if err := rows.Scan(&m.ID, &m.IdempotencyKey, &m.AgentID, &payload, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		m.Payload = payload
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return mutations, nil
}

// IsNotFound reports whether err is a missing-row error from this store.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
