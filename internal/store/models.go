package store

import (
	"encoding/json"
	"time"
)

type Agent struct {
	ID         string
	Name       string
	Site       string
	Role       string
	EnrolledAt time.Time
	LastSeenAt time.Time
}

// Mutation is one sync queue item as received from an agent.
type Mutation struct {
	ID             string
	IdempotencyKey string
	AgentID        string
	Payload        json.RawMessage
	ReceivedAt     time.Time
}
