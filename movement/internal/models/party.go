package models

import (
	"time"

	"github.com/google/uuid"
)

type TurnState struct {
	Day            int `json:"day"`
	Turn           int `json:"turn"`
	MaxTurnsPerDay int `json:"maxTurnsPerDay"`
}

// PartyState is the shared location and turn state of one session's party.
type PartyState struct {
	SessionID  string    `json:"sessionId"`
	LocationID string    `json:"locationId"`
	Turn       TurnState `json:"turn"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RollbackRecord captures the state before a movement so it can be undone
// until Deadline. Only the newest record of a session may have CanRollback set.
type RollbackRecord struct {
	SessionID      string     `json:"sessionId"`
	ProposalID     uuid.UUID  `json:"proposalId"`
	Before         PartyState `json:"before"`
	After          PartyState `json:"after"`
	Deadline       time.Time  `json:"deadline"`
	CanRollback    bool       `json:"canRollback"`
	CreatedAt      time.Time  `json:"createdAt"`
	RolledBackAt   *time.Time `json:"rolledBackAt,omitempty"`
	RollbackReason string     `json:"rollbackReason,omitempty"`
}

type RollbackResult struct {
	ProposalID    uuid.UUID  `json:"proposalId"`
	SessionID     string     `json:"sessionId"`
	RestoredState PartyState `json:"restoredState"`
	Reason        string     `json:"reason"`
	RolledBackAt  time.Time  `json:"rolledBackAt"`
}
