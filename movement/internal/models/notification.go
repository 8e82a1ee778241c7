package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyProposalCreated NotificationKind = "proposal_created"
	NotifyHumanVoteNeeded NotificationKind = "human_vote_needed"
	NotifyAIVoteCast      NotificationKind = "ai_vote_cast"
	NotifyReminder        NotificationKind = "reminder"
	NotifyDeadlineWarning NotificationKind = "deadline_warning"
	NotifyStatusChanged   NotificationKind = "status_changed"
	NotifyCompletion      NotificationKind = "completion"
)

// Notification is an outbound event for the transport layer. DedupeKey
// identifies the transition it announces so re-delivery is suppressed.
type Notification struct {
	ID            uuid.UUID        `json:"id"`
	Kind          NotificationKind `json:"kind"`
	SessionID     string           `json:"sessionId"`
	ProposalID    uuid.UUID        `json:"proposalId"`
	TargetVoterID string           `json:"targetVoterId,omitempty"`
	Urgency       Urgency          `json:"urgency"`
	Status        ProposalStatus   `json:"status"`
	Message       string           `json:"message"`
	Summary       *VotingSummary   `json:"summary,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	DedupeKey     string           `json:"dedupeKey"`
}
