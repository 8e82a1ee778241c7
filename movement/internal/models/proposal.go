// Package models holds the records shared by the movement consensus engine,
// its persistence layer and its transport.
package models

import (
	"time"

	"github.com/google/uuid"
)

type ProposalStatus string

const (
	ProposalStatusPending    ProposalStatus = "pending"
	ProposalStatusVoting     ProposalStatus = "voting"
	ProposalStatusApproved   ProposalStatus = "approved"
	ProposalStatusRejected   ProposalStatus = "rejected"
	ProposalStatusExecuting  ProposalStatus = "executing"
	ProposalStatusCompleted  ProposalStatus = "completed"
	ProposalStatusFailed     ProposalStatus = "failed"
	ProposalStatusRolledBack ProposalStatus = "rolled_back"
)

// Active reports whether a proposal in this status still blocks new proposals
// for its session.
func (s ProposalStatus) Active() bool {
	switch s {
	case ProposalStatusPending, ProposalStatusVoting, ProposalStatusApproved, ProposalStatusExecuting:
		return true
	}
	return false
}

func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalStatusCompleted, ProposalStatusFailed, ProposalStatusRejected, ProposalStatusRolledBack:
		return true
	}
	return false
}

type MovementMethod string

const (
	MovementWalk     MovementMethod = "walk"
	MovementHorse    MovementMethod = "horse"
	MovementVehicle  MovementMethod = "vehicle"
	MovementBoat     MovementMethod = "boat"
	MovementFlight   MovementMethod = "flight"
	MovementTeleport MovementMethod = "teleport"
)

func (m MovementMethod) Valid() bool {
	switch m {
	case MovementWalk, MovementHorse, MovementVehicle, MovementBoat, MovementFlight, MovementTeleport:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy      Difficulty = "easy"
	DifficultyNormal    Difficulty = "normal"
	DifficultyHard      Difficulty = "hard"
	DifficultyDangerous Difficulty = "dangerous"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyNormal, DifficultyHard, DifficultyDangerous:
		return true
	}
	return false
}

// Proposal is a single request to move a session's party to a new location.
type Proposal struct {
	ID               uuid.UUID         `json:"id"`
	SessionID        string            `json:"sessionId"`
	ProposerID       string            `json:"proposerId"`
	TargetLocationID string            `json:"targetLocationId"`
	OriginLocationID string            `json:"originLocationId,omitempty"`
	MovementMethod   MovementMethod    `json:"movementMethod"`
	Reason           string            `json:"reason"`
	Urgency          Urgency           `json:"urgency"`
	Difficulty       Difficulty        `json:"difficulty"`
	EstimatedTurns   int               `json:"estimatedTurns"`
	EstimatedCost    int               `json:"estimatedCost"`
	Status           ProposalStatus    `json:"status"`
	ConsensusType    string            `json:"consensusType,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	LeaderID         string            `json:"leaderId,omitempty"`
	EligibleVoters   []Voter           `json:"eligibleVoters"`
	Settings         ConsensusSettings `json:"settings"`
	Flow             VotingFlow        `json:"flow"`
	Result           *MovementResult   `json:"result,omitempty"`
	Summary          *VotingSummary    `json:"summary,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	VotingDeadline   time.Time         `json:"votingDeadline"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	RolledBackAt     *time.Time        `json:"rolledBackAt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Voter returns the eligible voter with the given id.
func (p Proposal) Voter(id string) (Voter, bool) {
	for _, v := range p.EligibleVoters {
		if v.ID == id {
			return v, true
		}
	}
	return Voter{}, false
}

// Clone returns a deep copy so callers can't alias the manager's record.
func (p Proposal) Clone() Proposal {
	out := p
	out.EligibleVoters = append([]Voter(nil), p.EligibleVoters...)
	out.Settings = p.Settings.Clone()
	if p.Result != nil {
		r := *p.Result
		out.Result = &r
	}
	if p.Summary != nil {
		sum := p.Summary.Clone()
		out.Summary = &sum
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		out.ResolvedAt = &t
	}
	if p.RolledBackAt != nil {
		t := *p.RolledBackAt
		out.RolledBackAt = &t
	}
	return out
}

type FlowPhase string

const (
	FlowProposalCreated FlowPhase = "proposal_created"
	FlowHumanVoting     FlowPhase = "human_voting"
	FlowAIVoting        FlowPhase = "ai_voting"
	FlowMixedVoting     FlowPhase = "mixed_voting"
	FlowCompleted       FlowPhase = "completed"
	FlowTimeout         FlowPhase = "timeout"
)

type VotingOrder string

const (
	VotingOrderParallel   VotingOrder = "parallel"
	VotingOrderHumanFirst VotingOrder = "human_first"
	VotingOrderAIFirst    VotingOrder = "ai_first"
	VotingOrderSequential VotingOrder = "sequential"
)

func (o VotingOrder) Valid() bool {
	switch o {
	case VotingOrderParallel, VotingOrderHumanFirst, VotingOrderAIFirst, VotingOrderSequential:
		return true
	}
	return false
}

// VotingFlow tracks which voter group is currently being solicited.
type VotingFlow struct {
	Phase         FlowPhase   `json:"phase"`
	Order         VotingOrder `json:"order"`
	RemindersSent int         `json:"remindersSent"`
	HumansAsked   bool        `json:"humansAsked"`
	AIAsked       bool        `json:"aiAsked"`
}

type TurnImpact struct {
	TurnsAdvanced int  `json:"turnsAdvanced"`
	DayAdvanced   bool `json:"dayAdvanced"`
	PreviousDay   int  `json:"previousDay"`
	PreviousTurn  int  `json:"previousTurn"`
	NewDay        int  `json:"newDay"`
	NewTurn       int  `json:"newTurn"`
}

// MovementResult is what an executed proposal did to the party.
type MovementResult struct {
	ProposalID       uuid.UUID      `json:"proposalId"`
	SessionID        string         `json:"sessionId"`
	FromLocationID   string         `json:"fromLocationId"`
	ToLocationID     string         `json:"toLocationId"`
	Method           MovementMethod `json:"method"`
	Distance         int            `json:"distance"`
	TurnImpact       TurnImpact     `json:"turnImpact"`
	ExecutedAt       time.Time      `json:"executedAt"`
	RollbackDeadline time.Time      `json:"rollbackDeadline"`
}
