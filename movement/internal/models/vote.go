package models

import (
	"time"

	"github.com/google/uuid"
)

type VoterKind string

const (
	VoterHuman   VoterKind = "human"
	VoterAIAgent VoterKind = "ai_agent"
	VoterNPC     VoterKind = "npc"
)

func (k VoterKind) Valid() bool {
	switch k {
	case VoterHuman, VoterAIAgent, VoterNPC:
		return true
	}
	return false
}

// Voter is a party member. Kind is the variant tag: humans vote
// synchronously, AI agents asynchronously with decision metadata, and NPCs
// may be excluded from eligibility by policy.
type Voter struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Kind     VoterKind `json:"kind"`
	IsLeader bool      `json:"isLeader,omitempty"`
}

type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

func (c Choice) Valid() bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return true
	}
	return false
}

// AIDecision is attached to votes cast by AI agents.
type AIDecision struct {
	Confidence       float64  `json:"confidence"`
	Alternatives     []string `json:"alternatives,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
	ProcessingTimeMS int64    `json:"processingTimeMs"`
}

type Vote struct {
	ProposalID uuid.UUID   `json:"proposalId"`
	VoterID    string      `json:"voterId"`
	VoterKind  VoterKind   `json:"voterKind"`
	Choice     Choice      `json:"choice"`
	Reason     string      `json:"reason,omitempty"`
	Sequence   uint64      `json:"sequence"`
	AI         *AIDecision `json:"ai,omitempty"`
	CastAt     time.Time   `json:"castAt"`
}

type ChoiceCounts struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
	Pending int `json:"pending"`
}

type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionApproved   Resolution = "approved"
	ResolutionRejected   Resolution = "rejected"
)

// VotingSummary is derived from the ledger on every vote or timer event.
type VotingSummary struct {
	ProposalID        uuid.UUID                  `json:"proposalId"`
	TotalEligible     int                        `json:"totalEligible"`
	Counts            ChoiceCounts               `json:"counts"`
	ByKind            map[VoterKind]ChoiceCounts `json:"byKind"`
	ConsensusReached  bool                       `json:"consensusReached"`
	ConsensusType     string                     `json:"consensusType"`
	Resolution        Resolution                 `json:"resolution"`
	RequiredApprovals float64                    `json:"requiredApprovals"`
	CurrentApprovals  float64                    `json:"currentApprovals"`
	ApprovalPercent   float64                    `json:"approvalPercent"`
	PendingVoterIDs   []string                   `json:"pendingVoterIds"`
}

func (s VotingSummary) Clone() VotingSummary {
	out := s
	if s.PendingVoterIDs != nil {
		out.PendingVoterIDs = append(make([]string, 0, len(s.PendingVoterIDs)), s.PendingVoterIDs...)
	}
	if s.ByKind != nil {
		out.ByKind = make(map[VoterKind]ChoiceCounts, len(s.ByKind))
		for k, v := range s.ByKind {
			out.ByKind[k] = v
		}
	}
	return out
}

// Tally is the ledger's read-through view of the live votes of a proposal.
type Tally struct {
	ProposalID   uuid.UUID         `json:"proposalId"`
	Choices      map[string]Choice `json:"choices"`
	LastSequence uint64            `json:"lastSequence"`
}
