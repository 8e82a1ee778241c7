// Package aiclient asks the AI decision service how an AI party member
// votes on a movement proposal.
package aiclient

import (
	"context"
	"fmt"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type Request struct {
	ProposalID       string                `json:"proposalId"`
	SessionID        string                `json:"sessionId"`
	VoterID          string                `json:"voterId"`
	VoterName        string                `json:"voterName,omitempty"`
	TargetLocationID string                `json:"targetLocationId"`
	MovementMethod   models.MovementMethod `json:"movementMethod"`
	Reason           string                `json:"reason"`
	Urgency          models.Urgency        `json:"urgency"`
	Difficulty       models.Difficulty     `json:"difficulty"`
}

type Decision struct {
	Choice       models.Choice `json:"choice"`
	Confidence   float64       `json:"confidence"`
	Reasoning    string        `json:"reasoning"`
	Alternatives []string      `json:"alternatives,omitempty"`
}

func (d Decision) Validate() error {
	if !d.Choice.Valid() {
		return fmt.Errorf("invalid choice %q", d.Choice)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return nil
}

type Client interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// StaticClient decides locally: it turns down dangerous trips that aren't
// urgent and approves everything else.
type StaticClient struct {
	Confidence float64
}

func NewStaticClient(confidence float64) *StaticClient {
	return &StaticClient{Confidence: confidence}
}

func (c *StaticClient) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.Difficulty == models.DifficultyDangerous && (req.Urgency == models.UrgencyLow || req.Urgency == models.UrgencyMedium) {
		return Decision{
			Choice:       models.ChoiceReject,
			Confidence:   c.Confidence,
			Reasoning:    "route is dangerous and nothing presses us to go now",
			Alternatives: []string{"wait", "scout ahead"},
		}, nil
	}
	return Decision{
		Choice:     models.ChoiceApprove,
		Confidence: c.Confidence,
		Reasoning:  "the move serves the party's goal",
	}, nil
}
