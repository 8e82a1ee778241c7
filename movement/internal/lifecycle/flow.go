package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/aiclient"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

func votersOfKind(voters []models.Voter, kind models.VoterKind) []models.Voter {
	var out []models.Voter
	for _, v := range voters {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func allVoted(voters []models.Voter, t models.Tally) bool {
	for _, v := range voters {
		if _, ok := t.Choices[v.ID]; !ok {
			return false
		}
	}
	return true
}

// startFlow solicits the first voter group for the proposal's voting order.
// human_first and sequential ask humans first; ai_first asks AI agents
// first; parallel asks everyone at once.
func (m *Manager) startFlow(ctx context.Context, p *models.Proposal) {
	humans := votersOfKind(p.EligibleVoters, models.VoterHuman)
	agents := votersOfKind(p.EligibleVoters, models.VoterAIAgent)

	switch p.Flow.Order {
	case models.VotingOrderHumanFirst, models.VotingOrderSequential:
		m.askHumans(ctx, p, humans)
		if len(humans) == 0 {
			m.askAI(p, agents)
		}
	case models.VotingOrderAIFirst:
		m.askAI(p, agents)
		if len(agents) == 0 || m.cfg.AI == nil {
			m.askHumans(ctx, p, humans)
		}
	default:
		m.askHumans(ctx, p, humans)
		m.askAI(p, agents)
	}
	p.Flow.Phase = phaseOf(p.Flow, len(humans) > 0, len(agents) > 0)
}

// advanceFlow hands over to the second voter group once the first one has
// voted in full.
func (m *Manager) advanceFlow(ctx context.Context, p *models.Proposal, t models.Tally) {
	humans := votersOfKind(p.EligibleVoters, models.VoterHuman)
	agents := votersOfKind(p.EligibleVoters, models.VoterAIAgent)

	switch p.Flow.Order {
	case models.VotingOrderHumanFirst, models.VotingOrderSequential:
		if !p.Flow.AIAsked && allVoted(humans, t) {
			m.askAI(p, agents)
		}
	case models.VotingOrderAIFirst:
		if !p.Flow.HumansAsked && allVoted(agents, t) {
			m.askHumans(ctx, p, humans)
		}
	}
	p.Flow.Phase = phaseOf(p.Flow, len(humans) > 0, len(agents) > 0)
}

func phaseOf(f models.VotingFlow, hasHumans, hasAgents bool) models.FlowPhase {
	humans := f.HumansAsked && hasHumans
	agents := f.AIAsked && hasAgents
	switch {
	case humans && agents:
		if f.Order == models.VotingOrderParallel {
			return models.FlowMixedVoting
		}
		// The group asked second is the one being waited on.
		if f.Order == models.VotingOrderAIFirst {
			return models.FlowHumanVoting
		}
		return models.FlowAIVoting
	case agents:
		return models.FlowAIVoting
	case humans:
		return models.FlowHumanVoting
	default:
		return models.FlowMixedVoting
	}
}

func (m *Manager) askHumans(ctx context.Context, p *models.Proposal, humans []models.Voter) {
	p.Flow.HumansAsked = true
	for _, v := range humans {
		m.emit(ctx, p, models.NotifyHumanVoteNeeded, v.ID, v.ID,
			fmt.Sprintf("vote needed: move to %s by %s (%s)", p.TargetLocationID, p.MovementMethod, p.Reason))
	}
}

// askAI requests decisions from the AI agents in the background. Requests
// are bounded by the voting deadline; a failed request leaves the agent as a
// non-responder. Sequential order asks one agent after the other.
func (m *Manager) askAI(p *models.Proposal, agents []models.Voter) {
	p.Flow.AIAsked = true
	if m.cfg.AI == nil || len(agents) == 0 {
		return
	}
	deadline, ok := m.sched.Deadline(p.ID)
	if !ok {
		deadline = p.VotingDeadline
	}
	remaining := deadline.Sub(m.cfg.Clock.Now())
	if remaining <= 0 {
		return
	}
	snapshot := p.Clone()
	sequential := p.Flow.Order == models.VotingOrderSequential

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, remaining)
		defer cancel()

		if sequential {
			for _, v := range agents {
				if ctx.Err() != nil {
					break
				}
				m.solicit(ctx, snapshot, v)
			}
		} else {
			var wg sync.WaitGroup
			for _, v := range agents {
				wg.Add(1)
				go func(v models.Voter) {
					defer wg.Done()
					m.solicit(ctx, snapshot, v)
				}(v)
			}
			wg.Wait()
		}
		m.afterAI(snapshot.ID)
	}()
}

func (m *Manager) solicit(ctx context.Context, p models.Proposal, v models.Voter) {
	start := time.Now()
	decision, err := m.cfg.AI.Decide(ctx, aiclient.Request{
		ProposalID:       p.ID.String(),
		SessionID:        p.SessionID,
		VoterID:          v.ID,
		VoterName:        v.Name,
		TargetLocationID: p.TargetLocationID,
		MovementMethod:   p.MovementMethod,
		Reason:           p.Reason,
		Urgency:          p.Urgency,
		Difficulty:       p.Difficulty,
	})
	if err != nil {
		m.cfg.Logger.Printf("ai voter %s on proposal %s: %v", v.ID, p.ID, err)
		return
	}
	_, err = m.SubmitVote(ctx, VoteInput{
		ProposalID: p.ID,
		VoterID:    v.ID,
		Choice:     decision.Choice,
		Reason:     decision.Reasoning,
		AI: &models.AIDecision{
			Confidence:       decision.Confidence,
			Alternatives:     decision.Alternatives,
			Reasoning:        decision.Reasoning,
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		},
	})
	if err != nil && !errors.Is(err, ErrVotingClosed) {
		m.cfg.Logger.Printf("submit ai vote of %s on proposal %s: %v", v.ID, p.ID, err)
	}
}

// afterAI asks the humans of an ai_first proposal once the AI round is over,
// even if some agents never answered.
func (m *Manager) afterAI(id uuid.UUID) {
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}
	sessionID, err := m.sessionFor(ctx, id)
	if err != nil {
		return
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, id)
	if err != nil || p.Status != models.ProposalStatusVoting || p.Flow.HumansAsked {
		return
	}
	humans := votersOfKind(p.EligibleVoters, models.VoterHuman)
	agents := votersOfKind(p.EligibleVoters, models.VoterAIAgent)
	m.askHumans(ctx, &p, humans)
	p.Flow.Phase = phaseOf(p.Flow, len(humans) > 0, len(agents) > 0)
	if err := m.save(ctx, &p); err != nil {
		m.cfg.Logger.Printf("proposal %s: %v", p.ID, err)
	}
}
