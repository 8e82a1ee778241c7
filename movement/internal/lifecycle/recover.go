package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/consensus"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/execution"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
)

// Recover picks up the proposals that were active when the process last
// stopped. Ledgers are rebuilt from stored votes and re-evaluated, so a
// proposal resolves the same way it would have without the restart. Open
// proposals get their timers back for the remaining time; an elapsed
// deadline is applied right away. A proposal caught mid-execution is
// completed if its rollback record made it to the store and failed
// otherwise. It returns how many proposals were recovered.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveProposals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active proposals: %w", err)
	}
	var errs []error
	for _, p := range active {
		if err := m.recoverOne(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("proposal %s: %w", p.ID, err))
		}
	}
	if len(errs) > 0 {
		return len(active) - len(errs), errors.Join(errs...)
	}
	return len(active), nil
}

func (m *Manager) recoverOne(ctx context.Context, p models.Proposal) error {
	m.track(p)
	unlock := m.sessions.Lock(p.SessionID)
	defer unlock()

	err := m.settle(ctx, &p)
	if err != nil && (p.Status == models.ProposalStatusVoting || p.Status == models.ProposalStatusPending) {
		m.retryDeadline(p)
	}
	return err
}

// settle brings an active proposal loaded from the store back under the
// manager's control. The caller holds the session lock.
func (m *Manager) settle(ctx context.Context, p *models.Proposal) error {
	switch p.Status {
	case models.ProposalStatusPending:
		if !m.cfg.Clock.Now().Before(p.VotingDeadline) {
			return m.recoverExpired(ctx, p)
		}
		return m.openVoting(ctx, p, p.VotingDeadline)

	case models.ProposalStatusVoting:
		if err := m.ensureBook(ctx, *p); err != nil {
			return err
		}
		tally := m.tally(p.ID)
		if o := consensus.Evaluate(tally, p.EligibleVoters, p.Settings); o.Resolved() {
			_, err := m.resolve(ctx, p, tally, o, false)
			return ignoreExecutionFailure(err)
		}
		if !m.cfg.Clock.Now().Before(p.VotingDeadline) {
			return m.recoverExpired(ctx, p)
		}
		if err := m.sched.Arm(p.ID, p.VotingDeadline, p.Settings.ReminderIntervals(), p.Settings.MaxReminders); err != nil {
			return fmt.Errorf("arm voting deadline: %w", err)
		}
		if p.Flow.AIAsked {
			m.askAI(p, pendingAgents(*p, tally))
		}
		m.cfg.Logger.Printf("session %s: resumed voting on proposal %s", p.SessionID, p.ID)
		return nil

	case models.ProposalStatusApproved:
		_, err := m.execute(ctx, p)
		return ignoreExecutionFailure(err)

	case models.ProposalStatusExecuting:
		return m.recoverExecuting(ctx, p)
	}
	return nil
}

func (m *Manager) recoverExpired(ctx context.Context, p *models.Proposal) error {
	if p.Status == models.ProposalStatusPending {
		m.transition(p, EventOpen)
	}
	if err := m.ensureBook(ctx, *p); err != nil {
		return err
	}
	tally := m.tally(p.ID)
	_, err := m.resolve(ctx, p, tally, consensus.EvaluateDeadline(tally, p.EligibleVoters, p.Settings), true)
	return ignoreExecutionFailure(err)
}

// recoverExecuting settles a proposal whose execution was interrupted. The
// engine writes the rollback record last, so its presence means the party
// state was saved too.
func (m *Manager) recoverExecuting(ctx context.Context, p *models.Proposal) error {
	rec, err := m.store.GetRollbackRecord(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.transition(p, EventFail)
		p.FailureReason = "execution interrupted before completion"
		if err := m.save(ctx, p); err != nil {
			return err
		}
		m.emit(ctx, p, models.NotifyStatusChanged, "", string(p.Status), "movement failed: "+p.FailureReason)
		m.finish(*p)
		return nil
	case err != nil:
		return fmt.Errorf("load rollback record: %w", err)
	}

	res := models.MovementResult{
		ProposalID:     p.ID,
		SessionID:      p.SessionID,
		FromLocationID: rec.Before.LocationID,
		ToLocationID:   rec.After.LocationID,
		Method:         p.MovementMethod,
		TurnImpact: models.TurnImpact{
			PreviousDay:  rec.Before.Turn.Day,
			PreviousTurn: rec.Before.Turn.Turn,
			NewDay:       rec.After.Turn.Day,
			NewTurn:      rec.After.Turn.Turn,
			DayAdvanced:  rec.After.Turn.Day > rec.Before.Turn.Day,
		},
		ExecutedAt:       rec.CreatedAt,
		RollbackDeadline: rec.Deadline,
	}
	res.TurnImpact.TurnsAdvanced = turnsBetween(rec.Before.Turn, rec.After.Turn)
	m.engine.Remember(res)

	m.transition(p, EventSucceed)
	p.Result = &res
	p.OriginLocationID = res.FromLocationID
	if err := m.save(ctx, p); err != nil {
		return err
	}
	m.emit(ctx, p, models.NotifyCompletion, "", "", fmt.Sprintf("party arrived at %s", res.ToLocationID))
	m.finish(*p)
	return nil
}

func turnsBetween(before, after models.TurnState) int {
	perDay := after.MaxTurnsPerDay
	if perDay <= 0 {
		return after.Turn - before.Turn
	}
	return (after.Day-before.Day)*perDay + after.Turn - before.Turn
}

func pendingAgents(p models.Proposal, t models.Tally) []models.Voter {
	var out []models.Voter
	for _, v := range votersOfKind(p.EligibleVoters, models.VoterAIAgent) {
		if _, ok := t.Choices[v.ID]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func ignoreExecutionFailure(err error) error {
	if err != nil && errors.Is(err, execution.ErrExecutionFailure) {
		return nil
	}
	return err
}
