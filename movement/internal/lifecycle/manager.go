// Package lifecycle runs movement proposals from creation through voting,
// execution and rollback. All mutation of a session's proposal happens under
// that session's lock, so votes, timer events and AI results for one session
// are applied one at a time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/aiclient"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/archive"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/consensus"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/execution"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/ledger"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/notify"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/scheduler"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/syncx"
)

// deadlineRetry is how long a deadline that failed to resolve waits before
// trying again.
const deadlineRetry = 5 * time.Second

// Notifier is satisfied by *notify.Emitter.
type Notifier interface {
	Emit(ctx context.Context, n models.Notification) bool
}

type Config struct {
	// Defaults apply to sessions without stored consensus settings.
	Defaults models.ConsensusSettings
	Notifier Notifier
	// AI solicits votes from AI agents. Without one, AI voters count as
	// non-responders.
	AI       aiclient.Client
	Archiver archive.Archiver
	Distance execution.DistanceFunc
	Clock    clock.Clock
	Logger   *log.Logger
	// ArchiveTimeout bounds a single archive upload.
	ArchiveTimeout time.Duration
}

type Manager struct {
	store  store.Store
	engine *execution.Engine
	ledger *ledger.Ledger
	sched  *scheduler.Scheduler
	cfg    Config

	sessions syncx.KeyedMutex

	mu        sync.Mutex
	sessionOf map[uuid.UUID]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st store.Store, engine *execution.Engine, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[lifecycle] ", log.LstdFlags)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewEmitter(notify.Config{Clock: cfg.Clock})
	}
	if cfg.Distance == nil {
		cfg.Distance = func(string, string) int { return 1 }
	}
	if cfg.Defaults.VotingSystem == "" {
		cfg.Defaults = models.DefaultConsensusSettings()
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     st,
		engine:    engine,
		ledger:    ledger.New(),
		cfg:       cfg,
		sessionOf: make(map[uuid.UUID]string),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.sched = scheduler.New(cfg.Clock, m.OnSchedulerEvent)
	return m
}

type ProposalInput struct {
	SessionID        string                `json:"sessionId"`
	ProposerID       string                `json:"proposerId"`
	TargetLocationID string                `json:"targetLocationId"`
	MovementMethod   models.MovementMethod `json:"movementMethod"`
	Reason           string                `json:"reason"`
	Urgency          models.Urgency        `json:"urgency"`
	Difficulty       models.Difficulty     `json:"difficulty"`
	EstimatedCost    int                   `json:"estimatedCost"`
}

func (in *ProposalInput) validate() error {
	var missing []string
	if in.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if in.ProposerID == "" {
		missing = append(missing, "proposerId")
	}
	if in.TargetLocationID == "" {
		missing = append(missing, "targetLocationId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidProposal, strings.Join(missing, ", "))
	}
	if in.MovementMethod == "" {
		in.MovementMethod = models.MovementWalk
	}
	if !in.MovementMethod.Valid() {
		return fmt.Errorf("%w: unknown movement method %q", ErrInvalidProposal, in.MovementMethod)
	}
	if in.Urgency == "" {
		in.Urgency = models.UrgencyMedium
	}
	if !in.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidProposal, in.Urgency)
	}
	if in.Difficulty == "" {
		in.Difficulty = models.DifficultyNormal
	}
	if !in.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidProposal, in.Difficulty)
	}
	if in.EstimatedCost < 0 {
		return fmt.Errorf("%w: estimatedCost must not be negative", ErrInvalidProposal)
	}
	return nil
}

// CreateProposal opens voting on a move for the session's party. The
// eligible voters are the session's party members at this moment.
func (m *Manager) CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error) {
	if err := in.validate(); err != nil {
		return models.Proposal{}, err
	}
	unlock := m.sessions.Lock(in.SessionID)
	defer unlock()

	if active, err := m.store.ActiveProposal(ctx, in.SessionID); err == nil {
		return models.Proposal{}, fmt.Errorf("%w: proposal %s is %s", ErrProposalConflict, active.ID, active.Status)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Proposal{}, fmt.Errorf("load active proposal: %w", err)
	}

	settings, err := m.settings(ctx, in.SessionID)
	if err != nil {
		return models.Proposal{}, err
	}
	members, err := m.store.GetPartyMembers(ctx, in.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Proposal{}, fmt.Errorf("load party members: %w", err)
	}
	eligible := eligibleVoters(members, settings)
	if len(eligible) == 0 {
		return models.Proposal{}, fmt.Errorf("%w: session %s", ErrNoEligibleVoters, in.SessionID)
	}

	origin := ""
	if st, err := m.store.GetPartyState(ctx, in.SessionID); err == nil {
		origin = st.LocationID
	}

	start := m.cfg.Clock.Now()
	now := start.UTC()
	deadline := start.Add(settings.VotingWindow())
	p := models.Proposal{
		ID:               uuid.New(),
		SessionID:        in.SessionID,
		ProposerID:       in.ProposerID,
		TargetLocationID: in.TargetLocationID,
		MovementMethod:   in.MovementMethod,
		Reason:           in.Reason,
		Urgency:          in.Urgency,
		Difficulty:       in.Difficulty,
		EstimatedTurns:   execution.EstimateTurns(in.MovementMethod, m.cfg.Distance(origin, in.TargetLocationID)),
		EstimatedCost:    in.EstimatedCost,
		Status:           models.ProposalStatusPending,
		LeaderID:         leaderOf(eligible),
		EligibleVoters:   eligible,
		Settings:         settings,
		Flow:             models.VotingFlow{Phase: models.FlowProposalCreated, Order: settings.Order()},
		CreatedAt:        now,
		VotingDeadline:   deadline.UTC(),
		UpdatedAt:        now,
	}
	if err := m.store.CreateProposal(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Proposal{}, fmt.Errorf("%w: session %s", ErrProposalConflict, in.SessionID)
		}
		return models.Proposal{}, fmt.Errorf("create proposal: %w", err)
	}
	m.track(p)

	if err := m.openVoting(ctx, &p, deadline); err != nil {
		m.abandon(ctx, &p, err)
		return models.Proposal{}, err
	}
	m.cfg.Logger.Printf("session %s: proposal %s to %s opened for %d voters", p.SessionID, p.ID, p.TargetLocationID, len(eligible))
	return p.Clone(), nil
}

// openVoting moves a pending proposal into voting, arms its timers and
// starts soliciting votes. On error p is left pending.
func (m *Manager) openVoting(ctx context.Context, p *models.Proposal, deadline time.Time) error {
	if err := m.ledger.Open(p.ID, p.EligibleVoters); err != nil && !errors.Is(err, ledger.ErrAlreadyOpen) {
		panic(err)
	}
	prev := p.Clone()
	m.transition(p, EventOpen)
	if err := m.sched.Arm(p.ID, deadline, p.Settings.ReminderIntervals(), p.Settings.MaxReminders); err != nil {
		*p = prev
		return fmt.Errorf("arm voting deadline: %w", err)
	}
	if err := m.save(ctx, p); err != nil {
		m.sched.Disarm(p.ID)
		*p = prev
		return err
	}
	m.emit(ctx, p, models.NotifyProposalCreated, "", "", fmt.Sprintf("%s proposes moving to %s", p.ProposerID, p.TargetLocationID))
	m.startFlow(ctx, p)
	if err := m.save(ctx, p); err != nil {
		m.cfg.Logger.Printf("proposal %s: record voting flow: %v", p.ID, err)
	}
	return nil
}

// abandon fails a proposal that never opened so it stops blocking its
// session. If even that can't be stored, Recover picks it up later.
func (m *Manager) abandon(ctx context.Context, p *models.Proposal, cause error) {
	m.transition(p, EventCancel)
	p.FailureReason = "could not open voting: " + cause.Error()
	if err := m.save(context.WithoutCancel(ctx), p); err != nil {
		m.cfg.Logger.Printf("proposal %s left pending: %v", p.ID, err)
		return
	}
	m.ledger.Drop(p.ID)
	m.mu.Lock()
	delete(m.sessionOf, p.ID)
	m.mu.Unlock()
}

type VoteInput struct {
	ProposalID uuid.UUID          `json:"proposalId"`
	VoterID    string             `json:"voterId"`
	Choice     models.Choice      `json:"choice"`
	Reason     string             `json:"reason,omitempty"`
	AI         *models.AIDecision `json:"ai,omitempty"`
}

type VoteResult struct {
	Proposal         models.Proposal        `json:"proposal"`
	Summary          models.VotingSummary   `json:"votingSummary"`
	ConsensusReached bool                   `json:"consensusReached"`
	Previous         *models.Vote           `json:"previousVote,omitempty"`
	Movement         *models.MovementResult `json:"movementResult,omitempty"`
}

// SubmitVote records a vote, replacing the voter's earlier one, and
// resolves the proposal when the vote settles it. An approved proposal is
// executed before SubmitVote returns.
func (m *Manager) SubmitVote(ctx context.Context, in VoteInput) (VoteResult, error) {
	if !in.Choice.Valid() {
		return VoteResult{}, fmt.Errorf("%w: unknown choice %q", ErrInvalidVote, in.Choice)
	}
	sessionID, err := m.sessionFor(ctx, in.ProposalID)
	if err != nil {
		return VoteResult{}, err
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, in.ProposalID)
	if err != nil {
		return VoteResult{}, err
	}
	if p.Status != models.ProposalStatusVoting {
		return VoteResult{}, fmt.Errorf("%w: proposal %s is %s", ErrVotingClosed, p.ID, p.Status)
	}
	voter, ok := p.Voter(in.VoterID)
	if !ok {
		return VoteResult{}, fmt.Errorf("%w: %s on proposal %s", ErrVoterIneligible, in.VoterID, p.ID)
	}
	if err := m.ensureBook(ctx, p); err != nil {
		return VoteResult{}, err
	}

	vote := models.Vote{
		ProposalID: p.ID,
		VoterID:    voter.ID,
		VoterKind:  voter.Kind,
		Choice:     in.Choice,
		Reason:     in.Reason,
		CastAt:     m.cfg.Clock.Now().UTC(),
	}
	if voter.Kind == models.VoterAIAgent && in.AI != nil {
		ai := *in.AI
		vote.AI = &ai
	}
	if err := m.store.UpsertVote(ctx, vote); err != nil {
		return VoteResult{}, fmt.Errorf("persist vote: %w", err)
	}
	prev, err := m.ledger.Upsert(vote)
	if err != nil {
		panic(err)
	}

	if voter.Kind == models.VoterAIAgent {
		stamped, _ := m.ledger.Vote(p.ID, voter.ID)
		m.emit(ctx, &p, models.NotifyAIVoteCast, "", fmt.Sprintf("%s:%d", voter.ID, stamped.Sequence),
			fmt.Sprintf("%s voted %s", displayName(voter), in.Choice))
	}

	tally := m.tally(p.ID)
	outcome := consensus.Evaluate(tally, p.EligibleVoters, p.Settings)
	res := VoteResult{Previous: prev}
	if outcome.Resolved() {
		mv, err := m.resolve(ctx, &p, tally, outcome, false)
		if err != nil && !errors.Is(err, execution.ErrExecutionFailure) {
			return VoteResult{}, err
		}
		res.Movement = mv
	} else {
		m.advanceFlow(ctx, &p, tally)
		if err := m.save(ctx, &p); err != nil {
			return VoteResult{}, err
		}
	}
	res.Summary = m.summaryOf(p, tally, outcome)
	res.ConsensusReached = res.Summary.ConsensusReached
	res.Proposal = p.Clone()
	return res, nil
}

// OnSchedulerEvent handles reminders and the voting deadline. Events for
// proposals that are no longer voting are ignored.
func (m *Manager) OnSchedulerEvent(ev scheduler.Event) {
	ctx := m.ctx
	sessionID, err := m.sessionFor(ctx, ev.ProposalID)
	if err != nil {
		m.cfg.Logger.Printf("%s event for proposal %s: %v", ev.Kind, ev.ProposalID, err)
		return
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, ev.ProposalID)
	if err != nil {
		m.cfg.Logger.Printf("%s event for proposal %s: %v", ev.Kind, ev.ProposalID, err)
		return
	}
	if p.Status == models.ProposalStatusPending && ev.Kind == scheduler.KindDeadline {
		// Left pending by a failed open during recovery.
		if err := m.settle(ctx, &p); err != nil {
			m.cfg.Logger.Printf("reopen proposal %s: %v", p.ID, err)
			m.retryDeadline(p)
		}
		return
	}
	if p.Status != models.ProposalStatusVoting {
		return
	}
	if err := m.ensureBook(ctx, p); err != nil {
		m.cfg.Logger.Printf("%s event for proposal %s: %v", ev.Kind, ev.ProposalID, err)
		m.retryDeadline(p)
		return
	}
	tally := m.tally(p.ID)

	switch ev.Kind {
	case scheduler.KindReminder:
		m.remind(ctx, &p, tally, ev)
		if err := m.save(ctx, &p); err != nil {
			m.cfg.Logger.Printf("reminder for proposal %s: %v", p.ID, err)
		}
	case scheduler.KindDeadline:
		outcome := consensus.EvaluateDeadline(tally, p.EligibleVoters, p.Settings)
		if _, err := m.resolve(ctx, &p, tally, outcome, true); err != nil {
			m.cfg.Logger.Printf("deadline for proposal %s: %v", p.ID, err)
			if p.Status == models.ProposalStatusVoting {
				m.retryDeadline(p)
			}
		}
	}
}

// retryDeadline re-arms a proposal that is still open after a failed
// store write. Its deadline is kept if still ahead, otherwise it is retried
// shortly.
func (m *Manager) retryDeadline(p models.Proposal) {
	at := m.cfg.Clock.Now().Add(deadlineRetry)
	if p.Status == models.ProposalStatusVoting && p.VotingDeadline.After(at) {
		at = p.VotingDeadline
	}
	if err := m.sched.Arm(p.ID, at, nil, 0); err != nil {
		m.cfg.Logger.Printf("re-arm deadline of proposal %s: %v", p.ID, err)
	}
}

func (m *Manager) remind(ctx context.Context, p *models.Proposal, tally models.Tally, ev scheduler.Event) {
	kind := models.NotifyReminder
	if ev.Final {
		kind = models.NotifyDeadlineWarning
	}
	remaining := ev.Remaining.Round(time.Second)
	for _, v := range p.EligibleVoters {
		if v.Kind != models.VoterHuman {
			continue
		}
		if _, voted := tally.Choices[v.ID]; voted {
			continue
		}
		m.emit(ctx, p, kind, v.ID, fmt.Sprintf("%d:%s", ev.Index, v.ID),
			fmt.Sprintf("%s left to vote on moving to %s", remaining, p.TargetLocationID))
	}
	p.Flow.RemindersSent++
}

type ExecuteInput struct {
	ProposalID   uuid.UUID `json:"proposalId"`
	SessionID    string    `json:"sessionId"`
	ForceExecute bool      `json:"forceExecute"`
}

// ExecuteMovement executes an approved proposal. A completed proposal
// returns its original result. With ForceExecute a proposal still being
// voted on is approved on the spot.
func (m *Manager) ExecuteMovement(ctx context.Context, in ExecuteInput) (models.MovementResult, error) {
	sessionID, err := m.sessionFor(ctx, in.ProposalID)
	if err != nil {
		return models.MovementResult{}, err
	}
	if in.SessionID != "" && in.SessionID != sessionID {
		return models.MovementResult{}, fmt.Errorf("%w: proposal %s is not in session %s", ErrSessionMismatch, in.ProposalID, in.SessionID)
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, in.ProposalID)
	if err != nil {
		return models.MovementResult{}, err
	}
	switch p.Status {
	case models.ProposalStatusCompleted:
		if p.Result != nil {
			return *p.Result, nil
		}
		if res, ok := m.engine.Result(p.ID); ok {
			return res, nil
		}
		return models.MovementResult{}, fmt.Errorf("proposal %s completed without a recorded result", p.ID)
	case models.ProposalStatusApproved:
		mv, err := m.execute(ctx, &p)
		if err != nil {
			return models.MovementResult{}, err
		}
		return *mv, nil
	case models.ProposalStatusVoting:
		if !in.ForceExecute {
			return models.MovementResult{}, fmt.Errorf("%w: proposal %s is still voting", ErrNotApproved, p.ID)
		}
		if err := m.ensureBook(ctx, p); err != nil {
			return models.MovementResult{}, err
		}
		tally := m.tally(p.ID)
		mv, err := m.resolve(ctx, &p, tally, consensus.Forced(tally, p.EligibleVoters, p.Settings), false)
		if err != nil {
			return models.MovementResult{}, err
		}
		return *mv, nil
	default:
		return models.MovementResult{}, fmt.Errorf("%w: proposal %s is %s", ErrNotApproved, p.ID, p.Status)
	}
}

type RollbackInput struct {
	SessionID  string    `json:"sessionId"`
	ProposalID uuid.UUID `json:"proposalId"`
	Reason     string    `json:"reason"`
}

// RollbackMovement undoes the session's most recent movement while its
// rollback window is open.
func (m *Manager) RollbackMovement(ctx context.Context, in RollbackInput) (models.RollbackResult, error) {
	sessionID, err := m.sessionFor(ctx, in.ProposalID)
	if err != nil {
		return models.RollbackResult{}, err
	}
	if in.SessionID != "" && in.SessionID != sessionID {
		return models.RollbackResult{}, fmt.Errorf("%w: proposal %s is not in session %s", ErrSessionMismatch, in.ProposalID, in.SessionID)
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, in.ProposalID)
	if err != nil {
		return models.RollbackResult{}, err
	}
	if !Can(p.Status, EventRollback) {
		return models.RollbackResult{}, fmt.Errorf("%w: proposal %s is %s", execution.ErrRollbackUnavailable, p.ID, p.Status)
	}
	reason := in.Reason
	if reason == "" {
		reason = "rolled back on request"
	}
	res, err := m.engine.Rollback(ctx, sessionID, p.ID, reason)
	if err != nil {
		return models.RollbackResult{}, err
	}

	m.transition(&p, EventRollback)
	rolledBackAt := res.RolledBackAt
	p.RolledBackAt = &rolledBackAt
	if err := m.save(ctx, &p); err != nil {
		return models.RollbackResult{}, err
	}
	m.emit(ctx, &p, models.NotifyStatusChanged, "", string(p.Status),
		fmt.Sprintf("movement to %s rolled back: %s", p.TargetLocationID, reason))
	m.archive(p)
	return res, nil
}

// CancelProposal withdraws a proposal that hasn't been resolved yet.
func (m *Manager) CancelProposal(ctx context.Context, id uuid.UUID, reason string) (models.Proposal, error) {
	sessionID, err := m.sessionFor(ctx, id)
	if err != nil {
		return models.Proposal{}, err
	}
	unlock := m.sessions.Lock(sessionID)
	defer unlock()

	p, err := m.load(ctx, id)
	if err != nil {
		return models.Proposal{}, err
	}
	if !Can(p.Status, EventCancel) {
		return models.Proposal{}, fmt.Errorf("%w: proposal %s is %s", ErrCannotCancel, p.ID, p.Status)
	}
	if reason == "" {
		reason = "no reason given"
	}
	if err := m.ensureBook(ctx, p); err == nil {
		tally := m.tally(p.ID)
		summary := m.summaryOf(p, tally, consensus.Evaluate(tally, p.EligibleVoters, p.Settings))
		p.Summary = &summary
	}
	now := m.cfg.Clock.Now().UTC()
	m.transition(&p, EventCancel)
	p.FailureReason = "cancelled: " + reason
	p.ResolvedAt = &now
	p.Flow.Phase = models.FlowCompleted
	if err := m.save(ctx, &p); err != nil {
		return models.Proposal{}, err
	}
	m.sched.Disarm(p.ID)
	_ = m.ledger.Seal(p.ID)
	m.emit(ctx, &p, models.NotifyStatusChanged, "", string(p.Status), "proposal cancelled: "+reason)
	m.finish(p)
	return p.Clone(), nil
}

type ProposalView struct {
	Proposal models.Proposal      `json:"proposal"`
	Votes    []models.Vote        `json:"votes"`
	Summary  models.VotingSummary `json:"votingSummary"`
}

// GetProposal returns the proposal with its live votes and summary.
func (m *Manager) GetProposal(ctx context.Context, id uuid.UUID) (ProposalView, error) {
	p, err := m.load(ctx, id)
	if err != nil {
		return ProposalView{}, err
	}
	if p.Status == models.ProposalStatusVoting {
		// Replaying stored votes must not race a vote being recorded.
		unlock := m.sessions.Lock(p.SessionID)
		defer unlock()
		if p, err = m.load(ctx, id); err != nil {
			return ProposalView{}, err
		}
	}
	view := ProposalView{Proposal: p.Clone()}
	if p.Status == models.ProposalStatusVoting {
		if err := m.ensureBook(ctx, p); err != nil {
			return ProposalView{}, err
		}
		votes, err := m.ledger.Votes(p.ID)
		if err != nil {
			return ProposalView{}, fmt.Errorf("read votes: %w", err)
		}
		tally := m.tally(p.ID)
		view.Votes = votes
		view.Summary = m.summaryOf(p, tally, consensus.Evaluate(tally, p.EligibleVoters, p.Settings))
		return view, nil
	}

	votes, err := m.store.ListVotes(ctx, p.ID)
	if err != nil {
		return ProposalView{}, fmt.Errorf("read votes: %w", err)
	}
	view.Votes = votes
	if p.Summary != nil {
		view.Summary = p.Summary.Clone()
	} else {
		tally := tallyOf(p.ID, votes)
		view.Summary = m.summaryOf(p, tally, consensus.Evaluate(tally, p.EligibleVoters, p.Settings))
	}
	return view, nil
}

func (m *Manager) ActiveProposal(ctx context.Context, sessionID string) (models.Proposal, error) {
	p, err := m.store.ActiveProposal(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Proposal{}, fmt.Errorf("%w: no active proposal in session %s", ErrProposalNotFound, sessionID)
		}
		return models.Proposal{}, err
	}
	return p, nil
}

// Wait blocks until background AI solicitations and archive uploads are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops timers and cancels outstanding AI requests, then waits for
// background work to finish.
func (m *Manager) Close() {
	m.sched.Stop()
	m.cancel()
	m.wg.Wait()
}

// resolve closes voting with outcome and, when approved, executes the
// movement. It is called at most once per proposal since it leaves the
// voting status. If the new status can't be stored, p is put back as it was.
func (m *Manager) resolve(ctx context.Context, p *models.Proposal, tally models.Tally, o consensus.Outcome, timedOut bool) (*models.MovementResult, error) {
	prev := p.Clone()
	now := m.cfg.Clock.Now().UTC()
	summary := m.summaryOf(*p, tally, o)
	p.Summary = &summary
	p.ConsensusType = o.Type
	p.ResolvedAt = &now
	p.Flow.Phase = models.FlowCompleted
	if timedOut {
		p.Flow.Phase = models.FlowTimeout
	}
	if o.Resolution == models.ResolutionApproved {
		m.transition(p, EventApprove)
	} else {
		m.transition(p, EventReject)
		p.FailureReason = o.Reason
	}
	if err := m.save(ctx, p); err != nil {
		// Still voting: timers stay armed and the ledger stays open.
		*p = prev
		return nil, err
	}
	m.sched.Disarm(p.ID)
	_ = m.ledger.Seal(p.ID)
	m.emit(ctx, p, models.NotifyStatusChanged, "", string(p.Status),
		fmt.Sprintf("proposal to move to %s %s (%s)", p.TargetLocationID, p.Status, o.Type))
	m.cfg.Logger.Printf("session %s: proposal %s %s by %s", p.SessionID, p.ID, p.Status, o.Type)

	if p.Status != models.ProposalStatusApproved {
		m.finish(*p)
		return nil, nil
	}
	return m.execute(ctx, p)
}

func (m *Manager) execute(ctx context.Context, p *models.Proposal) (*models.MovementResult, error) {
	m.transition(p, EventExecute)
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}
	m.emit(ctx, p, models.NotifyStatusChanged, "", string(p.Status), fmt.Sprintf("party is moving to %s", p.TargetLocationID))

	res, err := m.engine.Execute(ctx, *p)
	if err != nil {
		m.transition(p, EventFail)
		p.FailureReason = err.Error()
		if serr := m.save(context.WithoutCancel(ctx), p); serr != nil {
			m.cfg.Logger.Printf("persist failed proposal %s: %v", p.ID, serr)
		}
		m.emit(ctx, p, models.NotifyStatusChanged, "", string(p.Status), "movement failed: "+err.Error())
		m.finish(*p)
		return nil, err
	}

	m.transition(p, EventSucceed)
	p.Result = &res
	p.OriginLocationID = res.FromLocationID
	if err := m.save(context.WithoutCancel(ctx), p); err != nil {
		m.cfg.Logger.Printf("persist completed proposal %s: %v", p.ID, err)
	}
	m.emit(ctx, p, models.NotifyCompletion, "", "",
		fmt.Sprintf("party arrived at %s after %d turns", res.ToLocationID, res.TurnImpact.TurnsAdvanced))
	m.finish(*p)
	return &res, nil
}

// transition applies ev to p. The manager only fires events its own checks
// allow, so a rejected lookup is a bug.
func (m *Manager) transition(p *models.Proposal, ev Event) {
	to, err := Next(p.Status, ev)
	if err != nil {
		panic(fmt.Sprintf("proposal %s: %v", p.ID, err))
	}
	p.Status = to
	p.UpdatedAt = m.cfg.Clock.Now().UTC()
}

func (m *Manager) save(ctx context.Context, p *models.Proposal) error {
	if err := m.store.UpdateProposal(ctx, *p); err != nil {
		return fmt.Errorf("persist proposal %s: %w", p.ID, err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	p, err := m.store.GetProposal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
		}
		return models.Proposal{}, fmt.Errorf("load proposal %s: %w", id, err)
	}
	return p, nil
}

func (m *Manager) track(p models.Proposal) {
	m.mu.Lock()
	m.sessionOf[p.ID] = p.SessionID
	m.mu.Unlock()
}

func (m *Manager) sessionFor(ctx context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	sessionID, ok := m.sessionOf[id]
	m.mu.Unlock()
	if ok {
		return sessionID, nil
	}
	p, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	return p.SessionID, nil
}

// finish releases in-memory state of a terminal proposal and archives it.
func (m *Manager) finish(p models.Proposal) {
	m.archive(p)
	m.ledger.Drop(p.ID)
	m.mu.Lock()
	delete(m.sessionOf, p.ID)
	m.mu.Unlock()
}

func (m *Manager) archive(p models.Proposal) {
	if m.cfg.Archiver == nil {
		return
	}
	p = p.Clone()
	votes, err := m.ledger.Votes(p.ID)
	if err != nil {
		votes = nil
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.ArchiveTimeout)
		defer cancel()
		if votes == nil {
			stored, err := m.store.ListVotes(ctx, p.ID)
			if err != nil {
				m.cfg.Logger.Printf("archive proposal %s: list votes: %v", p.ID, err)
				return
			}
			votes = stored
		}
		rec := archive.Record{Proposal: p, Votes: votes, ArchivedAt: m.cfg.Clock.Now().UTC()}
		if p.Summary != nil {
			rec.Summary = *p.Summary
		}
		key, err := m.cfg.Archiver.Archive(ctx, rec)
		if err != nil {
			m.cfg.Logger.Printf("archive proposal %s: %v", p.ID, err)
			return
		}
		m.cfg.Logger.Printf("archived proposal %s (%s) to %s", p.ID, p.Status, key)
	}()
}

func (m *Manager) emit(ctx context.Context, p *models.Proposal, kind models.NotificationKind, target, discriminator, message string) {
	n := models.Notification{
		Kind:          kind,
		SessionID:     p.SessionID,
		ProposalID:    p.ID,
		TargetVoterID: target,
		Urgency:       p.Urgency,
		Status:        p.Status,
		Message:       message,
		DedupeKey:     notify.Key(p.ID, kind, discriminator),
	}
	if p.Summary != nil {
		sum := p.Summary.Clone()
		n.Summary = &sum
	}
	m.cfg.Notifier.Emit(ctx, n)
}

func (m *Manager) settings(ctx context.Context, sessionID string) (models.ConsensusSettings, error) {
	s, err := m.store.GetConsensusSettings(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return m.cfg.Defaults.Clone(), nil
	}
	if err != nil {
		return models.ConsensusSettings{}, fmt.Errorf("load consensus settings: %w", err)
	}
	return s, nil
}

// ensureBook makes sure the ledger holds the proposal, replaying stored
// votes if it doesn't (after a restart, for instance).
func (m *Manager) ensureBook(ctx context.Context, p models.Proposal) error {
	if _, err := m.ledger.Tally(p.ID); err == nil {
		return nil
	}
	votes, err := m.store.ListVotes(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("replay votes of proposal %s: %w", p.ID, err)
	}
	if err := m.ledger.Open(p.ID, p.EligibleVoters); err != nil && !errors.Is(err, ledger.ErrAlreadyOpen) {
		panic(err)
	}
	for _, v := range votes {
		if _, err := m.ledger.Upsert(v); err != nil {
			m.cfg.Logger.Printf("replay vote of %s on proposal %s: %v", v.VoterID, p.ID, err)
		}
	}
	if p.Status != models.ProposalStatusVoting {
		_ = m.ledger.Seal(p.ID)
	}
	return nil
}

func (m *Manager) tally(id uuid.UUID) models.Tally {
	t, err := m.ledger.Tally(id)
	if err != nil {
		panic(err)
	}
	return t
}

func (m *Manager) summaryOf(p models.Proposal, t models.Tally, o consensus.Outcome) models.VotingSummary {
	if p.Summary != nil && p.Summary.ConsensusReached {
		return p.Summary.Clone()
	}
	s := consensus.Summarize(t, p.EligibleVoters, o)
	s.ProposalID = p.ID
	return s
}

func tallyOf(id uuid.UUID, votes []models.Vote) models.Tally {
	t := models.Tally{ProposalID: id, Choices: make(map[string]models.Choice, len(votes))}
	for _, v := range votes {
		t.Choices[v.VoterID] = v.Choice
	}
	return t
}

func eligibleVoters(members []models.Voter, s models.ConsensusSettings) []models.Voter {
	out := make([]models.Voter, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, v := range members {
		if v.ID == "" || seen[v.ID] || !v.Kind.Valid() {
			continue
		}
		if v.Kind == models.VoterNPC && s.ExcludeNPCs {
			continue
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	return out
}

func leaderOf(voters []models.Voter) string {
	for _, v := range voters {
		if v.IsLeader {
			return v.ID
		}
	}
	return ""
}

func displayName(v models.Voter) string {
	if v.Name != "" {
		return v.Name
	}
	return v.ID
}
