// Package execution applies approved movements to a session's party state
// and undoes the most recent one within its rollback window.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/syncx"
)

var (
	ErrExecutionFailure      = errors.New("execution failure")
	ErrRollbackUnavailable   = errors.New("rollback unavailable")
	ErrRollbackWindowExpired = errors.New("rollback window expired")
)

// StateStore owns the party location and turn state.
type StateStore interface {
	GetPartyState(ctx context.Context, sessionID string) (models.PartyState, error)
	SavePartyState(ctx context.Context, st models.PartyState) error
}

type RecordStore interface {
	SaveRollbackRecord(ctx context.Context, rec models.RollbackRecord) error
	LatestRollbackRecord(ctx context.Context, sessionID string) (models.RollbackRecord, error)
}

// DistanceFunc returns the travel distance between two locations.
type DistanceFunc func(from, to string) int

type Config struct {
	RollbackWindow time.Duration
	Distance       DistanceFunc
	Clock          clock.Clock
	Logger         *log.Logger
}

const DefaultRollbackWindow = 5 * time.Minute

// Engine is the single entry point for party-state mutation. Calls for the
// same session are serialized.
type Engine struct {
	states  StateStore
	records RecordStore
	cfg     Config

	sessions syncx.KeyedMutex

	mu        sync.Mutex
	done      map[uuid.UUID]models.MovementResult
	deadlines map[uuid.UUID]time.Time
}

func New(states StateStore, records RecordStore, cfg Config) *Engine {
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = DefaultRollbackWindow
	}
	if cfg.Distance == nil {
		cfg.Distance = func(string, string) int { return 1 }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[execution] ", log.LstdFlags)
	}
	return &Engine{
		states:    states,
		records:   records,
		cfg:       cfg,
		done:      make(map[uuid.UUID]models.MovementResult),
		deadlines: make(map[uuid.UUID]time.Time),
	}
}

// Execute moves the party to the proposal's target. Executing the same
// proposal again returns the first result without touching state. On any
// store failure the party state is put back as it was.
func (e *Engine) Execute(ctx context.Context, p models.Proposal) (models.MovementResult, error) {
	unlock := e.sessions.Lock(p.SessionID)
	defer unlock()

	e.mu.Lock()
	if res, ok := e.done[p.ID]; ok {
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	before, err := e.states.GetPartyState(ctx, p.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		before = models.PartyState{SessionID: p.SessionID, Turn: models.TurnState{Day: 1}}
	case err != nil:
		return models.MovementResult{}, fmt.Errorf("%w: load party state: %v", ErrExecutionFailure, err)
	}

	now := e.cfg.Clock.Now()
	distance := e.cfg.Distance(before.LocationID, p.TargetLocationID)
	turns := EstimateTurns(p.MovementMethod, distance)
	nextTurn, impact := AdvanceTurns(before.Turn, turns)

	after := before
	after.LocationID = p.TargetLocationID
	after.Turn = nextTurn
	after.UpdatedAt = now.UTC()

	if err := e.states.SavePartyState(ctx, after); err != nil {
		e.revert(ctx, before)
		return models.MovementResult{}, fmt.Errorf("%w: save party state: %v", ErrExecutionFailure, err)
	}

	deadline := now.Add(e.cfg.RollbackWindow)
	rec := models.RollbackRecord{
		SessionID:   p.SessionID,
		ProposalID:  p.ID,
		Before:      before,
		After:       after,
		Deadline:    deadline.UTC(),
		CanRollback: true,
		CreatedAt:   now.UTC(),
	}
	if err := e.records.SaveRollbackRecord(ctx, rec); err != nil {
		e.revert(ctx, before)
		return models.MovementResult{}, fmt.Errorf("%w: save rollback record: %v", ErrExecutionFailure, err)
	}

	res := models.MovementResult{
		ProposalID:       p.ID,
		SessionID:        p.SessionID,
		FromLocationID:   before.LocationID,
		ToLocationID:     after.LocationID,
		Method:           p.MovementMethod,
		Distance:         distance,
		TurnImpact:       impact,
		ExecutedAt:       now.UTC(),
		RollbackDeadline: deadline.UTC(),
	}
	e.mu.Lock()
	e.done[p.ID] = res
	e.deadlines[p.ID] = deadline
	e.mu.Unlock()

	e.cfg.Logger.Printf("session %s moved %s -> %s (%d turns)", p.SessionID, before.LocationID, after.LocationID, turns)
	return res, nil
}

// revert restores the pre-execution snapshot. A failure here leaves the
// session inconsistent and is only logged.
func (e *Engine) revert(ctx context.Context, before models.PartyState) {
	if err := e.states.SavePartyState(context.WithoutCancel(ctx), before); err != nil {
		e.cfg.Logger.Printf("revert party state for session %s failed: %v", before.SessionID, err)
	}
}

// Rollback restores the party state captured before the session's most
// recent movement, provided that movement is proposalID and its window is
// still open. An expired record is marked non-rollbackable.
func (e *Engine) Rollback(ctx context.Context, sessionID string, proposalID uuid.UUID, reason string) (models.RollbackResult, error) {
	unlock := e.sessions.Lock(sessionID)
	defer unlock()

	rec, err := e.records.LatestRollbackRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RollbackResult{}, fmt.Errorf("%w: no movement recorded for session %s", ErrRollbackUnavailable, sessionID)
		}
		return models.RollbackResult{}, fmt.Errorf("load rollback record: %w", err)
	}
	if rec.ProposalID != proposalID {
		return models.RollbackResult{}, fmt.Errorf("%w: proposal %s is not the most recent movement", ErrRollbackUnavailable, proposalID)
	}
	if !rec.CanRollback {
		return models.RollbackResult{}, fmt.Errorf("%w: proposal %s can no longer be rolled back", ErrRollbackUnavailable, proposalID)
	}

	now := e.cfg.Clock.Now()
	if !now.Before(e.deadline(rec)) {
		rec.CanRollback = false
		if err := e.records.SaveRollbackRecord(ctx, rec); err != nil {
			e.cfg.Logger.Printf("mark rollback record %s expired: %v", proposalID, err)
		}
		return models.RollbackResult{}, fmt.Errorf("%w: deadline was %s", ErrRollbackWindowExpired, rec.Deadline.Format(time.RFC3339))
	}

	if err := e.states.SavePartyState(ctx, rec.Before); err != nil {
		return models.RollbackResult{}, fmt.Errorf("%w: restore party state: %v", ErrExecutionFailure, err)
	}
	rolledBackAt := now.UTC()
	rec.CanRollback = false
	rec.RolledBackAt = &rolledBackAt
	rec.RollbackReason = reason
	if err := e.records.SaveRollbackRecord(ctx, rec); err != nil {
		// Keep the record rollbackable by undoing the restore.
		if rerr := e.states.SavePartyState(context.WithoutCancel(ctx), rec.After); rerr != nil {
			e.cfg.Logger.Printf("reapply movement %s after failed rollback: %v", proposalID, rerr)
		}
		return models.RollbackResult{}, fmt.Errorf("%w: save rollback record: %v", ErrExecutionFailure, err)
	}

	e.mu.Lock()
	delete(e.deadlines, proposalID)
	e.mu.Unlock()

	e.cfg.Logger.Printf("session %s rolled back %s to %s", sessionID, proposalID, rec.Before.LocationID)
	return models.RollbackResult{
		ProposalID:    proposalID,
		SessionID:     sessionID,
		RestoredState: rec.Before,
		Reason:        reason,
		RolledBackAt:  rolledBackAt,
	}, nil
}

// deadline prefers the in-process deadline, which still carries the
// monotonic clock reading, over the persisted wall-clock value.
func (e *Engine) deadline(rec models.RollbackRecord) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.deadlines[rec.ProposalID]; ok {
		return d
	}
	return rec.Deadline
}

// Result returns the result of a proposal executed by this engine.
func (e *Engine) Result(proposalID uuid.UUID) (models.MovementResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.done[proposalID]
	return res, ok
}

// Remember seeds the idempotency cache with a result loaded from storage.
func (e *Engine) Remember(res models.MovementResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done[res.ProposalID] = res
}
