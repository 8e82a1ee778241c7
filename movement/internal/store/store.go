// Package store persists proposals, votes, per-session settings, party
// membership, party state and rollback records.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a session already has an active proposal.
	ErrConflict = errors.New("active proposal exists")
)

type Store interface {
	CreateProposal(ctx context.Context, p models.Proposal) error
	UpdateProposal(ctx context.Context, p models.Proposal) error
	GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error)
	ActiveProposal(ctx context.Context, sessionID string) (models.Proposal, error)
	ListActiveProposals(ctx context.Context) ([]models.Proposal, error)

	UpsertVote(ctx context.Context, v models.Vote) error
	ListVotes(ctx context.Context, proposalID uuid.UUID) ([]models.Vote, error)

	GetConsensusSettings(ctx context.Context, sessionID string) (models.ConsensusSettings, error)
	SaveConsensusSettings(ctx context.Context, sessionID string, s models.ConsensusSettings) error

	GetPartyMembers(ctx context.Context, sessionID string) ([]models.Voter, error)
	SavePartyMembers(ctx context.Context, sessionID string, members []models.Voter) error

	GetPartyState(ctx context.Context, sessionID string) (models.PartyState, error)
	SavePartyState(ctx context.Context, st models.PartyState) error

	// SaveRollbackRecord upserts the record and clears CanRollback on every
	// other record of the same session.
	SaveRollbackRecord(ctx context.Context, rec models.RollbackRecord) error
	LatestRollbackRecord(ctx context.Context, sessionID string) (models.RollbackRecord, error)
	GetRollbackRecord(ctx context.Context, proposalID uuid.UUID) (models.RollbackRecord, error)

	Ping(ctx context.Context) error
}
