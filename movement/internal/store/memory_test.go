package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
)

func TestMemoryRejectsSecondActiveProposal(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	first := sampleProposal()
	require.NoError(t, m.CreateProposal(ctx, first))

	second := sampleProposal()
	assert.ErrorIs(t, m.CreateProposal(ctx, second), store.ErrConflict)

	first.Status = models.ProposalStatusRejected
	require.NoError(t, m.UpdateProposal(ctx, first))
	require.NoError(t, m.CreateProposal(ctx, second))

	active, err := m.ActiveProposal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestMemoryProposalIsCopied(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	p := sampleProposal()
	require.NoError(t, m.CreateProposal(ctx, p))

	p.EligibleVoters[0].ID = "changed"
	got, err := m.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.EligibleVoters[0].ID)
}

func TestMemoryRollbackRecordsKeepOnlyLatestRollbackable(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	older := models.RollbackRecord{SessionID: "s1", ProposalID: uuid.New(), CanRollback: true, CreatedAt: now}
	newer := models.RollbackRecord{SessionID: "s1", ProposalID: uuid.New(), CanRollback: true, CreatedAt: now.Add(time.Minute)}
	other := models.RollbackRecord{SessionID: "s2", ProposalID: uuid.New(), CanRollback: true, CreatedAt: now}
	require.NoError(t, m.SaveRollbackRecord(ctx, older))
	require.NoError(t, m.SaveRollbackRecord(ctx, other))
	require.NoError(t, m.SaveRollbackRecord(ctx, newer))

	latest, err := m.LatestRollbackRecord(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, newer.ProposalID, latest.ProposalID)

	got, err := m.GetRollbackRecord(ctx, older.ProposalID)
	require.NoError(t, err)
	assert.False(t, got.CanRollback)

	got, err = m.GetRollbackRecord(ctx, other.ProposalID)
	require.NoError(t, err)
	assert.True(t, got.CanRollback)
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	_, err := m.GetProposal(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.GetConsensusSettings(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.GetPartyMembers(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.LatestRollbackRecord(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryVotesUpsertByVoter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	id := uuid.New()
	now := time.Now()

	require.NoError(t, m.UpsertVote(ctx, models.Vote{ProposalID: id, VoterID: "a", Choice: models.ChoiceReject, CastAt: now}))
	require.NoError(t, m.UpsertVote(ctx, models.Vote{ProposalID: id, VoterID: "b", Choice: models.ChoiceApprove, CastAt: now.Add(time.Second)}))
	require.NoError(t, m.UpsertVote(ctx, models.Vote{ProposalID: id, VoterID: "a", Choice: models.ChoiceApprove, CastAt: now.Add(2 * time.Second)}))

	votes, err := m.ListVotes(ctx, id)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "b", votes[0].VoterID)
	assert.Equal(t, models.ChoiceApprove, votes[1].Choice)
}
