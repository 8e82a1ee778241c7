package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and for
// running the service without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[uuid.UUID]models.Proposal
	votes     map[uuid.UUID]map[string]models.Vote
	settings  map[string]models.ConsensusSettings
	members   map[string][]models.Voter
	states    map[string]models.PartyState
	records   map[uuid.UUID]models.RollbackRecord
	// recordSeq orders records saved within the same instant.
	recordSeq map[uuid.UUID]uint64
	seq       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: map[uuid.UUID]models.Proposal{},
		votes:     map[uuid.UUID]map[string]models.Vote{},
		settings:  map[string]models.ConsensusSettings{},
		members:   map[string][]models.Voter{},
		states:    map[string]models.PartyState{},
		records:   map[uuid.UUID]models.RollbackRecord{},
		recordSeq: map[uuid.UUID]uint64{},
	}
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return fmt.Errorf("create proposal: %s already exists", p.ID)
	}
	if p.Status.Active() {
		for _, other := range m.proposals {
			if other.SessionID == p.SessionID && other.Status.Active() {
				return fmt.Errorf("create proposal: %w", ErrConflict)
			}
		}
	}
	m.proposals[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) UpdateProposal(ctx context.Context, p models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return ErrNotFound
	}
	m.proposals[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ActiveProposal(ctx context.Context, sessionID string) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proposals {
		if p.SessionID == sessionID && p.Status.Active() {
			return p.Clone(), nil
		}
	}
	return models.Proposal{}, ErrNotFound
}

func (m *MemoryStore) ListActiveProposals(ctx context.Context) ([]models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Proposal
	for _, p := range m.proposals {
		if p.Status.Active() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpsertVote(ctx context.Context, v models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVoter, ok := m.votes[v.ProposalID]
	if !ok {
		byVoter = map[string]models.Vote{}
		m.votes[v.ProposalID] = byVoter
	}
	if v.AI != nil {
		ai := *v.AI
		ai.Alternatives = append([]string(nil), v.AI.Alternatives...)
		v.AI = &ai
	}
	byVoter[v.VoterID] = v
	return nil
}

func (m *MemoryStore) ListVotes(ctx context.Context, proposalID uuid.UUID) ([]models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Vote, 0, len(m.votes[proposalID]))
	for _, v := range m.votes[proposalID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.Before(out[j].CastAt) })
	return out, nil
}

func (m *MemoryStore) GetConsensusSettings(ctx context.Context, sessionID string) (models.ConsensusSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[sessionID]
	if !ok {
		return models.ConsensusSettings{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveConsensusSettings(ctx context.Context, sessionID string, s models.ConsensusSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[sessionID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetPartyMembers(ctx context.Context, sessionID string) ([]models.Voter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.members[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.Voter(nil), members...), nil
}

func (m *MemoryStore) SavePartyMembers(ctx context.Context, sessionID string, members []models.Voter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[sessionID] = append([]models.Voter(nil), members...)
	return nil
}

func (m *MemoryStore) GetPartyState(ctx context.Context, sessionID string) (models.PartyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[sessionID]
	if !ok {
		return models.PartyState{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) SavePartyState(ctx context.Context, st models.PartyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.SessionID] = st
	return nil
}

func (m *MemoryStore) SaveRollbackRecord(ctx context.Context, rec models.RollbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.records {
		if other.SessionID == rec.SessionID && id != rec.ProposalID && other.CanRollback {
			other.CanRollback = false
			m.records[id] = other
		}
	}
	if _, ok := m.recordSeq[rec.ProposalID]; !ok {
		m.seq++
		m.recordSeq[rec.ProposalID] = m.seq
	}
	m.records[rec.ProposalID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) LatestRollbackRecord(ctx context.Context, sessionID string) (models.RollbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.RollbackRecord
		found  bool
	)
	for _, rec := range m.records {
		if rec.SessionID != sessionID {
			continue
		}
		newer := rec.CreatedAt.After(latest.CreatedAt) ||
			(rec.CreatedAt.Equal(latest.CreatedAt) && m.recordSeq[rec.ProposalID] > m.recordSeq[latest.ProposalID])
		if !found || newer {
			latest, found = rec, true
		}
	}
	if !found {
		return models.RollbackRecord{}, ErrNotFound
	}
	return cloneRecord(latest), nil
}

func (m *MemoryStore) GetRollbackRecord(ctx context.Context, proposalID uuid.UUID) (models.RollbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[proposalID]
	if !ok {
		return models.RollbackRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func cloneRecord(rec models.RollbackRecord) models.RollbackRecord {
	out := rec
	if rec.RolledBackAt != nil {
		t := *rec.RolledBackAt
		out.RolledBackAt = &t
	}
	return out
}
