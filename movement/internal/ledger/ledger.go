// Package ledger records the live vote of every eligible voter per proposal.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

var (
	ErrUnknownProposal = errors.New("ledger: unknown proposal")
	ErrSealed          = errors.New("ledger: proposal sealed")
	ErrNotEligible     = errors.New("ledger: voter not eligible")
	ErrAlreadyOpen     = errors.New("ledger: proposal already open")
)

// Ledger holds one book per open proposal. Books are independent: each has
// its own lock, so tallying one proposal never blocks another.
type Ledger struct {
	mu    sync.RWMutex
	books map[uuid.UUID]*book
}

type book struct {
	mu       sync.Mutex
	eligible map[string]models.Voter
	votes    map[string]models.Vote
	seq      uint64
	sealed   bool
}

func New() *Ledger {
	return &Ledger{books: make(map[uuid.UUID]*book)}
}

// Open starts a book for the proposal with a fixed eligibility snapshot.
func (l *Ledger) Open(proposalID uuid.UUID, eligible []models.Voter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.books[proposalID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, proposalID)
	}
	b := &book{
		eligible: make(map[string]models.Voter, len(eligible)),
		votes:    make(map[string]models.Vote, len(eligible)),
	}
	for _, v := range eligible {
		b.eligible[v.ID] = v
	}
	l.books[proposalID] = b
	return nil
}

func (l *Ledger) book(proposalID uuid.UUID) (*book, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	return b, nil
}

// Upsert records v as the voter's live vote, replacing any earlier one.
// Ordering is by arrival: the ledger stamps its own sequence number and
// ignores the vote's timestamp. The replaced vote, if any, is returned.
func (l *Ledger) Upsert(v models.Vote) (*models.Vote, error) {
	b, err := l.book(v.ProposalID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return nil, fmt.Errorf("%w: %s", ErrSealed, v.ProposalID)
	}
	voter, ok := b.eligible[v.VoterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, v.VoterID)
	}
	b.seq++
	v.Sequence = b.seq
	v.VoterKind = voter.Kind
	var prev *models.Vote
	if old, ok := b.votes[v.VoterID]; ok {
		prev = cloneVote(old)
	}
	b.votes[v.VoterID] = *cloneVote(v)
	return prev, nil
}

// Tally returns the current choice per voter.
func (l *Ledger) Tally(proposalID uuid.UUID) (models.Tally, error) {
	b, err := l.book(proposalID)
	if err != nil {
		return models.Tally{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := models.Tally{
		ProposalID:   proposalID,
		Choices:      make(map[string]models.Choice, len(b.votes)),
		LastSequence: b.seq,
	}
	for id, v := range b.votes {
		t.Choices[id] = v.Choice
	}
	return t, nil
}

// Votes returns copies of the live votes in arrival order.
func (l *Ledger) Votes(proposalID uuid.UUID) ([]models.Vote, error) {
	b, err := l.book(proposalID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Vote, 0, len(b.votes))
	for _, v := range b.votes {
		out = append(out, *cloneVote(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l *Ledger) Vote(proposalID uuid.UUID, voterID string) (models.Vote, bool) {
	b, err := l.book(proposalID)
	if err != nil {
		return models.Vote{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.votes[voterID]
	if !ok {
		return models.Vote{}, false
	}
	return *cloneVote(v), true
}

// Seal freezes the book. Later upserts fail with ErrSealed.
func (l *Ledger) Seal(proposalID uuid.UUID) error {
	b, err := l.book(proposalID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
	return nil
}

func (l *Ledger) Sealed(proposalID uuid.UUID) bool {
	b, err := l.book(proposalID)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Drop forgets the proposal entirely.
func (l *Ledger) Drop(proposalID uuid.UUID) {
	l.mu.Lock()
	delete(l.books, proposalID)
	l.mu.Unlock()
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.books)
}

func cloneVote(v models.Vote) *models.Vote {
	out := v
	if v.AI != nil {
		ai := *v.AI
		ai.Alternatives = append([]string(nil), v.AI.Alternatives...)
		out.AI = &ai
	}
	return &out
}
