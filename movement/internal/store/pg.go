package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS movement_proposals (
	id UUID PRIMARY KEY,
	session_id TEXT NOT NULL,
	proposer_id TEXT NOT NULL,
	target_location_id TEXT NOT NULL,
	status TEXT NOT NULL,
	voting_deadline TIMESTAMPTZ NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS movement_proposals_one_active
	ON movement_proposals (session_id)
	WHERE status IN ('pending', 'voting', 'approved', 'executing');
CREATE TABLE IF NOT EXISTS movement_votes (
	proposal_id UUID NOT NULL REFERENCES movement_proposals (id),
	voter_id TEXT NOT NULL,
	voter_kind TEXT NOT NULL,
	choice TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	ai_decision JSONB,
	cast_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (proposal_id, voter_id)
);
CREATE TABLE IF NOT EXISTS consensus_settings (
	session_id TEXT PRIMARY KEY,
	settings JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS party_members (
	session_id TEXT PRIMARY KEY,
	members JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS party_states (
	session_id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	day INTEGER NOT NULL,
	turn INTEGER NOT NULL,
	max_turns_per_day INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS rollback_records (
	proposal_id UUID PRIMARY KEY,
	session_id TEXT NOT NULL,
	before_state JSONB NOT NULL,
	after_state JSONB NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	can_rollback BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	rolled_back_at TIMESTAMPTZ,
	rollback_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS rollback_records_session ON rollback_records (session_id, created_at DESC);
`

const activeStatuses = `('pending', 'voting', 'approved', 'executing')`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the tables the store needs if they are missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) CreateProposal(ctx context.Context, p models.Proposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	query := `
		INSERT INTO movement_proposals (id, session_id, proposer_id, target_location_id, status, voting_deadline, document, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.SessionID, p.ProposerID, p.TargetLocationID, string(p.Status), p.VotingDeadline, doc, p.CreatedAt, p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create proposal: %w", ErrConflict)
		}
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateProposal(ctx context.Context, p models.Proposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	query := `
		UPDATE movement_proposals
		SET status=$2, voting_deadline=$3, document=$4, updated_at=$5
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, p.ID, string(p.Status), p.VotingDeadline, doc, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProposal(row interface{ Scan(...any) error }) (models.Proposal, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return models.Proposal{}, err
	}
	var p models.Proposal
	if err := json.Unmarshal(doc, &p); err != nil {
		return models.Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetProposal(ctx context.Context, id uuid.UUID) (models.Proposal, error) {
	const query = `SELECT document FROM movement_proposals WHERE id=$1`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *PGStore) ActiveProposal(ctx context.Context, sessionID string) (models.Proposal, error) {
	query := `
		SELECT document FROM movement_proposals
		WHERE session_id=$1 AND status IN ` + activeStatuses + `
		ORDER BY created_at DESC
		LIMIT 1
	`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("active proposal: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListActiveProposals(ctx context.Context) ([]models.Proposal, error) {
	query := `
		SELECT document FROM movement_proposals
		WHERE status IN ` + activeStatuses + `
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active proposals: %w", err)
	}
	defer rows.Close()
	var out []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("list active proposals: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertVote(ctx context.Context, v models.Vote) error {
	var ai []byte
	if v.AI != nil {
		raw, err := json.Marshal(v.AI)
		if err != nil {
			return fmt.Errorf("marshal ai decision: %w", err)
		}
		ai = raw
	}
	query := `
		INSERT INTO movement_votes (proposal_id, voter_id, voter_kind, choice, reason, ai_decision, cast_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (proposal_id, voter_id)
		DO UPDATE SET voter_kind = EXCLUDED.voter_kind,
			choice = EXCLUDED.choice,
			reason = EXCLUDED.reason,
			ai_decision = EXCLUDED.ai_decision,
			cast_at = EXCLUDED.cast_at
	`
	if _, err := s.db.ExecContext(ctx, query, v.ProposalID, v.VoterID, string(v.VoterKind), string(v.Choice), v.Reason, ai, v.CastAt); err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (s *PGStore) ListVotes(ctx context.Context, proposalID uuid.UUID) ([]models.Vote, error) {
	const query = `
		SELECT proposal_id, voter_id, voter_kind, choice, reason, ai_decision, cast_at
		FROM movement_votes
		WHERE proposal_id=$1
		ORDER BY cast_at
	`
	rows, err := s.db.QueryContext(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()
	var out []models.Vote
	for rows.Next() {
		var (
			v          models.Vote
			kind, pick string
			ai         []byte
		)
		if err := rows.Scan(&v.ProposalID, &v.VoterID, &kind, &pick, &v.Reason, &ai, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.VoterKind = models.VoterKind(kind)
		v.Choice = models.Choice(pick)
		if len(ai) > 0 {
			var decision models.AIDecision
			if err := json.Unmarshal(ai, &decision); err != nil {
				return nil, fmt.Errorf("decode ai decision: %w", err)
			}
			v.AI = &decision
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PGStore) GetConsensusSettings(ctx context.Context, sessionID string) (models.ConsensusSettings, error) {
	const query = `SELECT settings FROM consensus_settings WHERE session_id=$1`
	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ConsensusSettings{}, ErrNotFound
		}
		return models.ConsensusSettings{}, fmt.Errorf("get consensus settings: %w", err)
	}
	var settings models.ConsensusSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return models.ConsensusSettings{}, fmt.Errorf("decode consensus settings: %w", err)
	}
	return settings, nil
}

func (s *PGStore) SaveConsensusSettings(ctx context.Context, sessionID string, settings models.ConsensusSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal consensus settings: %w", err)
	}
	query := `
		INSERT INTO consensus_settings (session_id, settings, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (session_id)
		DO UPDATE SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("save consensus settings: %w", err)
	}
	return nil
}

func (s *PGStore) GetPartyMembers(ctx context.Context, sessionID string) ([]models.Voter, error) {
	const query = `SELECT members FROM party_members WHERE session_id=$1`
	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get party members: %w", err)
	}
	var members []models.Voter
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode party members: %w", err)
	}
	return members, nil
}

func (s *PGStore) SavePartyMembers(ctx context.Context, sessionID string, members []models.Voter) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshal party members: %w", err)
	}
	query := `
		INSERT INTO party_members (session_id, members, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (session_id)
		DO UPDATE SET members = EXCLUDED.members, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("save party members: %w", err)
	}
	return nil
}

func (s *PGStore) GetPartyState(ctx context.Context, sessionID string) (models.PartyState, error) {
	const query = `
		SELECT session_id, location_id, day, turn, max_turns_per_day, updated_at
		FROM party_states
		WHERE session_id=$1
	`
	var st models.PartyState
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&st.SessionID, &st.LocationID, &st.Turn.Day, &st.Turn.Turn, &st.Turn.MaxTurnsPerDay, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PartyState{}, ErrNotFound
		}
		return models.PartyState{}, fmt.Errorf("get party state: %w", err)
	}
	return st, nil
}

func (s *PGStore) SavePartyState(ctx context.Context, st models.PartyState) error {
	query := `
		INSERT INTO party_states (session_id, location_id, day, turn, max_turns_per_day, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id)
		DO UPDATE SET location_id = EXCLUDED.location_id,
			day = EXCLUDED.day,
			turn = EXCLUDED.turn,
			max_turns_per_day = EXCLUDED.max_turns_per_day,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, st.SessionID, st.LocationID, st.Turn.Day, st.Turn.Turn, st.Turn.MaxTurnsPerDay, st.UpdatedAt); err != nil {
		return fmt.Errorf("save party state: %w", err)
	}
	return nil
}

func (s *PGStore) SaveRollbackRecord(ctx context.Context, rec models.RollbackRecord) error {
	before, err := json.Marshal(rec.Before)
	if err != nil {
		return fmt.Errorf("marshal rollback snapshot: %w", err)
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return fmt.Errorf("marshal rollback snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback record tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE rollback_records SET can_rollback=false
		WHERE session_id=$1 AND proposal_id<>$2 AND can_rollback
	`, rec.SessionID, rec.ProposalID); err != nil {
		return fmt.Errorf("invalidate rollback records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rollback_records (proposal_id, session_id, before_state, after_state, deadline, can_rollback, created_at, rolled_back_at, rollback_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (proposal_id)
		DO UPDATE SET can_rollback = EXCLUDED.can_rollback,
			rolled_back_at = EXCLUDED.rolled_back_at,
			rollback_reason = EXCLUDED.rollback_reason
	`, rec.ProposalID, rec.SessionID, before, after, rec.Deadline, rec.CanRollback, rec.CreatedAt, rec.RolledBackAt, rec.RollbackReason); err != nil {
		return fmt.Errorf("save rollback record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback record: %w", err)
	}
	return nil
}

const rollbackColumns = `proposal_id, session_id, before_state, after_state, deadline, can_rollback, created_at, rolled_back_at, rollback_reason`

func scanRollbackRecord(row interface{ Scan(...any) error }) (models.RollbackRecord, error) {
	var (
		rec           models.RollbackRecord
		before, after []byte
		rolledBackAt  sql.NullTime
	)
	if err := row.Scan(&rec.ProposalID, &rec.SessionID, &before, &after, &rec.Deadline, &rec.CanRollback, &rec.CreatedAt, &rolledBackAt, &rec.RollbackReason); err != nil {
		return models.RollbackRecord{}, err
	}
	if err := json.Unmarshal(before, &rec.Before); err != nil {
		return models.RollbackRecord{}, fmt.Errorf("decode rollback snapshot: %w", err)
	}
	if err := json.Unmarshal(after, &rec.After); err != nil {
		return models.RollbackRecord{}, fmt.Errorf("decode rollback snapshot: %w", err)
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		rec.RolledBackAt = &t
	}
	return rec, nil
}

func (s *PGStore) LatestRollbackRecord(ctx context.Context, sessionID string) (models.RollbackRecord, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_records WHERE session_id=$1 ORDER BY created_at DESC LIMIT 1`
	rec, err := scanRollbackRecord(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RollbackRecord{}, ErrNotFound
		}
		return models.RollbackRecord{}, fmt.Errorf("latest rollback record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetRollbackRecord(ctx context.Context, proposalID uuid.UUID) (models.RollbackRecord, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_records WHERE proposal_id=$1`
	rec, err := scanRollbackRecord(s.db.QueryRowContext(ctx, query, proposalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RollbackRecord{}, ErrNotFound
		}
		return models.RollbackRecord{}, fmt.Errorf("get rollback record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
