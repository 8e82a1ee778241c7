package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/config"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/execution"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/lifecycle"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
)

type Server struct {
	cfg     config.Config
	manager *lifecycle.Manager
	store   store.Store
	limiter *rateLimiter
}

func New(cfg config.Config, manager *lifecycle.Manager, st store.Store) *Server {
	if cfg.Defaults.VotingSystem == "" {
		cfg.Defaults = models.DefaultConsensusSettings()
	}
	s := &Server{cfg: cfg, manager: manager, store: st}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/proposals", s.handleCreateProposal)
			r.Get("/proposals/active", s.handleActiveProposal)
			r.Post("/rollback", s.handleRollback)
			r.Get("/consensus-settings", s.handleGetSettings)
			r.Put("/consensus-settings", s.handlePutSettings)
			r.Put("/party", s.handlePutParty)
			r.Get("/state", s.handleGetState)
			r.Put("/state", s.handlePutState)
		})
		r.Route("/proposals/{proposalID}", func(r chi.Router) {
			r.Get("/", s.handleGetProposal)
			r.Post("/votes", s.handleVote)
			r.Post("/execute", s.handleExecute)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type createProposalRequest struct {
	ProposerID       string                `json:"proposerId"`
	TargetLocationID string                `json:"targetLocationId"`
	MovementMethod   models.MovementMethod `json:"movementMethod"`
	Reason           string                `json:"reason"`
	Urgency          models.Urgency        `json:"urgency"`
	Difficulty       models.Difficulty     `json:"difficulty"`
	EstimatedCost    int                   `json:"estimatedCost"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.manager.CreateProposal(r.Context(), lifecycle.ProposalInput{
		SessionID:        chi.URLParam(r, "sessionID"),
		ProposerID:       req.ProposerID,
		TargetLocationID: req.TargetLocationID,
		MovementMethod:   req.MovementMethod,
		Reason:           req.Reason,
		Urgency:          req.Urgency,
		Difficulty:       req.Difficulty,
		EstimatedCost:    req.EstimatedCost,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, envelope{"success": true, "proposal": p})
}

func (s *Server) handleActiveProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.ActiveProposal(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "proposal": p})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	view, err := s.manager.GetProposal(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{
		"success":       true,
		"proposal":      view.Proposal,
		"votes":         view.Votes,
		"votingSummary": view.Summary,
	})
}

type voteRequest struct {
	VoterID string             `json:"voterId"`
	Choice  models.Choice      `json:"choice"`
	Reason  string             `json:"reason"`
	AI      *models.AIDecision `json:"ai"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VoterID == "" {
		respondError(w, http.StatusBadRequest, "voterId required")
		return
	}
	res, err := s.manager.SubmitVote(r.Context(), lifecycle.VoteInput{
		ProposalID: id,
		VoterID:    req.VoterID,
		Choice:     req.Choice,
		Reason:     req.Reason,
		AI:         req.AI,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	body := envelope{
		"success":          true,
		"votingSummary":    res.Summary,
		"consensusReached": res.ConsensusReached,
		"proposal":         res.Proposal,
	}
	if res.Previous != nil {
		body["previousVote"] = res.Previous
	}
	if res.Movement != nil {
		body["movementResult"] = res.Movement
	}
	respondJSON(w, http.StatusOK, body)
}

type executeRequest struct {
	SessionID    string `json:"sessionId"`
	ForceExecute bool   `json:"forceExecute"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.manager.ExecuteMovement(r.Context(), lifecycle.ExecuteInput{
		ProposalID:   id,
		SessionID:    req.SessionID,
		ForceExecute: req.ForceExecute,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "movementResult": res})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	p, err := s.manager.CancelProposal(r.Context(), id, req.Reason)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "proposal": p})
}

type rollbackRequest struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := uuid.Parse(req.ProposalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposalId")
		return
	}
	res, err := s.manager.RollbackMovement(r.Context(), lifecycle.RollbackInput{
		SessionID:  chi.URLParam(r, "sessionID"),
		ProposalID: id,
		Reason:     req.Reason,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "restoredState": res.RestoredState, "rollback": res})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetConsensusSettings(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		settings, err = s.cfg.Defaults.Clone(), nil
	}
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "settings": settings})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.cfg.Defaults.Clone()
	if err := decodeJSON(w, r, &settings); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settings.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveConsensusSettings(r.Context(), chi.URLParam(r, "sessionID"), settings); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "settings": settings})
}

type partyRequest struct {
	Members []models.Voter `json:"members"`
}

func (s *Server) handlePutParty(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	seen := make(map[string]bool, len(req.Members))
	for _, m := range req.Members {
		if m.ID == "" || !m.Kind.Valid() {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("member %q needs an id and a kind of human, ai_agent or npc", m.ID))
			return
		}
		if seen[m.ID] {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("duplicate member %q", m.ID))
			return
		}
		seen[m.ID] = true
	}
	if err := s.store.SavePartyMembers(r.Context(), chi.URLParam(r, "sessionID"), req.Members); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "members": req.Members})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetPartyState(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "state": st})
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	var st models.PartyState
	if err := decodeJSON(w, r, &st); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if st.LocationID == "" || st.Turn.Day < 1 || st.Turn.Turn < 0 || st.Turn.MaxTurnsPerDay < 0 {
		respondError(w, http.StatusBadRequest, "locationId, a day of at least 1 and non-negative turn counters required")
		return
	}
	st.SessionID = chi.URLParam(r, "sessionID")
	st.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePartyState(r.Context(), st); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{"success": true, "state": st})
}

func proposalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposal id")
		return uuid.Nil, false
	}
	return id, true
}

type envelope map[string]interface{}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrProposalConflict),
		errors.Is(err, lifecycle.ErrVotingClosed),
		errors.Is(err, lifecycle.ErrCannotCancel),
		errors.Is(err, lifecycle.ErrNotApproved),
		errors.Is(err, execution.ErrRollbackUnavailable):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrVoterIneligible):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrProposalNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrRollbackWindowExpired):
		return http.StatusGone
	case errors.Is(err, execution.ErrExecutionFailure):
		return http.StatusBadGateway
	case errors.Is(err, lifecycle.ErrInvalidProposal),
		errors.Is(err, lifecycle.ErrInvalidVote),
		errors.Is(err, lifecycle.ErrNoEligibleVoters),
		errors.Is(err, lifecycle.ErrSessionMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondFailure(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
