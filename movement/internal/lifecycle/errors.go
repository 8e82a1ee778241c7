package lifecycle

import "errors"

var (
	ErrProposalConflict = errors.New("active proposal exists for session")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrInvalidProposal  = errors.New("invalid proposal")
	ErrNoEligibleVoters = errors.New("no eligible voters")
	ErrVotingClosed     = errors.New("voting closed")
	ErrVoterIneligible  = errors.New("voter not eligible")
	ErrInvalidVote      = errors.New("invalid vote")
	ErrCannotCancel     = errors.New("proposal cannot be cancelled")
	ErrNotApproved      = errors.New("proposal not approved")
	ErrSessionMismatch  = errors.New("proposal belongs to another session")
)
