package lifecycle

import (
	"errors"
	"fmt"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type Event string

const (
	EventOpen     Event = "open"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventExecute  Event = "execute"
	EventSucceed  Event = "succeed"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventRollback Event = "rollback"
)

var ErrIllegalTransition = errors.New("illegal transition")

type edge struct {
	from  models.ProposalStatus
	event Event
}

var transitions = map[edge]models.ProposalStatus{
	{models.ProposalStatusPending, EventOpen}:       models.ProposalStatusVoting,
	{models.ProposalStatusPending, EventCancel}:     models.ProposalStatusFailed,
	{models.ProposalStatusVoting, EventApprove}:     models.ProposalStatusApproved,
	{models.ProposalStatusVoting, EventReject}:      models.ProposalStatusRejected,
	{models.ProposalStatusVoting, EventCancel}:      models.ProposalStatusFailed,
	{models.ProposalStatusApproved, EventExecute}:   models.ProposalStatusExecuting,
	{models.ProposalStatusExecuting, EventSucceed}:  models.ProposalStatusCompleted,
	{models.ProposalStatusExecuting, EventFail}:     models.ProposalStatusFailed,
	{models.ProposalStatusCompleted, EventRollback}: models.ProposalStatusRolledBack,
}

// Next looks up the status reached from `from` on event ev.
func Next(from models.ProposalStatus, ev Event) (models.ProposalStatus, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, ev)
	}
	return to, nil
}

// Can reports whether ev is legal in status from.
func Can(from models.ProposalStatus, ev Event) bool {
	_, ok := transitions[edge{from, ev}]
	return ok
}
