package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/lifecycle"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from models.ProposalStatus
		ev   lifecycle.Event
		to   models.ProposalStatus
	}{
		{models.ProposalStatusPending, lifecycle.EventOpen, models.ProposalStatusVoting},
		{models.ProposalStatusVoting, lifecycle.EventApprove, models.ProposalStatusApproved},
		{models.ProposalStatusVoting, lifecycle.EventReject, models.ProposalStatusRejected},
		{models.ProposalStatusVoting, lifecycle.EventCancel, models.ProposalStatusFailed},
		{models.ProposalStatusApproved, lifecycle.EventExecute, models.ProposalStatusExecuting},
		{models.ProposalStatusExecuting, lifecycle.EventSucceed, models.ProposalStatusCompleted},
		{models.ProposalStatusExecuting, lifecycle.EventFail, models.ProposalStatusFailed},
		{models.ProposalStatusCompleted, lifecycle.EventRollback, models.ProposalStatusRolledBack},
	}
	for _, tc := range cases {
		got, err := lifecycle.Next(tc.from, tc.ev)
		require.NoError(t, err, "%s on %s", tc.from, tc.ev)
		assert.Equal(t, tc.to, got)
	}
}

func TestIllegalTransitions(t *testing.T) {
	illegal := []struct {
		from models.ProposalStatus
		ev   lifecycle.Event
	}{
		{models.ProposalStatusRejected, lifecycle.EventApprove},
		{models.ProposalStatusCompleted, lifecycle.EventCancel},
		{models.ProposalStatusApproved, lifecycle.EventCancel},
		{models.ProposalStatusRolledBack, lifecycle.EventRollback},
		{models.ProposalStatusFailed, lifecycle.EventExecute},
		{models.ProposalStatusVoting, lifecycle.EventExecute},
	}
	for _, tc := range illegal {
		_, err := lifecycle.Next(tc.from, tc.ev)
		assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition, "%s on %s", tc.from, tc.ev)
		assert.False(t, lifecycle.Can(tc.from, tc.ev))
	}
}
