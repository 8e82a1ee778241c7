package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

func TestEstimateTurns(t *testing.T) {
	cases := []struct {
		method   models.MovementMethod
		distance int
		want     int
	}{
		{models.MovementWalk, 1, 1},
		{models.MovementWalk, 3, 3},
		{models.MovementWalk, 0, 1},
		{models.MovementHorse, 3, 2},
		{models.MovementVehicle, 1, 1},
		{models.MovementBoat, 4, 3},
		{models.MovementFlight, 6, 2},
		{models.MovementTeleport, 10, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EstimateTurns(tc.method, tc.distance), "%s x %d", tc.method, tc.distance)
	}
}

func TestAdvanceTurnsRollsOverDays(t *testing.T) {
	next, impact := AdvanceTurns(models.TurnState{Day: 2, Turn: 7, MaxTurnsPerDay: 8}, 3)
	assert.Equal(t, models.TurnState{Day: 3, Turn: 2, MaxTurnsPerDay: 8}, next)
	assert.True(t, impact.DayAdvanced)
	assert.Equal(t, 2, impact.PreviousDay)
	assert.Equal(t, 7, impact.PreviousTurn)
	assert.Equal(t, 3, impact.TurnsAdvanced)

	next, impact = AdvanceTurns(models.TurnState{Day: 1, Turn: 1}, 20)
	assert.Equal(t, 21, next.Turn)
	assert.False(t, impact.DayAdvanced)

	next, impact = AdvanceTurns(models.TurnState{Day: 1, Turn: 8, MaxTurnsPerDay: 8}, 0)
	assert.Equal(t, 8, next.Turn)
	assert.Equal(t, 0, impact.TurnsAdvanced)
}
