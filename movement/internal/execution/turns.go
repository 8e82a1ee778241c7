package execution

import (
	"math"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// methodFactor scales distance into turns per movement method.
var methodFactor = map[models.MovementMethod]float64{
	models.MovementWalk:     1,
	models.MovementHorse:    0.5,
	models.MovementVehicle:  0.5,
	models.MovementBoat:     0.75,
	models.MovementFlight:   0.25,
	models.MovementTeleport: 0,
}

// EstimateTurns returns how many turns a movement of the given distance
// takes. Every method except teleport takes at least one turn.
func EstimateTurns(method models.MovementMethod, distance int) int {
	if method == models.MovementTeleport {
		return 0
	}
	if distance <= 0 {
		distance = 1
	}
	factor, ok := methodFactor[method]
	if !ok {
		factor = 1
	}
	turns := int(math.Ceil(float64(distance) * factor))
	if turns < 1 {
		turns = 1
	}
	return turns
}

// AdvanceTurns moves the turn counter forward, rolling over into new days
// when MaxTurnsPerDay is set.
func AdvanceTurns(ts models.TurnState, turns int) (models.TurnState, models.TurnImpact) {
	next := ts
	if next.Day <= 0 {
		next.Day = 1
	}
	next.Turn += turns
	if ts.MaxTurnsPerDay > 0 {
		for next.Turn > ts.MaxTurnsPerDay {
			next.Turn -= ts.MaxTurnsPerDay
			next.Day++
		}
	}
	return next, models.TurnImpact{
		TurnsAdvanced: turns,
		DayAdvanced:   next.Day > ts.Day && ts.Day > 0,
		PreviousDay:   ts.Day,
		PreviousTurn:  ts.Turn,
		NewDay:        next.Day,
		NewTurn:       next.Turn,
	}
}
