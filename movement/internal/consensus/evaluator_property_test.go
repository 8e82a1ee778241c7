package consensus_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/consensus"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// choicesFor maps generated integers onto a tally: 0 pending, 1 approve,
// 2 reject, 3 abstain.
func choicesFor(raw []int) models.Tally {
	all := []models.Choice{"", yes, no, skip}
	cs := make([]models.Choice, len(raw))
	for i, r := range raw {
		cs[i] = all[r%4]
	}
	return tally(cs...)
}

func TestEvaluatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	systems := gen.OneConstOf(
		models.VotingUnanimous,
		models.VotingMajority,
		models.VotingLeaderDecision,
		models.VotingWeighted,
	)
	settingsFor := func(system models.VotingSystem, pct int, abstain bool) models.ConsensusSettings {
		s := models.DefaultConsensusSettings()
		s.VotingSystem = system
		s.RequiredApprovalPercentage = float64(pct)
		s.AllowAbstention = abstain
		s.LeaderCanOverride = true
		return s
	}

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(raw []int, system models.VotingSystem, pct int, abstain bool) bool {
			vs := voters(len(raw))
			if len(vs) > 0 {
				vs[0].IsLeader = true
			}
			tl := choicesFor(raw)
			s := settingsFor(system, pct, abstain)
			return consensus.Evaluate(tl, vs, s) == consensus.Evaluate(tl, vs, s)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		systems,
		gen.IntRange(1, 100),
		gen.Bool(),
	))

	properties.Property("an extra approval never turns approval into rejection", prop.ForAll(
		func(raw []int, pct int, abstain bool) bool {
			vs := voters(len(raw) + 1)
			s := settingsFor(models.VotingMajority, pct, abstain)
			before := consensus.Evaluate(choicesFor(raw), vs, s)
			after := consensus.Evaluate(choicesFor(append(append([]int(nil), raw...), 1)), vs, s)
			if before.Resolution == models.ResolutionApproved {
				return after.Resolution == models.ResolutionApproved
			}
			return after.Resolution != models.ResolutionRejected || before.Resolution == models.ResolutionRejected
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.IntRange(1, 100),
		gen.Bool(),
	))

	properties.Property("deadline evaluation always resolves", prop.ForAll(
		func(raw []int, system models.VotingSystem, pct int, auto bool) bool {
			vs := voters(len(raw))
			s := settingsFor(system, pct, true)
			s.AutoApproveIfNoResponse = auto
			return consensus.EvaluateDeadline(choicesFor(raw), vs, s).Resolved()
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		systems,
		gen.IntRange(1, 100),
		gen.Bool(),
	))

	properties.Property("unanimous approval requires no rejections", prop.ForAll(
		func(raw []int) bool {
			vs := voters(len(raw))
			tl := choicesFor(raw)
			out := consensus.Evaluate(tl, vs, settingsFor(models.VotingUnanimous, 100, true))
			if out.Resolution != models.ResolutionApproved {
				return true
			}
			for _, c := range tl.Choices {
				if c == no {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
