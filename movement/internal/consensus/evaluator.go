// Package consensus decides whether a set of votes resolves a proposal.
//
// Everything here is a pure function of (tally, eligible voters, settings):
// the same inputs always produce the same outcome, which lets the lifecycle
// manager re-derive a decision after a restart by replaying stored votes.
package consensus

import (
	"math"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

const (
	TypeUnanimous      = "unanimous"
	TypeMajority       = "majority"
	TypeLeaderOverride = "leader_override"
	TypeWeighted       = "weighted"
	TypeAutoApproved   = "auto_approved"
	TypeTimeout        = "timeout"
	TypeForced         = "forced"
)

const epsilon = 1e-9

// Outcome is the evaluator's verdict. Required and Current are expressed in
// vote weight, which equals the vote count unless the policy is weighted.
type Outcome struct {
	Resolution models.Resolution `json:"resolution"`
	Type       string            `json:"type"`
	Required   float64           `json:"required"`
	Current    float64           `json:"current"`
	Percent    float64           `json:"percent"`
	Reason     string            `json:"reason"`
}

func (o Outcome) Resolved() bool {
	return o.Resolution == models.ResolutionApproved || o.Resolution == models.ResolutionRejected
}

type weights struct {
	approve float64
	reject  float64
	abstain float64
	pending float64
	total   float64
}

// denominator excludes abstentions only when the policy allows abstaining.
// Otherwise an abstention stays in as a vote that doesn't approve.
func (w weights) denominator(s models.ConsensusSettings) float64 {
	if s.AllowAbstention {
		return w.total - w.abstain
	}
	return w.total
}

func weigh(t models.Tally, eligible []models.Voter, s models.ConsensusSettings) weights {
	var w weights
	for _, v := range eligible {
		weight := 1.0
		if s.VotingSystem == models.VotingWeighted && v.IsLeader && s.LeaderVoteWeight > 0 {
			weight = s.LeaderVoteWeight
		}
		w.total += weight
		switch t.Choices[v.ID] {
		case models.ChoiceApprove:
			w.approve += weight
		case models.ChoiceReject:
			w.reject += weight
		case models.ChoiceAbstain:
			w.abstain += weight
		default:
			w.pending += weight
		}
	}
	return w
}

// Evaluate applies the voting policy to the current tally. Votes from voters
// outside the eligible set are ignored.
func Evaluate(t models.Tally, eligible []models.Voter, s models.ConsensusSettings) Outcome {
	w := weigh(t, eligible, s)
	switch s.VotingSystem {
	case models.VotingUnanimous:
		return unanimous(w, s)
	case models.VotingLeaderDecision:
		if o, ok := leaderOverride(t, eligible, s, w); ok {
			return o
		}
		return threshold(w, s, TypeMajority)
	case models.VotingWeighted:
		return threshold(w, s, TypeWeighted)
	default:
		return threshold(w, s, TypeMajority)
	}
}

// EvaluateDeadline resolves a proposal whose voting window has elapsed. It
// never returns an unresolved outcome.
func EvaluateDeadline(t models.Tally, eligible []models.Voter, s models.ConsensusSettings) Outcome {
	o := Evaluate(t, eligible, s)
	if o.Resolved() {
		return o
	}
	w := weigh(t, eligible, s)
	den := w.denominator(s)
	if s.AutoApproveIfNoResponse {
		// Abstainers answered, so they are not counted as approvals here
		// even when abstaining isn't allowed.
		effective := w.approve + w.pending
		out := Outcome{
			Required: s.AutoApprovePercentage / 100 * den,
			Current:  effective,
			Percent:  percent(effective, den),
		}
		if den > 0 && effective*100+epsilon >= s.AutoApprovePercentage*den {
			out.Resolution = models.ResolutionApproved
			out.Type = TypeAutoApproved
			out.Reason = "voting window elapsed; non-responders counted as approvals"
			return out
		}
		out.Resolution = models.ResolutionRejected
		out.Type = TypeTimeout
		out.Reason = "voting window elapsed below the auto-approval bar"
		return out
	}
	o.Resolution = models.ResolutionRejected
	o.Type = TypeTimeout
	o.Reason = "voting window elapsed without consensus"
	return o
}

func unanimous(w weights, s models.ConsensusSettings) Outcome {
	den := w.denominator(s)
	out := Outcome{
		Type:     TypeUnanimous,
		Required: den,
		Current:  w.approve,
		Percent:  percent(w.approve, den),
	}
	switch {
	case w.reject > 0:
		out.Resolution = models.ResolutionRejected
		out.Reason = "an eligible voter rejected"
	case den > 0 && math.Abs(w.approve-den) < epsilon:
		out.Resolution = models.ResolutionApproved
		out.Reason = "every eligible voter approved"
	default:
		out.Resolution = models.ResolutionUnresolved
	}
	return out
}

func threshold(w weights, s models.ConsensusSettings, kind string) Outcome {
	pct := s.RequiredApprovalPercentage
	den := w.denominator(s)
	out := Outcome{
		Type:     kind,
		Required: pct / 100 * den,
		Current:  w.approve,
		Percent:  percent(w.approve, den),
	}
	switch {
	case den > 0 && w.approve*100+epsilon >= pct*den:
		out.Resolution = models.ResolutionApproved
		out.Reason = "approval threshold reached"
	case w.total > 0 && (w.total-w.reject)*100+epsilon < pct*w.total:
		// Even if every undecided or abstaining voter approved, the
		// threshold could no longer be met.
		out.Resolution = models.ResolutionRejected
		out.Reason = "approval threshold can no longer be reached"
	default:
		out.Resolution = models.ResolutionUnresolved
	}
	return out
}

func leaderOverride(t models.Tally, eligible []models.Voter, s models.ConsensusSettings, w weights) (Outcome, bool) {
	if !s.LeaderCanOverride {
		return Outcome{}, false
	}
	for _, v := range eligible {
		if !v.IsLeader {
			continue
		}
		out := Outcome{
			Type:     TypeLeaderOverride,
			Required: 1,
			Current:  w.approve,
			Percent:  percent(w.approve, w.denominator(s)),
		}
		switch t.Choices[v.ID] {
		case models.ChoiceApprove:
			out.Resolution = models.ResolutionApproved
			out.Reason = "leader approved"
			return out, true
		case models.ChoiceReject:
			out.Resolution = models.ResolutionRejected
			out.Reason = "leader rejected"
			return out, true
		}
	}
	return Outcome{}, false
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(part/whole*10000) / 100
}
