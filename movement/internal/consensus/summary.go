package consensus

import (
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// Summarize builds the voting summary for a tally and the outcome computed
// from it. Counts are per voter, not per weight.
func Summarize(t models.Tally, eligible []models.Voter, o Outcome) models.VotingSummary {
	summary := models.VotingSummary{
		ProposalID:        t.ProposalID,
		TotalEligible:     len(eligible),
		ByKind:            make(map[models.VoterKind]models.ChoiceCounts),
		ConsensusReached:  o.Resolved(),
		ConsensusType:     o.Type,
		Resolution:        o.Resolution,
		RequiredApprovals: o.Required,
		CurrentApprovals:  o.Current,
		ApprovalPercent:   o.Percent,
		PendingVoterIDs:   []string{},
	}
	if summary.Resolution == "" {
		summary.Resolution = models.ResolutionUnresolved
	}
	for _, v := range eligible {
		kind := summary.ByKind[v.Kind]
		switch t.Choices[v.ID] {
		case models.ChoiceApprove:
			summary.Counts.Approve++
			kind.Approve++
		case models.ChoiceReject:
			summary.Counts.Reject++
			kind.Reject++
		case models.ChoiceAbstain:
			summary.Counts.Abstain++
			kind.Abstain++
		default:
			summary.Counts.Pending++
			kind.Pending++
			summary.PendingVoterIDs = append(summary.PendingVoterIDs, v.ID)
		}
		summary.ByKind[v.Kind] = kind
	}
	return summary
}

// Forced is the outcome recorded when a proposal is executed before the vote
// concluded.
func Forced(t models.Tally, eligible []models.Voter, s models.ConsensusSettings) Outcome {
	o := Evaluate(t, eligible, s)
	o.Resolution = models.ResolutionApproved
	o.Type = TypeForced
	o.Reason = "execution forced before consensus"
	return o
}
