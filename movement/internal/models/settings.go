package models

import (
	"fmt"
	"time"
)

type VotingSystem string

const (
	VotingUnanimous      VotingSystem = "unanimous"
	VotingMajority       VotingSystem = "majority"
	VotingLeaderDecision VotingSystem = "leader_decision"
	VotingWeighted       VotingSystem = "weighted"
)

func (v VotingSystem) Valid() bool {
	switch v {
	case VotingUnanimous, VotingMajority, VotingLeaderDecision, VotingWeighted:
		return true
	}
	return false
}

// ConsensusSettings is the per-session voting policy. Durations are carried
// as whole seconds so the JSON and SQL shapes stay simple.
type ConsensusSettings struct {
	VotingSystem               VotingSystem `json:"votingSystem" yaml:"votingSystem"`
	RequiredApprovalPercentage float64      `json:"requiredApprovalPercentage" yaml:"requiredApprovalPercentage"`
	VotingTimeLimitSec         int          `json:"votingTimeLimitSec" yaml:"votingTimeLimitSec"`
	AllowAbstention            bool         `json:"allowAbstention" yaml:"allowAbstention"`
	LeaderCanOverride          bool         `json:"leaderCanOverride" yaml:"leaderCanOverride"`
	LeaderVoteWeight           float64      `json:"leaderVoteWeight" yaml:"leaderVoteWeight"`
	AutoApproveIfNoResponse    bool         `json:"autoApproveIfNoResponse" yaml:"autoApproveIfNoResponse"`
	AutoApproveTimeLimitSec    int          `json:"autoApproveTimeLimitSec" yaml:"autoApproveTimeLimitSec"`
	AutoApprovePercentage      float64      `json:"autoApprovePercentage" yaml:"autoApprovePercentage"`
	ExcludeNPCs                bool         `json:"excludeNpcs" yaml:"excludeNpcs"`
	VotingOrder                VotingOrder  `json:"votingOrder" yaml:"votingOrder"`
	ReminderIntervalsSec       []int        `json:"reminderIntervalsSec" yaml:"reminderIntervalsSec"`
	MaxReminders               int          `json:"maxReminders" yaml:"maxReminders"`
}

// DefaultConsensusSettings is used when neither the config nor the session
// provides a policy.
func DefaultConsensusSettings() ConsensusSettings {
	return ConsensusSettings{
		VotingSystem:               VotingMajority,
		RequiredApprovalPercentage: 60,
		VotingTimeLimitSec:         300,
		AllowAbstention:            true,
		LeaderCanOverride:          false,
		LeaderVoteWeight:           2,
		AutoApproveIfNoResponse:    false,
		AutoApprovePercentage:      50,
		ExcludeNPCs:                true,
		VotingOrder:                VotingOrderParallel,
		ReminderIntervalsSec:       []int{120, 30},
		MaxReminders:               3,
	}
}

func (s ConsensusSettings) Clone() ConsensusSettings {
	out := s
	out.ReminderIntervalsSec = append([]int(nil), s.ReminderIntervalsSec...)
	return out
}

func (s ConsensusSettings) Validate() error {
	if !s.VotingSystem.Valid() {
		return fmt.Errorf("unknown voting system %q", s.VotingSystem)
	}
	if s.RequiredApprovalPercentage <= 0 || s.RequiredApprovalPercentage > 100 {
		return fmt.Errorf("requiredApprovalPercentage must be in (0,100]")
	}
	if s.VotingTimeLimitSec <= 0 {
		return fmt.Errorf("votingTimeLimitSec must be positive")
	}
	if s.VotingSystem == VotingWeighted && s.LeaderVoteWeight <= 0 {
		return fmt.Errorf("leaderVoteWeight must be positive for weighted voting")
	}
	if s.AutoApproveTimeLimitSec < 0 {
		return fmt.Errorf("autoApproveTimeLimitSec must not be negative")
	}
	if s.AutoApprovePercentage < 0 || s.AutoApprovePercentage > 100 {
		return fmt.Errorf("autoApprovePercentage must be in [0,100]")
	}
	if s.VotingOrder != "" && !s.VotingOrder.Valid() {
		return fmt.Errorf("unknown voting order %q", s.VotingOrder)
	}
	for _, iv := range s.ReminderIntervalsSec {
		if iv <= 0 {
			return fmt.Errorf("reminder intervals must be positive")
		}
	}
	if s.MaxReminders < 0 {
		return fmt.Errorf("maxReminders must not be negative")
	}
	return nil
}

// VotingWindow is how long the proposal stays open. When auto-approval has
// its own shorter limit, that limit ends the window.
func (s ConsensusSettings) VotingWindow() time.Duration {
	window := time.Duration(s.VotingTimeLimitSec) * time.Second
	if s.AutoApproveIfNoResponse && s.AutoApproveTimeLimitSec > 0 {
		auto := time.Duration(s.AutoApproveTimeLimitSec) * time.Second
		if auto < window {
			return auto
		}
	}
	return window
}

func (s ConsensusSettings) ReminderIntervals() []time.Duration {
	out := make([]time.Duration, 0, len(s.ReminderIntervalsSec))
	for _, iv := range s.ReminderIntervalsSec {
		out = append(out, time.Duration(iv)*time.Second)
	}
	return out
}

func (s ConsensusSettings) Order() VotingOrder {
	if s.VotingOrder == "" {
		return VotingOrderParallel
	}
	return s.VotingOrder
}
