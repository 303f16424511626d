package fingerprint

import (
	"sort"
	"time"

	"mining_economy/internal/domain"
)

// CriticalRiskScore is the score from which a suspicion is treated as
// critical by alerting.
const CriticalRiskScore = 70

// RiskInput is the mismatch history a RiskAssessor scores.
type RiskInput struct {
	Events    []domain.SecurityEvent
	Threshold int
}

// RiskPattern is one weighted signal. Detect reports whether the pattern
// matches and the flag to record for it.
type RiskPattern struct {
	Name        string
	Description string
	Detect      func(RiskInput) (bool, string)
	Weight      int
}

type RiskAssessment struct {
	Score int      `json:"score"`
	Flags []string `json:"flags,omitempty"`
}

// RiskAssessor turns a window of device mismatches into an advisory score
// in [0, 100].
type RiskAssessor struct {
	patterns []RiskPattern
}

func NewRiskAssessor() *RiskAssessor {
	ra := &RiskAssessor{}
	ra.patterns = []RiskPattern{
		{
			Name:        "mismatch_burst",
			Description: "More mismatches in the window than the threshold allows",
			Detect: func(in RiskInput) (bool, string) {
				return len(in.Events) > in.Threshold, "mismatch_burst"
			},
			Weight: 40,
		},
		{
			Name:        "device_rotation",
			Description: "Several distinct foreign devices in the window",
			Detect:      ra.detectDeviceRotation,
			Weight:      30,
		},
		{
			Name:        "rapid_mismatch",
			Description: "Mismatches less than a minute apart",
			Detect:      ra.detectRapidMismatch,
			Weight:      25,
		},
		{
			Name:        "repeat_offender",
			Description: "Mismatch count at twice the threshold",
			Detect: func(in RiskInput) (bool, string) {
				return in.Threshold > 0 && len(in.Events) > 2*in.Threshold, "repeat_offender"
			},
			Weight: 20,
		},
	}
	return ra
}

func (ra *RiskAssessor) Assess(in RiskInput) RiskAssessment {
	var out RiskAssessment

	for _, pattern := range ra.patterns {
		if detected, flag := pattern.Detect(in); detected {
			out.Score += pattern.Weight
			out.Flags = append(out.Flags, flag)
		}
	}

	if out.Score > 0 {
		out.Score = ra.applyTimeBasedModifiers(in, out.Score)
	}

	out.Score = min(out.Score, 100)
	return out
}

func (ra *RiskAssessor) detectDeviceRotation(in RiskInput) (bool, string) {
	seen := make(map[string]struct{})
	for _, ev := range in.Events {
		seen[ev.ObservedHash] = struct{}{}
	}
	return len(seen) >= 3, "device_rotation"
}

func (ra *RiskAssessor) detectRapidMismatch(in RiskInput) (bool, string) {
	times := make([]time.Time, 0, len(in.Events))
	for _, ev := range in.Events {
		times = append(times, ev.Timestamp)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) < time.Minute {
			return true, "rapid_mismatch"
		}
	}
	return false, ""
}

// applyTimeBasedModifiers raises the score when the latest mismatch falls in
// the UTC night.
func (ra *RiskAssessor) applyTimeBasedModifiers(in RiskInput, baseScore int) int {
	var latest time.Time
	for _, ev := range in.Events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if latest.IsZero() {
		return baseScore
	}
	hour := latest.UTC().Hour()
	if hour >= 23 || hour <= 5 {
		return baseScore + 15
	}
	return baseScore
}
