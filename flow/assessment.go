package flow

import "slices"

// Severity weights a failed security check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Penalty is the number of points a failed check of this severity costs.
func (s Severity) Penalty() int {
	switch s {
	case SeverityCritical:
		return 20
	case SeverityHigh:
		return 10
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 2
	}
	return 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Penalty() >= other.Penalty()
}

// Level bands an assessment score.
type Level string

const (
	LevelCritical  Level = "critical"
	LevelWarning   Level = "warning"
	LevelGood      Level = "good"
	LevelExcellent Level = "excellent"
)

// LevelForScore returns the band of score: 90 and up is excellent, 75 to 89 good,
// 50 to 74 warning, below 50 critical.
func LevelForScore(score int) Level {
	switch {
	case score >= 90:
		return LevelExcellent
	case score >= 75:
		return LevelGood
	case score >= 50:
		return LevelWarning
	}
	return LevelCritical
}

// SecurityCheck is the outcome of one assessment check. A check that does not
// apply to the flow passes and costs nothing.
type SecurityCheck struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Passed      bool     `json:"passed"`
	Applicable  bool     `json:"applicable"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation,omitempty"`
}

// Recommendation is attached for each failed check of medium severity or worse.
type Recommendation struct {
	CheckID     string   `json:"checkId"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// SecurityAssessment is an immutable snapshot of a flow's security posture.
type SecurityAssessment struct {
	Score                 int              `json:"score"`
	Level                 Level            `json:"level"`
	Checks                []SecurityCheck  `json:"checks"`
	ActiveVulnerabilities []string         `json:"activeVulnerabilities"`
	Recommendations       []Recommendation `json:"recommendations"`
}

// Check returns the check with the given id.
func (a *SecurityAssessment) Check(id string) (SecurityCheck, bool) {
	for _, c := range a.Checks {
		if c.ID == id {
			return c, true
		}
	}
	return SecurityCheck{}, false
}

func (a *SecurityAssessment) clone() *SecurityAssessment {
	if a == nil {
		return nil
	}
	out := *a
	out.Checks = slices.Clone(a.Checks)
	out.ActiveVulnerabilities = slices.Clone(a.ActiveVulnerabilities)
	out.Recommendations = slices.Clone(a.Recommendations)
	return &out
}

// SecurityIndicator is a per-step signal shown next to the step.
type SecurityIndicator struct {
	Check    string   `json:"check"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}
