package domain

import (
	"time"
)

// ChurnRisk is a categorical estimate of a client's likelihood of cancelling.
type ChurnRisk string

const (
	ChurnRiskLow      ChurnRisk = "low"
	ChurnRiskMedium   ChurnRisk = "medium"
	ChurnRiskHigh     ChurnRisk = "high"
	ChurnRiskCritical ChurnRisk = "critical"
)

// AtLeast reports whether the risk is at or above the given level.
func (r ChurnRisk) AtLeast(other ChurnRisk) bool {
	return r.rank() >= other.rank()
}

func (r ChurnRisk) rank() int {
	switch r {
	case ChurnRiskLow:
		return 0
	case ChurnRiskMedium:
		return 1
	case ChurnRiskHigh:
		return 2
	case ChurnRiskCritical:
		return 3
	}
	return -1
}

// Factor is a single contribution to a risk score. Factors are ordered
// deterministically so that identical inputs yield identical assessments.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// RiskAssessment is the derived output of one evaluation cycle. It is
// recomputed from snapshots and never treated as a source of truth.
type RiskAssessment struct {
	ClientID    string    `json:"client_id"`
	Score       float64   `json:"score"`
	ChurnRisk   ChurnRisk `json:"churn_risk"`
	Suspicious  bool      `json:"suspicious"`
	Factors     []Factor  `json:"factors"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
