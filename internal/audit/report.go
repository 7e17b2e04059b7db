package audit

import (
	"fmt"
	"time"

	"github.com/jkaninda/vigil/internal/impact"
)

// Report thresholds. Hand-tuned policy, not derived invariants.
const (
	failureRateAlertThreshold   = 0.30
	highRiskShareAlertThreshold = 0.50
)

// Report is a derived security assessment of the audit trail.
type Report struct {
	GeneratedAt     time.Time `json:"generated_at"`
	RiskScore       int       `json:"risk_score"` // 0 (calm) to 100 (on fire).
	Summary         string    `json:"summary"`
	Alerts          []string  `json:"alerts"`
	Recommendations []string  `json:"recommendations"`

	TotalExecutions  int `json:"total_executions"`
	FailedExecutions int `json:"failed_executions"`
	HighRiskCount    int `json:"high_risk_count"`
	Unauthorized     int `json:"unauthorized_count"`
}

// SecurityReport derives a 0-100 risk score from the failure rate, the
// share of high-risk operations, and the count of unauthorized attempts,
// plus threshold-triggered alerts and static remediation recommendations.
// Never errors: an empty trail yields a zero-score report.
func (t *Trail) SecurityReport() Report {
	entries := t.snapshot()

	report := Report{
		GeneratedAt:     time.Now().UTC(),
		TotalExecutions: len(entries),
	}

	for _, e := range entries {
		if !e.Success {
			report.FailedExecutions++
		}
		if e.RiskLevel == impact.RiskHigh.String() {
			report.HighRiskCount++
		}
		if !e.Approved {
			report.Unauthorized++
		}
	}

	if report.TotalExecutions == 0 {
		report.Summary = "no tool executions recorded"
		return report
	}

	failureRate := float64(report.FailedExecutions) / float64(report.TotalExecutions)
	highRiskShare := float64(report.HighRiskCount) / float64(report.TotalExecutions)

	// Weighted score: failures 40 points, high-risk concentration 30,
	// unauthorized attempts 3 each up to 30.
	score := failureRate*40 + highRiskShare*30
	unauthorizedPoints := report.Unauthorized * 3
	if unauthorizedPoints > 30 {
		unauthorizedPoints = 30
	}
	score += float64(unauthorizedPoints)
	if score > 100 {
		score = 100
	}
	report.RiskScore = int(score)

	if failureRate > failureRateAlertThreshold {
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"elevated failure rate: %.0f%% of executions failed", failureRate*100))
		report.Recommendations = append(report.Recommendations,
			"review failing tools for misconfiguration or flaky executors")
	}
	if highRiskShare > highRiskShareAlertThreshold {
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"high-risk concentration: %.0f%% of executions classified high risk", highRiskShare*100))
		report.Recommendations = append(report.Recommendations,
			"audit high-risk tool usage and tighten approval policy if unexpected")
	}
	if report.Unauthorized > 0 {
		report.Alerts = append(report.Alerts, fmt.Sprintf(
			"%d unauthorized execution attempts recorded", report.Unauthorized))
		report.Recommendations = append(report.Recommendations,
			"investigate denied attempts; repeated denials may indicate prompt injection")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations,
			"no action required; continue monitoring")
	}

	report.Summary = fmt.Sprintf(
		"%d executions, %d failed, %d high-risk, %d unauthorized (risk score %d/100)",
		report.TotalExecutions, report.FailedExecutions,
		report.HighRiskCount, report.Unauthorized, report.RiskScore)

	return report
}
