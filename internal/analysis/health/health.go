// Package health turns a set of anomalies into a 0-100 score, a status band
// and ordered recommendations. Everything here is pure.
package health

import (
	"fmt"
	"math"
	"sort"

	"github.com/moolen/sentinel/internal/models"
)

// Status band of a score.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

var severityWeights = map[models.Severity]float64{
	models.SeverityCritical: 15,
	models.SeverityWarning:  5,
}

var categoryWeights = map[models.Category]float64{
	models.CategoryCPU:      1.0,
	models.CategoryMemory:   1.2,
	models.CategoryRestarts: 1.2,
	models.CategoryPending:  0.8,
}

var actionText = map[models.ActionType]string{
	models.ActionScaleDeployment:    "scale the deployment out",
	models.ActionRestartPod:         "restart the affected pods",
	models.ActionRollbackDeployment: "roll back the latest rollout",
	models.ActionNone:               "investigate scheduling and resource quotas",
}

// Counts tallies anomalies by severity.
type Counts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Total    int `json:"total"`
}

// Recommendation is one remediation hint for a contributing category.
type Recommendation struct {
	Category  models.Category   `json:"category,omitempty"`
	Action    models.ActionType `json:"action"`
	Penalty   float64           `json:"penalty"`
	Anomalies int               `json:"anomalies"`
	Message   string            `json:"message"`
}

// Score is the scored health of a scope.
type Score struct {
	Score           float64          `json:"score"`
	Status          Status           `json:"status"`
	Counts          Counts           `json:"counts"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Penalty is the score deduction for a single anomaly.
func Penalty(a models.Anomaly) float64 {
	cw, ok := categoryWeights[a.Category]
	if !ok {
		cw = 1
	}
	return severityWeights[a.Severity] * cw
}

// StatusFor maps a score to its band.
func StatusFor(score float64) Status {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// Compute scores anomalies. The result only depends on the input.
func Compute(anomalies []models.Anomaly) Score {
	penalties := make(map[models.Category]float64)
	counts := make(map[models.Category]int)
	var result Score
	var total float64

	for _, a := range anomalies {
		p := Penalty(a)
		total += p
		penalties[a.Category] += p
		counts[a.Category]++
		switch a.Severity {
		case models.SeverityCritical:
			result.Counts.Critical++
		case models.SeverityWarning:
			result.Counts.Warning++
		}
		result.Counts.Total++
	}

	result.Score = math.Round(math.Max(0, 100-total)*100) / 100
	result.Status = StatusFor(result.Score)

	if len(anomalies) == 0 {
		result.Recommendations = []Recommendation{{
			Action:  models.ActionNone,
			Message: "no action needed, all signals within thresholds",
		}}
		return result
	}

	contributing := make([]models.Category, 0, len(penalties))
	for c := range penalties {
		contributing = append(contributing, c)
	}
	sort.Slice(contributing, func(i, j int) bool {
		pi, pj := penalties[contributing[i]], penalties[contributing[j]]
		if pi != pj {
			return pi > pj
		}
		return categoryRank(contributing[i]) < categoryRank(contributing[j])
	})

	for _, c := range contributing {
		action := models.SuggestedAction(c)
		result.Recommendations = append(result.Recommendations, Recommendation{
			Category:  c,
			Action:    action,
			Penalty:   penalties[c],
			Anomalies: counts[c],
			Message:   fmt.Sprintf("%d %s anomalies: %s", counts[c], c, actionText[action]),
		})
	}
	return result
}

func categoryRank(c models.Category) int {
	for i, known := range models.Categories {
		if c == known {
			return i
		}
	}
	return len(models.Categories)
}
