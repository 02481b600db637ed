package models

import "time"

// Category groups anomalies by the signal that produced them.
type Category string

const (
	CategoryCPU      Category = "cpu"
	CategoryMemory   Category = "memory"
	CategoryRestarts Category = "restarts"
	CategoryPending  Category = "pending"
)

// Categories lists every category in reporting order.
var Categories = []Category{CategoryCPU, CategoryMemory, CategoryRestarts, CategoryPending}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Severity of an anomaly. Two bands only: over the threshold, or over it twice.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is one deviation found by a detection pass.
type Anomaly struct {
	PassID          string            `json:"pass_id"`
	Category        Category          `json:"category"`
	Metric          string            `json:"metric"`
	Resource        ResourceRef       `json:"resource"`
	Severity        Severity          `json:"severity"`
	Description     string            `json:"description"`
	Value           float64           `json:"value"`
	Threshold       float64           `json:"threshold"`
	DetectedAt      time.Time         `json:"detected_at"`
	Labels          map[string]string `json:"labels,omitempty"`
	SuggestedAction ActionType        `json:"suggested_action"`
}

// suggestedActions is the closed category to remediation table.
var suggestedActions = map[Category]ActionType{
	CategoryCPU:      ActionScaleDeployment,
	CategoryMemory:   ActionRestartPod,
	CategoryRestarts: ActionRollbackDeployment,
	CategoryPending:  ActionNone,
}

// SuggestedAction returns the remediation associated with a category.
func SuggestedAction(c Category) ActionType {
	if a, ok := suggestedActions[c]; ok {
		return a
	}
	return ActionNone
}
