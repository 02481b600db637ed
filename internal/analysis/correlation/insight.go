package correlation

import "fmt"

var remediations = map[string]string{
	"BackOff":           "container keeps crashing; check logs and consider rollback_deployment",
	"CrashLoopBackOff":  "container keeps crashing; check logs and consider rollback_deployment",
	"Unhealthy":         "health probes failing; fix the health endpoint or relax probe settings",
	"Killing":           "containers are being killed; check probe failures and preemption",
	"Failed":            "application errors cause restarts; check logs for the failing container",
	"ScalingReplicaSet": "cpu rise follows a rollout or scale event; watch for stabilization or adjust requests",
	"SuccessfulCreate":  "cpu rise follows new pods starting; watch for stabilization",
	"Scheduled":         "cpu rise follows scheduling activity; check node placement",
	"Pulled":            "cpu rise follows an image pull; a new version may be more expensive",
	"OOMKilling":        "memory limit reached; raise limits or investigate a leak, restart_pod mitigates",
	"OOMKilled":         "memory limit reached; raise limits or investigate a leak, restart_pod mitigates",
	"SystemOOM":         "node ran out of memory; consider cordon_node and rebalancing",
	"Evicted":           "pods evicted under node pressure; consider cordon_node and rebalancing",
}

// insight summarizes a category and recommends a remediation keyed by the
// reason with the most occurrences.
func insight(cat Category, correlations []Correlation) string {
	if len(correlations) == 0 {
		return fmt.Sprintf("no %s correlations found", cat)
	}
	totals := make(map[string]int)
	dominant := ""
	for _, c := range correlations {
		totals[c.Cause.Reason] += c.Occurrences
		if dominant == "" || totals[c.Cause.Reason] > totals[dominant] {
			dominant = c.Cause.Reason
		}
	}
	return fmt.Sprintf("%d %s correlation(s), dominant cause %s: %s",
		len(correlations), cat, dominant, remediations[dominant])
}
