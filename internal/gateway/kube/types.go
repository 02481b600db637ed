package kube

import (
	"time"

	"github.com/moolen/sentinel/internal/models"
	corev1 "k8s.io/api/core/v1"
)

// Failure reasons reported for pods.
const (
	ReasonCrashLoopBackOff = "CrashLoopBackOff"
	ReasonImagePullBackOff = "ImagePullBackOff"
	ReasonErrImagePull     = "ErrImagePull"
	ReasonOOMKilled        = "OOMKilled"
	ReasonError            = "Error"
	ReasonFailed           = "Failed"
	ReasonUnknown          = "Unknown"
)

// PodStatus is the failure-relevant summary of a pod.
type PodStatus struct {
	Ref    models.ResourceRef `json:"ref"`
	Phase  corev1.PodPhase    `json:"phase"`
	Reason string             `json:"reason,omitempty"`
	// FailingSince is when the current failure started. Zero when healthy.
	FailingSince time.Time `json:"failing_since,omitempty"`
}

// Failing reports whether the pod is in one of the cascade failure states.
func (p PodStatus) Failing() bool {
	return p.Reason != "" && p.Phase != corev1.PodSucceeded
}

// Deletable reports whether delete_failed_pods may remove the pod.
func (p PodStatus) Deletable() bool {
	switch p.Phase {
	case corev1.PodFailed, corev1.PodSucceeded, corev1.PodUnknown:
		return true
	}
	return p.Reason == ReasonCrashLoopBackOff
}

// Event is a Kubernetes event reduced to what correlation needs.
type Event struct {
	Reason    string             `json:"reason"`
	Message   string             `json:"message"`
	Type      string             `json:"type"`
	Object    models.ResourceRef `json:"object"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	Count     int32              `json:"count"`
}
