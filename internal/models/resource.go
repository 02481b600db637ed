package models

import "strings"

// ResourceKind is the kind of a cluster object referenced by findings and actions.
type ResourceKind string

const (
	KindPod        ResourceKind = "Pod"
	KindDeployment ResourceKind = "Deployment"
	KindReplicaSet ResourceKind = "ReplicaSet"
	KindNode       ResourceKind = "Node"
	KindNamespace  ResourceKind = "Namespace"
)

// ResourceRef identifies a cluster object. Namespace is empty for nodes.
type ResourceRef struct {
	Kind      ResourceKind `json:"kind"`
	Namespace string       `json:"namespace,omitempty"`
	Name      string       `json:"name"`
}

func (r ResourceRef) IsZero() bool {
	return r.Kind == "" && r.Name == ""
}

func (r ResourceRef) String() string {
	if r.Namespace == "" {
		return string(r.Kind) + "/" + r.Name
	}
	return string(r.Kind) + "/" + r.Namespace + "/" + r.Name
}

// Scope narrows a detection pass to a namespace and optionally a single resource.
// An empty namespace means cluster-wide.
type Scope struct {
	Namespace string `json:"namespace,omitempty"`
	Resource  string `json:"resource,omitempty"`
}

// Matches reports whether ref falls inside the scope. Resource matches the
// object name or a prefix of it, so a deployment name selects its pods.
func (s Scope) Matches(ref ResourceRef) bool {
	if s.Namespace != "" && ref.Namespace != "" && ref.Namespace != s.Namespace {
		return false
	}
	if s.Resource == "" {
		return true
	}
	return ref.Name == s.Resource || strings.HasPrefix(ref.Name, s.Resource+"-")
}

func (s Scope) String() string {
	switch {
	case s.Namespace == "" && s.Resource == "":
		return "cluster"
	case s.Resource == "":
		return s.Namespace
	default:
		return s.Namespace + "/" + s.Resource
	}
}
