// Package kube is the cluster gateway. It reads pods, events, deployments and
// nodes and performs the mutations the dispatcher needs. It never retries.
package kube

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	gatewayName = "kubernetes"

	// RevisionAnnotation is set by the deployment controller on deployments
	// and their ReplicaSets.
	RevisionAnnotation = "deployment.kubernetes.io/revision"
)

// Gateway is the cluster interface used by analysis and healing.
type Gateway interface {
	Exists(ctx context.Context, ref models.ResourceRef) error
	ListPods(ctx context.Context, namespace, selector string) ([]PodStatus, error)
	ListEvents(ctx context.Context, namespace string, since time.Time) ([]Event, error)
	Owners(ctx context.Context, ref models.ResourceRef) ([]models.ResourceRef, error)
	NodeOf(ctx context.Context, ref models.ResourceRef) (models.ResourceRef, error)
	DeploymentReplicas(ctx context.Context, namespace, name string) (int32, error)

	DeletePod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error
	ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error
	RollbackDeployment(ctx context.Context, namespace, name string) (string, error)
	SetUnschedulable(ctx context.Context, node string, unschedulable bool) error
}

// Client implements Gateway with client-go.
type Client struct {
	clientset kubernetes.Interface
	timeout   time.Duration
	owners    *expirable.LRU[string, []models.ResourceRef]
	logger    *logging.Logger
}

// NewClient wraps an existing clientset.
func NewClient(clientset kubernetes.Interface, cfg config.KubernetesConfig) *Client {
	size := cfg.OwnerCacheSize
	if size <= 0 {
		size = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		clientset: clientset,
		timeout:   timeout,
		owners:    expirable.NewLRU[string, []models.ResourceRef](size, nil, cfg.OwnerCacheTTL),
		logger:    logging.GetLogger("gateway.kube"),
	}
}

// NewClientFromConfig builds a clientset from in-cluster config, falling
// back to the configured or default kubeconfig.
func NewClientFromConfig(cfg config.KubernetesConfig) (*Client, error) {
	restConfig, err := buildClientConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewClient(clientset, cfg), nil
}

func buildClientConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		restConfig, err := rest.InClusterConfig()
		if err == nil {
			return restConfig, nil
		}
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build client config: %w", err)
	}
	return restConfig, nil
}

// call bounds fn by the gateway timeout and records it.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	err := fn(ctx)
	metrics.ObserveGatewayCall(gatewayName, op, started, err)
	return err
}

// classify maps NotFound to ErrInvalidTarget and anything else to an
// upstream failure.
func classify(ref models.ResourceRef, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return models.InvalidTarget(ref.String())
	}
	if errors.Is(err, models.ErrInvalidRequest) {
		return err
	}
	return models.Upstream(gatewayName, err)
}

// Exists returns nil if the referenced object exists.
func (c *Client) Exists(ctx context.Context, ref models.ResourceRef) error {
	err := c.call(ctx, "get", func(ctx context.Context) error {
		var err error
		switch ref.Kind {
		case models.KindPod:
			_, err = c.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		case models.KindDeployment:
			_, err = c.clientset.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		case models.KindReplicaSet:
			_, err = c.clientset.AppsV1().ReplicaSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		case models.KindNode:
			_, err = c.clientset.CoreV1().Nodes().Get(ctx, ref.Name, metav1.GetOptions{})
		case models.KindNamespace:
			_, err = c.clientset.CoreV1().Namespaces().Get(ctx, ref.Name, metav1.GetOptions{})
		default:
			return models.InvalidRequest("unsupported kind %q", ref.Kind)
		}
		return err
	})
	return classify(ref, err)
}

// ListPods returns pod summaries in namespace matching the label selector,
// sorted by name.
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]PodStatus, error) {
	var list *corev1.PodList
	err := c.call(ctx, "list_pods", func(ctx context.Context) error {
		var err error
		list, err = c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		return err
	})
	if err != nil {
		if apierrors.IsBadRequest(err) {
			return nil, models.InvalidRequest("invalid label selector %q: %v", selector, err)
		}
		return nil, models.Upstream(gatewayName, err)
	}

	out := make([]PodStatus, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, summarizePod(&list.Items[i]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Namespace != out[j].Ref.Namespace {
			return out[i].Ref.Namespace < out[j].Ref.Namespace
		}
		return out[i].Ref.Name < out[j].Ref.Name
	})
	return out, nil
}

func summarizePod(pod *corev1.Pod) PodStatus {
	status := PodStatus{
		Ref:   models.ResourceRef{Kind: models.KindPod, Namespace: pod.Namespace, Name: pod.Name},
		Phase: pod.Status.Phase,
	}

	// terminated is the container-level failure time, used only when the pod
	// has no Ready transition to go by.
	var terminated time.Time
	statuses := append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case ReasonCrashLoopBackOff, ReasonImagePullBackOff, ReasonErrImagePull:
				status.Reason = w.Reason
				// After the first restart the last termination is only the
				// latest crash, not the start of the loop.
				if last := cs.LastTerminationState.Terminated; last != nil && cs.RestartCount <= 1 {
					terminated = last.FinishedAt.Time
				}
			}
		}
		if t := cs.State.Terminated; t != nil && status.Reason == "" {
			if t.Reason == ReasonOOMKilled || (t.Reason == ReasonError && t.ExitCode != 0) {
				status.Reason = t.Reason
				if cs.RestartCount <= 1 {
					terminated = t.FinishedAt.Time
				}
			}
		}
		if status.Reason != "" {
			break
		}
	}

	if status.Reason == "" {
		switch pod.Status.Phase {
		case corev1.PodFailed:
			status.Reason = ReasonFailed
			if pod.Status.Reason != "" {
				status.Reason = pod.Status.Reason
			}
		case corev1.PodUnknown:
			status.Reason = ReasonUnknown
		}
	}

	if status.Reason != "" {
		status.FailingSince = failureStart(pod, terminated)
	}
	return status
}

// failureStart is when the pod left Ready, falling back to the container
// termination time and then to the pod's start.
func failureStart(pod *corev1.Pod, terminated time.Time) time.Time {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionFalse && !cond.LastTransitionTime.IsZero() {
			return cond.LastTransitionTime.Time
		}
	}
	if !terminated.IsZero() {
		return terminated
	}
	if pod.Status.StartTime != nil {
		return pod.Status.StartTime.Time
	}
	return pod.CreationTimestamp.Time
}

// ListEvents returns events in namespace last seen at or after since.
func (c *Client) ListEvents(ctx context.Context, namespace string, since time.Time) ([]Event, error) {
	var list *corev1.EventList
	err := c.call(ctx, "list_events", func(ctx context.Context) error {
		var err error
		list, err = c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
		return err
	})
	if err != nil {
		return nil, models.Upstream(gatewayName, err)
	}

	out := make([]Event, 0, len(list.Items))
	for i := range list.Items {
		ev := convertEvent(&list.Items[i])
		if ev.LastSeen.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out, nil
}

func convertEvent(e *corev1.Event) Event {
	ev := Event{
		Reason:  e.Reason,
		Message: e.Message,
		Type:    e.Type,
		Object: models.ResourceRef{
			Kind:      models.ResourceKind(e.InvolvedObject.Kind),
			Namespace: e.InvolvedObject.Namespace,
			Name:      e.InvolvedObject.Name,
		},
		FirstSeen: e.FirstTimestamp.Time,
		Count:     e.Count,
	}
	if e.Series != nil && e.Series.Count > ev.Count {
		ev.Count = e.Series.Count
	}

	switch {
	case e.Series != nil && !e.Series.LastObservedTime.IsZero():
		ev.LastSeen = e.Series.LastObservedTime.Time
	case !e.LastTimestamp.IsZero():
		ev.LastSeen = e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		ev.LastSeen = e.EventTime.Time
	case !e.FirstTimestamp.IsZero():
		ev.LastSeen = e.FirstTimestamp.Time
	default:
		ev.LastSeen = e.CreationTimestamp.Time
	}
	if ev.FirstSeen.IsZero() {
		ev.FirstSeen = ev.LastSeen
	}
	return ev
}

// Owners returns the controller chain above ref, nearest first. A pod owned
// by a ReplicaSet of a Deployment yields [ReplicaSet, Deployment].
func (c *Client) Owners(ctx context.Context, ref models.ResourceRef) ([]models.ResourceRef, error) {
	if cached, ok := c.owners.Get(ref.String()); ok {
		return cached, nil
	}

	var chain []models.ResourceRef
	current := ref
	for depth := 0; depth < 3; depth++ {
		owner, err := c.controllerOf(ctx, current)
		if err != nil {
			if depth > 0 && apierrors.IsNotFound(err) {
				break
			}
			return nil, classify(current, err)
		}
		if owner.IsZero() {
			break
		}
		chain = append(chain, owner)
		current = owner
	}

	c.owners.Add(ref.String(), chain)
	return chain, nil
}

func (c *Client) controllerOf(ctx context.Context, ref models.ResourceRef) (models.ResourceRef, error) {
	var meta *metav1.ObjectMeta
	err := c.call(ctx, "get_owner", func(ctx context.Context) error {
		switch ref.Kind {
		case models.KindPod:
			pod, err := c.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			meta = &pod.ObjectMeta
		case models.KindReplicaSet:
			rs, err := c.clientset.AppsV1().ReplicaSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			meta = &rs.ObjectMeta
		}
		return nil
	})
	if err != nil || meta == nil {
		return models.ResourceRef{}, err
	}

	controller := metav1.GetControllerOf(meta)
	if controller == nil {
		return models.ResourceRef{}, nil
	}
	return models.ResourceRef{
		Kind:      models.ResourceKind(controller.Kind),
		Namespace: ref.Namespace,
		Name:      controller.Name,
	}, nil
}

// NodeOf returns the node a pod is scheduled on. Unscheduled pods and other
// kinds yield a zero ref.
func (c *Client) NodeOf(ctx context.Context, ref models.ResourceRef) (models.ResourceRef, error) {
	if ref.Kind != models.KindPod {
		return models.ResourceRef{}, nil
	}
	var node string
	err := c.call(ctx, "get_pod_node", func(ctx context.Context) error {
		pod, err := c.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		node = pod.Spec.NodeName
		return nil
	})
	if err != nil {
		return models.ResourceRef{}, classify(ref, err)
	}
	if node == "" {
		return models.ResourceRef{}, nil
	}
	return models.ResourceRef{Kind: models.KindNode, Name: node}, nil
}

// DeploymentReplicas returns the desired replica count of a deployment.
func (c *Client) DeploymentReplicas(ctx context.Context, namespace, name string) (int32, error) {
	ref := models.ResourceRef{Kind: models.KindDeployment, Namespace: namespace, Name: name}
	var deploy *appsv1.Deployment
	err := c.call(ctx, "get_deployment", func(ctx context.Context) error {
		var err error
		deploy, err = c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	if err != nil {
		return 0, classify(ref, err)
	}
	if deploy.Spec.Replicas == nil {
		return 1, nil
	}
	return *deploy.Spec.Replicas, nil
}

// DeletePod deletes a pod with the given grace period.
func (c *Client) DeletePod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error {
	return c.call(ctx, "delete_pod", func(ctx context.Context) error {
		return c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
			GracePeriodSeconds: &gracePeriodSeconds,
		})
	})
}

// ScaleDeployment sets spec.replicas.
func (c *Client) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	return c.call(ctx, "scale_deployment", func(ctx context.Context) error {
		deploy, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		deploy.Spec.Replicas = &replicas
		_, err = c.clientset.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{})
		return err
	})
}

// RollbackDeployment restores the pod template of the newest ReplicaSet
// whose revision is older than the deployment's current one. It returns the
// revision rolled back to.
func (c *Client) RollbackDeployment(ctx context.Context, namespace, name string) (string, error) {
	var revision string
	err := c.call(ctx, "rollback_deployment", func(ctx context.Context) error {
		deploy, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current, _ := strconv.ParseInt(deploy.Annotations[RevisionAnnotation], 10, 64)

		selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
		if err != nil {
			return fmt.Errorf("invalid deployment selector: %w", err)
		}
		rsList, err := c.clientset.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
		if err != nil {
			return err
		}

		var previous *appsv1.ReplicaSet
		var previousRev int64
		for i := range rsList.Items {
			rs := &rsList.Items[i]
			if owner := metav1.GetControllerOf(rs); owner == nil || owner.UID != deploy.UID {
				continue
			}
			rev, err := strconv.ParseInt(rs.Annotations[RevisionAnnotation], 10, 64)
			if err != nil || (current > 0 && rev >= current) {
				continue
			}
			if previous == nil || rev > previousRev {
				previous, previousRev = rs, rev
			}
		}
		if previous == nil {
			return fmt.Errorf("deployment %s/%s has no previous revision", namespace, name)
		}

		template := previous.Spec.Template.DeepCopy()
		delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
		deploy.Spec.Template = *template
		if _, err := c.clientset.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
			return err
		}
		revision = strconv.FormatInt(previousRev, 10)
		return nil
	})
	return revision, err
}

// SetUnschedulable cordons or uncordons a node.
func (c *Client) SetUnschedulable(ctx context.Context, node string, unschedulable bool) error {
	return c.call(ctx, "set_unschedulable", func(ctx context.Context) error {
		n, err := c.clientset.CoreV1().Nodes().Get(ctx, node, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if n.Spec.Unschedulable == unschedulable {
			return nil
		}
		n.Spec.Unschedulable = unschedulable
		_, err = c.clientset.CoreV1().Nodes().Update(ctx, n, metav1.UpdateOptions{})
		return err
	})
}
