package fleet

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesCounter counts Running worker pods for a service by label
// selector. Service identifiers are image-like strings; the label value
// is the sanitized final path segment.
type KubernetesCounter struct {
	client    kubernetes.Interface
	namespace string
	labelKey  string
}

func NewKubernetesCounter(client kubernetes.Interface, namespace, labelKey string) *KubernetesCounter {
	if labelKey == "" {
		labelKey = "name"
	}
	return &KubernetesCounter{client: client, namespace: namespace, labelKey: labelKey}
}

// NewInClusterCounter builds a counter from the in-cluster configuration,
// falling back to the given kubeconfig path when not running in a pod.
func NewInClusterCounter(kubeconfig, namespace, labelKey string) (*KubernetesCounter, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewKubernetesCounter(client, namespace, labelKey), nil
}

// Derive the pod label value for a service identifier, e.g.
// "ghcr.io/example/query-cmr:stable" -> "query-cmr".
func PodLabelValue(serviceID string) string {
	name := serviceID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return name
}

func (c *KubernetesCounter) CountServicePods(ctx context.Context, serviceID string) (int, error) {
	selector := fmt.Sprintf("%s=%s", c.labelKey, PodLabelValue(serviceID))

	pods, err := c.client.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pods for %s: %w", serviceID, err)
	}

	count := 0
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			count++
		}
	}
	return count, nil
}
