package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestStaticCounter(t *testing.T) {
	ctx := context.Background()
	counter := NewStaticCounter(map[string]int{"ghcr.io/example/subset:stable": 5}, 2)

	n, err := counter.CountServicePods(ctx, "ghcr.io/example/subset:stable")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = counter.CountServicePods(ctx, "ghcr.io/example/reproject:stable")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPodLabelValue(t *testing.T) {
	assert.Equal(t, "query-cmr", PodLabelValue("ghcr.io/example/query-cmr:stable"))
	assert.Equal(t, "subset", PodLabelValue("subset:latest"))
	assert.Equal(t, "subset", PodLabelValue("subset"))
}

func workerPod(name, label string, phase corev1.PodPhase, deleting bool) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "workers",
			Labels:    map[string]string{"name": label},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
	if deleting {
		now := metav1.Now()
		pod.DeletionTimestamp = &now
	}
	return pod
}

func TestKubernetesCounterCountsRunningPods(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(
		workerPod("subset-0", "subset", corev1.PodRunning, false),
		workerPod("subset-1", "subset", corev1.PodRunning, false),
		workerPod("subset-2", "subset", corev1.PodPending, false),
		workerPod("subset-3", "subset", corev1.PodRunning, true),
		workerPod("reproject-0", "reproject", corev1.PodRunning, false),
	)

	counter := NewKubernetesCounter(client, "workers", "name")

	n, err := counter.CountServicePods(ctx, "ghcr.io/example/subset:stable")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = counter.CountServicePods(ctx, "ghcr.io/example/reproject:stable")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKubernetesCounterNoPods(t *testing.T) {
	ctx := context.Background()
	counter := NewKubernetesCounter(fake.NewSimpleClientset(), "workers", "")

	n, err := counter.CountServicePods(ctx, "ghcr.io/example/subset:stable")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
