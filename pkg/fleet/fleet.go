// Package fleet answers "how many worker pods are live for a service",
// the demand signal the scheduler sizes its staging batches with.
package fleet

import (
	"context"
)

type PodCounter interface {
	// CountServicePods returns the number of live worker pods currently
	// serving the given service.
	CountServicePods(ctx context.Context, serviceID string) (int, error)
}

// StaticCounter reports configured pod counts, for deployments outside
// a cluster and for tests.
type StaticCounter struct {
	counts   map[string]int
	fallback int
}

func NewStaticCounter(counts map[string]int, defaultCount int) *StaticCounter {
	if counts == nil {
		counts = map[string]int{}
	}
	return &StaticCounter{counts: counts, fallback: defaultCount}
}

func (c *StaticCounter) CountServicePods(ctx context.Context, serviceID string) (int, error) {
	if n, ok := c.counts[serviceID]; ok {
		return n, nil
	}
	return c.fallback, nil
}
