package engine

import (
	"sync"

	"github.com/otcheredev/ris-dicom-qr/internal/metrics"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
)

// RetrieveQueue is a FIFO of retrieve targets safe for concurrent producers
// and one consumer.
type RetrieveQueue struct {
	mu      sync.Mutex
	targets []models.RetrieveTarget
}

// NewRetrieveQueue creates an empty queue
func NewRetrieveQueue() *RetrieveQueue {
	return &RetrieveQueue{}
}

// Push appends a target and returns the new length.
func (q *RetrieveQueue) Push(target models.RetrieveTarget) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.targets = append(q.targets, target)
	metrics.QueueDepth.Set(float64(len(q.targets)))
	return len(q.targets)
}

// Pop removes and returns the oldest target.
func (q *RetrieveQueue) Pop() (models.RetrieveTarget, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.targets) == 0 {
		return models.RetrieveTarget{}, false
	}
	target := q.targets[0]
	q.targets[0] = models.RetrieveTarget{}
	q.targets = q.targets[1:]
	metrics.QueueDepth.Set(float64(len(q.targets)))
	return target, true
}

// Len returns the number of queued targets.
func (q *RetrieveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.targets)
}

// Snapshot returns the queued targets in pop order.
func (q *RetrieveQueue) Snapshot() []models.RetrieveTarget {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.RetrieveTarget, len(q.targets))
	copy(out, q.targets)
	return out
}

// Clear drops every queued target and returns how many were dropped.
func (q *RetrieveQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.targets)
	q.targets = nil
	metrics.QueueDepth.Set(0)
	return n
}
