package metrics

import (
	"sync"
	"time"
)

// OperationStatus is the lifecycle state of a tracked operation.
type OperationStatus string

const (
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Operation is one tracked event handling, keyed by event id.
type Operation struct {
	ID          string                 `json:"id"`
	Stage       string                 `json:"stage"`
	EventType   string                 `json:"event_type"`
	Status      OperationStatus        `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Stats aggregates a tracker's operations for health reporting.
type Stats struct {
	Stage           string                  `json:"stage"`
	TotalOperations int                     `json:"total_operations"`
	ByStatus        map[OperationStatus]int `json:"by_status"`
	ByEventType     map[string]int          `json:"by_event_type"`
	AverageDuration string                  `json:"average_duration,omitempty"`
}

// Tracker keeps the last N operations of one stage worker in memory so
// the health endpoint can report what the worker has been doing.
type Tracker struct {
	mu            sync.RWMutex
	stage         string
	operations    map[string]*Operation
	maxOperations int
}

// NewTracker creates a tracker for the named stage keeping up to max
// operations, default 1000.
func NewTracker(stage string, max int) *Tracker {
	if max == 0 {
		max = 1000
	}
	return &Tracker{
		stage:         stage,
		operations:    make(map[string]*Operation),
		maxOperations: max,
	}
}

// Start records a new running operation for an event.
func (t *Tracker) Start(id, eventType string, metadata map[string]interface{}) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.operations) >= t.maxOperations {
		t.evictOldest()
	}

	op := &Operation{
		ID:        id,
		Stage:     t.stage,
		EventType: eventType,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Metadata:  metadata,
	}
	t.operations[id] = op
	return op
}

// Complete marks an operation completed or failed.
func (t *Tracker) Complete(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[id]
	if !exists {
		return
	}

	now := time.Now()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).String()

	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	} else {
		op.Status = StatusCompleted
	}
}

// Get returns a copy of the operation with the given id, or nil.
func (t *Tracker) Get(id string) *Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if op, exists := t.operations[id]; exists {
		opCopy := *op
		return &opCopy
	}
	return nil
}

// List returns copies of all tracked operations.
func (t *Tracker) List() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		opCopy := *op
		ops = append(ops, &opCopy)
	}
	return ops
}

// GetStats aggregates the tracked operations.
func (t *Tracker) GetStats() *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := &Stats{
		Stage:           t.stage,
		TotalOperations: len(t.operations),
		ByStatus:        make(map[OperationStatus]int),
		ByEventType:     make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, op := range t.operations {
		stats.ByStatus[op.Status]++
		stats.ByEventType[op.EventType]++

		if op.CompletedAt != nil {
			totalDuration += op.CompletedAt.Sub(op.StartedAt)
			completedCount++
		}
	}

	if completedCount > 0 {
		avgDuration := totalDuration / time.Duration(completedCount)
		stats.AverageDuration = avgDuration.String()
	}

	return stats
}

// evictOldest removes the oldest operation (must be called with lock held)
func (t *Tracker) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, op := range t.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = op.StartedAt
		}
	}

	if oldestID != "" {
		delete(t.operations, oldestID)
	}
}
