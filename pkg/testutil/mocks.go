package testutil

import (
	"context"
	"sync"
	"testing"
)

// ChangeEvent is one recorded PublishChange call.
type ChangeEvent struct {
	Tenant    string
	Model     string
	Operation string
	RecordIDs []string
	ChangedBy string
}

// ChangeRecorder captures change events instead of publishing them.
// It satisfies the pipeline's ChangePublisher; publishes happen in
// post-commit goroutines, so reads should poll (require.Eventually).
type ChangeRecorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

// NewChangeRecorder creates an empty recorder.
func NewChangeRecorder() *ChangeRecorder {
	return &ChangeRecorder{}
}

// PublishChange records the event.
func (r *ChangeRecorder) PublishChange(ctx context.Context, tenant, model, operation string, recordIDs []string, changedBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ChangeEvent{
		Tenant:    tenant,
		Model:     model,
		Operation: operation,
		RecordIDs: recordIDs,
		ChangedBy: changedBy,
	})
}

// Events returns a copy of everything recorded so far.
func (r *ChangeRecorder) Events() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Has reports whether an event for (model, operation) was recorded.
func (r *ChangeRecorder) Has(model, operation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Model == model && e.Operation == operation {
			return true
		}
	}
	return false
}

// Find returns the first event for (model, operation).
func (r *ChangeRecorder) Find(model, operation string) (ChangeEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Model == model && e.Operation == operation {
			return e, true
		}
	}
	return ChangeEvent{}, false
}

// Len returns the number of recorded events.
func (r *ChangeRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// AssertNone fails the test when anything was recorded.
func (r *ChangeRecorder) AssertNone(t *testing.T) {
	t.Helper()
	if events := r.Events(); len(events) > 0 {
		t.Errorf("expected no change events, got %d: %+v", len(events), events)
	}
}

// Reset clears all recorded events.
func (r *ChangeRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
