// Package correlator matches events of external async resources with the executions
// waiting on them and schedules their next step.
package correlator

import (
	"sync"

	"github.com/dukex/flowrun/pkg/models"
)

// Registration is an execution waiting on a resource identified by CorrelationID.
type Registration struct {
	ExecutionID   string
	CorrelationID string
	Routing       models.RoutingHints
}

// Registry is held in memory only; registrations do not survive a restart.
type Registry struct {
	mu            sync.Mutex
	registrations map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{registrations: make(map[string]Registration)}
}

// Register adds the registration unless one exists for the correlation id, in which
// case only its Routing is replaced so continuations follow the latest step's hints.
// It reports whether the registration was added.
func (r *Registry) Register(registration Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.registrations[registration.CorrelationID]; exists {
		existing.Routing = registration.Routing
		r.registrations[registration.CorrelationID] = existing

		return false
	}

	r.registrations[registration.CorrelationID] = registration

	return true
}

// Unregister removes the registration. It reports whether one was removed.
func (r *Registry) Unregister(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.registrations[correlationID]
	delete(r.registrations, correlationID)

	return exists
}

func (r *Registry) Lookup(correlationID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registration, exists := r.registrations[correlationID]

	return registration, exists
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.registrations)
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.registrations)
}
