package protocol

import "context"

// Resource event types. Finished and Deleted are terminal for the resource.
const (
	ResourceEventCreated  = "created"
	ResourceEventRunning  = "running"
	ResourceEventFinished = "finished"
	ResourceEventDeleted  = "deleted"
)

// ResourceEvent is a lifecycle notification about an external async resource.
type ResourceEvent struct {
	Type          string
	CorrelationID string
	Metadata      map[string]any
}

// IsTerminal reports whether the resource will emit no further events.
func (e ResourceEvent) IsTerminal() bool {
	return e.Type == ResourceEventFinished || e.Type == ResourceEventDeleted
}

// ResourceEventHandler receives events from a subscription.
type ResourceEventHandler func(ctx context.Context, event ResourceEvent)

// ResourceEventSource streams events for a resource kind.
type ResourceEventSource interface {
	// Subscribe blocks, delivering events to handler until ctx is cancelled or the
	// subscription fails.
	Subscribe(ctx context.Context, kind string, handler ResourceEventHandler) error
}
