// Package events defines the messages exchanged between flowrun processes over the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const Topic = "flowrun.events"                   // Domain events consumed by workers
const ResourceTopicPrefix = "flowrun.resources." // Followed by the resource kind, e.g. "container"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Container lifecycle requests and reports.
	ContainerRunRequestedEvent    EventType = "container.run.requested"
	ContainerDeleteRequestedEvent EventType = "container.delete.requested"
	ContainerStateChangedEvent    EventType = "container.state.changed"

	NotificationRequestedEvent EventType = "notification.requested"

	// Workflow execution lifecycle events.
	WorkflowExecutionStartedEvent   EventType = "workflow.execution.started"
	WorkflowExecutionCompletedEvent EventType = "workflow.execution.completed"
	WorkflowExecutionFailedEvent    EventType = "workflow.execution.failed"
)

// ResourceTopic returns the topic carrying state reports for a resource kind.
func ResourceTopic(kind string) string {
	return ResourceTopicPrefix + kind
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ContainerRunRequested asks the container agent to start a container for an execution.
// Secrets are encrypted envelopes; the agent decrypts them with the shared key.
type ContainerRunRequested struct {
	BaseEvent

	ExecutionID   string            `json:"execution_id"`
	CorrelationID string            `json:"correlation_id"`
	ContainerRef  string            `json:"container_ref"`
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
}

func (c ContainerRunRequested) GetType() EventType {
	return ContainerRunRequestedEvent
}

type ContainerDeleteRequested struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	CorrelationID string `json:"correlation_id"`
	ContainerRef  string `json:"container_ref"`
}

func (c ContainerDeleteRequested) GetType() EventType {
	return ContainerDeleteRequestedEvent
}

// ContainerStateChanged is reported by the container agent on the resource topic.
type ContainerStateChanged struct {
	BaseEvent

	CorrelationID string         `json:"correlation_id"`
	ContainerRef  string         `json:"container_ref"`
	State         string         `json:"state"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
}

func (c ContainerStateChanged) GetType() EventType {
	return ContainerStateChangedEvent
}

type NotificationRequested struct {
	BaseEvent

	TaskID  string `json:"task_id"`
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject,omitempty"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	Body    string `json:"body,omitempty"`
}

func (n NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

type WorkflowExecutionStarted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	CorrelationID string `json:"correlation_id"`
	TaskID        string `json:"task_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

func (w WorkflowExecutionStarted) GetType() EventType {
	return WorkflowExecutionStartedEvent
}

type WorkflowExecutionCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Output      any    `json:"output,omitempty"`
}

func (w WorkflowExecutionCompleted) GetType() EventType {
	return WorkflowExecutionCompletedEvent
}

type WorkflowExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Cause       string `json:"cause,omitempty"`
}

func (w WorkflowExecutionFailed) GetType() EventType {
	return WorkflowExecutionFailedEvent
}

// New returns an empty event value for decoding a message of the given type.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case ContainerRunRequestedEvent:
		return &ContainerRunRequested{}, true
	case ContainerDeleteRequestedEvent:
		return &ContainerDeleteRequested{}, true
	case ContainerStateChangedEvent:
		return &ContainerStateChanged{}, true
	case NotificationRequestedEvent:
		return &NotificationRequested{}, true
	case WorkflowExecutionStartedEvent:
		return &WorkflowExecutionStarted{}, true
	case WorkflowExecutionCompletedEvent:
		return &WorkflowExecutionCompleted{}, true
	case WorkflowExecutionFailedEvent:
		return &WorkflowExecutionFailed{}, true
	default:
		return nil, false
	}
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}
