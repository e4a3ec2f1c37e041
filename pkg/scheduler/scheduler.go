// Package scheduler submits deferred work to named queues and dispatches deliveries
// to registered handlers.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueueName = "generic"

	affinityQueuePrefix = "worker."
	topicPrefix         = "flowrun.scheduler."
)

// Delivery states reported to completion callbacks.
const (
	DeliveryStateOK    = "ok"
	DeliveryStateError = "error"
)

// Keys added to the args of a completion callback.
const (
	ArgDeliveryState = "delivery_state"
	ArgMessage       = "message"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// Callback is run by the Dispatcher after the submitted work was delivered.
type Callback struct {
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Method     string         `json:"method"`
	Args       map[string]any `json:"args,omitempty"`
}

// Submission is a unit of work addressed to TargetType.Method on TargetID.
type Submission struct {
	ID             string         `json:"id"`
	TargetType     string         `json:"target_type"`
	TargetID       string         `json:"target_id"`
	Method         string         `json:"method"`
	Args           map[string]any `json:"args,omitempty"`
	Zone           string         `json:"zone,omitempty"`
	Role           string         `json:"role,omitempty"`
	QueueName      string         `json:"queue_name,omitempty"`
	WorkerAffinity string         `json:"worker_affinity,omitempty"`
	DeliverAt      *time.Time     `json:"deliver_at,omitempty"`
	OnCompletion   *Callback      `json:"on_completion,omitempty"`
}

// Queue is the queue the submission is routed to: "worker.<id>" with an affinity,
// otherwise the queue name (default "generic") followed by zone and role.
func (s Submission) Queue() string {
	if s.WorkerAffinity != "" {
		return affinityQueuePrefix + s.WorkerAffinity
	}

	return QueueFor(s.QueueName, s.Zone, s.Role)
}

// QueueFor builds a queue name from its parts, skipping empty ones.
func QueueFor(name, zone, role string) string {
	if name == "" {
		name = DefaultQueueName
	}

	parts := []string{name}
	if zone != "" {
		parts = append(parts, zone)
	}

	if role != "" {
		parts = append(parts, role)
	}

	return strings.Join(parts, ".")
}

// AffinityQueue is the private queue of a worker.
func AffinityQueue(workerID string) string {
	return affinityQueuePrefix + workerID
}

// Due reports whether the submission may be delivered at now.
func (s Submission) Due(now time.Time) bool {
	return s.DeliverAt == nil || !s.DeliverAt.After(now)
}

func (s Submission) validate() error {
	if s.TargetType == "" || s.Method == "" {
		return ErrInvalidSubmission
	}

	return nil
}

func encode(submission Submission) ([]byte, error) {
	err := submission.validate()
	if err != nil {
		return nil, err
	}

	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}

	return json.Marshal(submission)
}

func decode(payload []byte) (Submission, error) {
	var submission Submission

	err := json.Unmarshal(payload, &submission)
	if err != nil {
		return Submission{}, err
	}

	return submission, submission.validate()
}

// DeliveryHandler processes one delivered submission.
type DeliveryHandler func(ctx context.Context, submission Submission) error

// Queue transports submissions between processes.
type Queue interface {
	Submit(ctx context.Context, submission Submission) error
	// Consume delivers submissions of the given queues to handler until ctx is done.
	// Handler errors are not retried.
	Consume(ctx context.Context, queues []string, handler DeliveryHandler) error
	Close() error
}
