package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// WatermillQueue carries submissions as messages on "flowrun.scheduler.<queue>" topics.
// Deferred submissions are acked on receipt and held in memory until due, so they do
// not block the topic but are lost if the consumer stops first.
type WatermillQueue struct {
	logger     *slog.Logger
	publisher  message.Publisher
	subscriber message.Subscriber
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewWatermillQueue(logger *slog.Logger, pub message.Publisher, sub message.Subscriber) *WatermillQueue {
	return &WatermillQueue{
		logger:     logger.With("module", "watermill_queue"),
		publisher:  pub,
		subscriber: sub,
		now:        time.Now,
	}
}

func (q *WatermillQueue) Submit(ctx context.Context, submission Submission) error {
	payload, err := encode(submission)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	return q.publisher.Publish(topicPrefix+submission.Queue(), msg)
}

func (q *WatermillQueue) Consume(ctx context.Context, queues []string, handler DeliveryHandler) error {
	var consumers sync.WaitGroup

	for _, queue := range queues {
		messages, err := q.subscriber.Subscribe(ctx, topicPrefix+queue)
		if err != nil {
			return err
		}

		consumers.Add(1)

		go func() {
			defer consumers.Done()

			for msg := range messages {
				q.receive(ctx, msg, handler)
			}
		}()
	}

	q.logger.InfoContext(ctx, "Consuming queues", "queues", queues)

	<-ctx.Done()
	consumers.Wait()
	q.wg.Wait()

	return nil
}

func (q *WatermillQueue) receive(ctx context.Context, msg *message.Message, handler DeliveryHandler) {
	submission, err := decode(msg.Payload)
	if err != nil {
		q.logger.WarnContext(ctx, "Dropping malformed submission", "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if submission.Due(q.now()) {
		q.deliver(ctx, submission, handler)
		msg.Ack()

		return
	}

	msg.Ack()

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		timer := time.NewTimer(submission.DeliverAt.Sub(q.now()))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			q.logger.WarnContext(ctx, "Dropping deferred submission on shutdown", "submission_id", submission.ID)
		case <-timer.C:
			q.deliver(ctx, submission, handler)
		}
	}()
}

func (q *WatermillQueue) deliver(ctx context.Context, submission Submission, handler DeliveryHandler) {
	err := handler(ctx, submission)
	if err != nil {
		q.logger.ErrorContext(ctx, "Submission handler failed", "submission_id", submission.ID, "error", err)
	}
}

func (q *WatermillQueue) Close() error {
	err := q.publisher.Close()
	if err != nil {
		return err
	}

	return q.subscriber.Close()
}
