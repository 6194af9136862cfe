package archive

import (
	"context"
	"encoding/json"

	"presence/internal/queue"
	"presence/internal/report"
)

// QueueSink hands finalized rosters to the worker via the queue.
type QueueSink struct {
	q queue.Queue
}

// NewQueueSink wraps a queue as a roster sink.
func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

// Archive serializes the roster and enqueues it for the worker.
func (s *QueueSink) Archive(ctx context.Context, roster report.FinalRoster) error {
	body, err := json.Marshal(roster)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, queue.Message{Type: queue.TypeRoster, Body: body})
}
