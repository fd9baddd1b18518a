package ingest

import (
	"context"
	"log"
	"time"
)

// EventUploadCompleted is emitted after finalize. Consumers may observe
// duplicates on retried completes and must deduplicate by UploadID.
const EventUploadCompleted = "UPLOAD_COMPLETED"

// Event is the lifecycle notification handed to sinks (the WebSocket hub,
// audit log, ...).
type Event struct {
	Type         string    `json:"type"`
	UploadID     string    `json:"upload_id"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Owner        string    `json:"owner"`
	At           time.Time `json:"at"`
}

// EventSink receives lifecycle events. Delivery is best-effort: publish
// failures are logged by the controller and never fail the operation.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to the process log. It doubles as the audit trail
// when no hub is wired.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	log.Printf("event %s upload=%s submission=%s owner=%s", ev.Type, ev.UploadID, ev.SubmissionID, ev.Owner)
	return nil
}

// FanoutSink publishes to every sink, collecting nothing: each sink is
// best-effort on its own.
type FanoutSink []EventSink

func (f FanoutSink) Publish(ctx context.Context, ev Event) error {
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			log.Printf("event sink error: %v", err)
		}
	}
	return nil
}
