// Package progress defines the port through which an ensemble run streams
// completion updates to observers. The orchestrator publishes one update per
// finished batch; sinks forward them to whatever transport the host uses
// (the pulse feature publishes onto Redis streams). Publishing is advisory:
// a failed or slow publish never stalls the simulation path.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status tags an Update with the ensemble run's lifecycle stage.
type Status string

// Ensemble run statuses, in lifecycle order.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type (
	// Sink is the progress publishing port. Implementations must be safe for
	// concurrent use: every ensemble run in a process shares one sink.
	Sink interface {
		// Publish sends one payload on the named channel.
		Publish(ctx context.Context, channel string, payload []byte) error
	}

	// Update is the JSON payload published after each completed batch.
	// Completed values for one pair are monotonically non-decreasing and
	// reach Total with a terminal status.
	Update struct {
		PairID    string    `json:"pairId"`
		Completed int       `json:"completed"`
		Total     int       `json:"total"`
		Status    Status    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}

	// NoopSink discards all updates.
	NoopSink struct{}
)

// Channel derives the progress channel name for a pair.
func Channel(pairID string) string {
	return fmt.Sprintf("progress:%s", pairID)
}

// Marshal serializes the update to its wire form.
func (u Update) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

// NewNoopSink returns a Sink that discards everything.
func NewNoopSink() Sink { return NoopSink{} }

// Publish discards the update.
func (NoopSink) Publish(context.Context, string, []byte) error { return nil }
