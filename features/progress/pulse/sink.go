// Package pulse exposes a progress.Sink implementation that publishes
// ensemble progress updates onto goa.design/pulse streams, plus a subscriber
// for consuming them. Services build a Redis client, pass it to the Pulse
// client, and hand the resulting sink to the ensemble service. One stream per
// pair; observers follow a run by subscribing to its progress channel.
package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/dyadlab/relmc/features/progress/pulse/clients/pulse"
	"github.com/dyadlab/relmc/sim/progress"
)

// EventProgress names the Pulse event carrying a progress update payload.
const EventProgress = "progress"

// Sink publishes progress updates into Pulse streams. Safe for concurrent
// Publish calls.
type Sink struct {
	client clientspulse.Client
}

// NewSink constructs a Pulse-backed progress sink.
func NewSink(client clientspulse.Client) (*Sink, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Sink{client: client}, nil
}

// Publish appends the payload to the Pulse stream named after the channel.
func (s *Sink) Publish(ctx context.Context, channel string, payload []byte) error {
	handle, err := s.client.Stream(channel)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, EventProgress, payload)
	return err
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ progress.Sink = (*Sink)(nil)
