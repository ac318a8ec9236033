package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/dyadlab/relmc/features/progress/pulse/clients/pulse"
	"github.com/dyadlab/relmc/sim/progress"
)

type (
	// SubscriberOptions configures a Pulse-backed progress subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "relmc_progress".
		SinkName string
		// Buffer specifies the update channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes a pair's progress stream and emits decoded
	// updates. It wraps a Pulse sink (consumer group) and acks each event
	// after emission.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "relmc_progress"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
	}, nil
}

// Subscribe opens a Pulse sink on the pair's progress channel and returns
// channels for updates and errors. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	updates, errs, cancel, err := sub.Subscribe(ctx, "pair-1")
//	defer cancel()
//	for u := range updates {
//	    // render u
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	pairID string,
	opts ...streamopts.Sink,
) (<-chan progress.Update, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(progress.Channel(pairID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	updates := make(chan progress.Update, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, updates, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return updates, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel, acking each event after emission. Closes both
// channels when ctx is cancelled or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- progress.Update, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var u progress.Update
			if err := json.Unmarshal(evt.Payload, &u); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- u:
			}
			if err := sink.Ack(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
