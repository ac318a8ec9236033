package pulse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/dyadlab/relmc/features/progress/pulse/clients/pulse"
)

type (
	fakePulseClient struct {
		streams   map[string]*fakeStream
		streamErr error
	}

	fakeStream struct {
		name   string
		events []fakeEvent
		sink   *fakeSink
		addErr error
	}

	fakeEvent struct {
		name    string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		acked  []string
		ackErr error
	}
)

func newFakePulseClient() *fakePulseClient {
	return &fakePulseClient{streams: make(map[string]*fakeStream)}
}

func (c *fakePulseClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, sink: &fakeSink{ch: make(chan *streaming.Event, 16)}}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakePulseClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.events = append(s.events, fakeEvent{name: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func TestNewSinkValidation(t *testing.T) {
	_, err := NewSink(nil)
	assert.ErrorContains(t, err, "pulse client is required")
}

func TestSinkPublish(t *testing.T) {
	client := newFakePulseClient()
	sink, err := NewSink(client)
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), "progress:pair-1", []byte(`{"completed":2}`)))
	require.NoError(t, sink.Publish(context.Background(), "progress:pair-1", []byte(`{"completed":4}`)))

	str := client.streams["progress:pair-1"]
	require.NotNil(t, str, "stream named after the channel")
	require.Len(t, str.events, 2)
	assert.Equal(t, EventProgress, str.events[0].name)
	assert.JSONEq(t, `{"completed":2}`, string(str.events[0].payload))
	assert.JSONEq(t, `{"completed":4}`, string(str.events[1].payload))
}

func TestSinkPublishPropagatesErrors(t *testing.T) {
	client := newFakePulseClient()
	client.streamErr = errors.New("redis down")
	sink, err := NewSink(client)
	require.NoError(t, err)

	assert.ErrorContains(t, sink.Publish(context.Background(), "progress:pair-1", []byte("{}")), "redis down")
}
