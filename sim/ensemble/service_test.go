package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/progress"
)

// recordingSink captures every published update, decoded.
type recordingSink struct {
	mu      sync.Mutex
	channel string
	updates []progress.Update
	err     error
}

func (s *recordingSink) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.channel = channel
	var u progress.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return err
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []progress.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Update(nil), s.updates...)
}

// recordingStore captures the last write.
type recordingStore struct {
	mu    sync.Mutex
	key   string
	value []byte
	ttl   time.Duration
}

func (s *recordingStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.value, s.ttl = key, value, ttl
	return nil
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceOptions{})
	assert.ErrorContains(t, err, "orchestrator is required")

	svc, err := NewService(ServiceOptions{Orchestrator: testOrchestrator(t, Options{NTimelines: 1})})
	require.NoError(t, err)
	assert.NotNil(t, svc, "sink and store default to no-ops")
}

func TestSimulatePublishesAndPersists(t *testing.T) {
	sink := &recordingSink{}
	st := &recordingStore{}
	svc, err := NewService(ServiceOptions{
		Orchestrator: testOrchestrator(t, Options{NTimelines: 4, MaxTurns: 1, MaxWorkers: 2}),
		Sink:         sink,
		Store:        st,
	})
	require.NoError(t, err)

	dist, err := svc.Simulate(context.Background(), profile.Neutral("ava"), profile.Neutral("ben"), "pair-1")
	require.NoError(t, err)
	require.Len(t, dist.Timelines, 4)

	updates := sink.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, "progress:pair-1", sink.channel)

	assert.Equal(t, progress.StatusQueued, updates[0].Status)
	assert.Equal(t, progress.StatusRunning, updates[1].Status)
	last := updates[len(updates)-1]
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.Equal(t, 4, last.Completed)
	assert.Equal(t, 4, last.Total)

	prev := -1
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.Completed, prev, "completed counts never regress")
		assert.Equal(t, "pair-1", u.PairID)
		assert.Equal(t, 4, u.Total)
		prev = u.Completed
	}

	assert.Equal(t, "result:pair-1", st.key)
	assert.Equal(t, 24*time.Hour, st.ttl)

	var stored Distribution
	require.NoError(t, json.Unmarshal(st.value, &stored))
	assert.Equal(t, "pair-1", stored.PairID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Len(t, stored.Timelines, 4)
}

func TestSimulateCancelledStillTerminates(t *testing.T) {
	sink := &recordingSink{}
	st := &recordingStore{}
	svc, err := NewService(ServiceOptions{
		Orchestrator: testOrchestrator(t, Options{NTimelines: 4, MaxTurns: 1}),
		Sink:         sink,
		Store:        st,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dist, err := svc.Simulate(ctx, profile.Neutral("ava"), profile.Neutral("ben"), "pair-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, dist.Status)

	updates := sink.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, progress.StatusCancelled, last.Status)
	assert.Equal(t, last.Total, last.Completed, "terminal update always reports the full count")

	assert.Equal(t, "result:pair-1", st.key, "partial distributions persist too")
}

func TestSimulateInvalidArgsPublishFailed(t *testing.T) {
	sink := &recordingSink{}
	svc, err := NewService(ServiceOptions{
		Orchestrator: testOrchestrator(t, Options{NTimelines: 2, MaxTurns: 1}),
		Sink:         sink,
	})
	require.NoError(t, err)

	_, err = svc.Simulate(context.Background(), nil, profile.Neutral("ben"), "pair-1")
	require.Error(t, err)

	updates := sink.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, progress.StatusFailed, updates[len(updates)-1].Status)
}

func TestSimulateSinkFailureDoesNotAbort(t *testing.T) {
	sink := &recordingSink{err: errors.New("stream unavailable")}
	svc, err := NewService(ServiceOptions{
		Orchestrator: testOrchestrator(t, Options{NTimelines: 2, MaxTurns: 1}),
		Sink:         sink,
	})
	require.NoError(t, err)

	dist, err := svc.Simulate(context.Background(), profile.Neutral("ava"), profile.Neutral("ben"), "pair-1")
	require.NoError(t, err, "publishing is advisory")
	assert.Len(t, dist.Timelines, 2)
}
