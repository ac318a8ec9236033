package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/crisis"
	"github.com/dyadlab/relmc/sim/model"
)

func testManager(t *testing.T) (*Manager, *InmemStore) {
	t.Helper()
	store := NewInmemStore()
	m, err := NewManager(ManagerOptions{PairID: "pair-1", Store: store})
	require.NoError(t, err)
	return m, store
}

func turn(role, content string) model.Turn {
	return model.Turn{Role: role, Content: content, Timestamp: time.Now()}
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerOptions{Store: NewInmemStore()})
	assert.ErrorContains(t, err, "pair ID is required")

	_, err = NewManager(ManagerOptions{PairID: "p"})
	assert.ErrorContains(t, err, "store is required")
}

func TestRecordCrisisOutcome(t *testing.T) {
	ctx := context.Background()
	event := &crisis.BlackSwanEvent{
		EventType:  "betrayal",
		TargetAxis: "intimacy",
		Severity:   0.8,
		Narrative:  "A message meant for someone else arrives on the shared screen.",
	}

	t.Run("resolved with elastic narrative", func(t *testing.T) {
		m, store := testManager(t)
		require.NoError(t, m.RecordCrisisOutcome(ctx, event, 12, true, 0.8))

		recs, err := store.List(ctx, "pair-1", KindEpisodic)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.InDelta(t, 0.7, recs[0].Valence, 1e-9) // 0.4 + 0.3 elasticity bonus
		assert.InDelta(t, 0.86, recs[0].Importance, 1e-9)
		assert.Equal(t, 12, recs[0].Turn)
		assert.Contains(t, recs[0].Content, "recovered")
	})

	t.Run("unresolved bumps importance", func(t *testing.T) {
		m, store := testManager(t)
		require.NoError(t, m.RecordCrisisOutcome(ctx, event, 12, false, 0.2))

		recs, err := store.List(ctx, "pair-1", KindEpisodic)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.InDelta(t, -0.6, recs[0].Valence, 1e-9)
		assert.InDelta(t, 1.0, recs[0].Importance, 1e-9) // 0.86 + 0.2 clamped
		assert.Contains(t, recs[0].Content, "did not recover")
	})
}

func TestObserveTurnsTopicAvoidance(t *testing.T) {
	m, store := testManager(t)
	long := "I keep thinking about how much planning this move is going to take for both of us."
	turns := []model.Turn{
		turn("ava", long), turn("ben", "Sure."),
		turn("ava", long), turn("ben", "Okay."),
		turn("ava", long), turn("ben", "Fine."),
	}
	require.NoError(t, m.ObserveTurns(context.Background(), turns))

	recs, err := store.List(context.Background(), "pair-1", KindSemantic)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "topic_avoidance", recs[0].Metadata["pattern"])
	assert.Equal(t, "ben", recs[0].Metadata["agent"])
}

func TestObserveTurnsRepairAttempt(t *testing.T) {
	m, store := testManager(t)
	turns := []model.Turn{
		turn("ava", "I had a long day at the office honestly."),
		turn("ben", "Mine dragged too, meetings all afternoon."),
		turn(model.RoleSystem, "[EXTERNAL EVENT]: The landlord terminates the lease."),
		turn("ava", "We'll figure this out together, one step at a time."),
	}
	require.NoError(t, m.ObserveTurns(context.Background(), turns))

	semantic, err := store.List(context.Background(), "pair-1", KindSemantic)
	require.NoError(t, err)
	require.Len(t, semantic, 1)
	assert.Equal(t, "repair_attempt", semantic[0].Metadata["pattern"])
	assert.Equal(t, "ava", semantic[0].Metadata["agent"])

	procedural, err := store.List(context.Background(), "pair-1", KindProcedural)
	require.NoError(t, err)
	require.Len(t, procedural, 1)
	assert.Contains(t, procedural[0].Content, "We'll figure this out")
}

func TestObserveTurnsNoPattern(t *testing.T) {
	m, store := testManager(t)
	turns := []model.Turn{
		turn("ava", "How was the market this morning, busy as usual?"),
		turn("ben", "Crowded but we found everything on the list."),
		turn("ava", "Good, then dinner is sorted for the week ahead."),
		turn("ben", "I grabbed those peppers you like as well."),
	}
	require.NoError(t, m.ObserveTurns(context.Background(), turns))

	recs, err := store.List(context.Background(), "pair-1", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestArc(t *testing.T) {
	ctx := context.Background()

	t.Run("empty history is a plateau", func(t *testing.T) {
		m, _ := testManager(t)
		arc, err := m.Arc(ctx)
		require.NoError(t, err)
		assert.Equal(t, TrajectoryPlateau, arc.Trajectory)
		assert.Empty(t, arc.TurningPoints)
	})

	t.Run("rising valence strengthens", func(t *testing.T) {
		m, store := testManager(t)
		for i, v := range []float64{-0.6, -0.2, 0.3, 0.7} {
			require.NoError(t, store.Add(ctx, &Record{
				ID: "r", PairID: "pair-1", Kind: KindEpisodic, Valence: v, Turn: i,
			}))
		}
		arc, err := m.Arc(ctx)
		require.NoError(t, err)
		assert.Equal(t, TrajectoryStrengthening, arc.Trajectory)
		assert.Len(t, arc.TurningPoints, 2) // |valence| >= 0.5: -0.6 and 0.7
	})

	t.Run("falling valence weakens", func(t *testing.T) {
		m, store := testManager(t)
		for _, v := range []float64{0.4, 0.4, -0.3, -0.4} {
			require.NoError(t, store.Add(ctx, &Record{PairID: "pair-1", Kind: KindEpisodic, Valence: v}))
		}
		arc, err := m.Arc(ctx)
		require.NoError(t, err)
		assert.Equal(t, TrajectoryWeakening, arc.Trajectory)
	})
}

func TestContextRendersTopMemories(t *testing.T) {
	ctx := context.Background()
	m, store := testManager(t)
	require.NoError(t, store.Add(ctx, &Record{PairID: "pair-1", Kind: KindEpisodic, Content: "The layoff hit their security hard.", Importance: 0.9}))
	require.NoError(t, store.Add(ctx, &Record{PairID: "pair-1", Kind: KindSemantic, Content: "ben withdraws when money comes up.", Importance: 0.5}))
	require.NoError(t, store.Add(ctx, &Record{PairID: "pair-1", Kind: KindProcedural, Content: "Naming the fear out loud de-escalates ava.", Importance: 0.7}))

	out := m.Context(ctx, "money security", 2)
	assert.Contains(t, out, "What this pair remembers:")
	assert.Contains(t, out, "layoff")
	assert.Contains(t, out, "money")
	assert.NotContains(t, out, "Naming the fear")
}

func TestInmemQueryRanking(t *testing.T) {
	ctx := context.Background()
	store := NewInmemStore()
	require.NoError(t, store.Add(ctx, &Record{PairID: "p", Content: "shared fear of abandonment", Importance: 0.2}))
	require.NoError(t, store.Add(ctx, &Record{PairID: "p", Content: "fear of abandonment shaped the fight", Importance: 0.9}))
	require.NoError(t, store.Add(ctx, &Record{PairID: "p", Content: "unrelated grocery note", Importance: 1.0}))

	recs, err := store.Query(ctx, "p", "abandonment fear", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "fear of abandonment shaped the fight", recs[0].Content)
	assert.Equal(t, "shared fear of abandonment", recs[1].Content)
}
