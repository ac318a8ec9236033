package memory

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dyadlab/relmc/sim/crisis"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/telemetry"
)

// futureMarker matches the forward-looking language a repair attempt leads
// with.
var futureMarker = regexp.MustCompile(`\b(we|us|our|together|we'll|we'd|let's)\b`)

type (
	// Manager forms and recalls memories for one pair. Not safe for
	// concurrent use; each timeline that wants memory owns a Manager.
	Manager struct {
		pairID string
		store  Store
		logger telemetry.Logger
		now    func() time.Time
		newID  func() string
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// PairID names the pair the memories belong to. Required.
		PairID string

		// Store persists records. Required.
		Store Store

		// Logger reports failed writes. Nil discards.
		Logger telemetry.Logger

		// Now supplies record timestamps. Nil means time.Now.
		Now func() time.Time
	}
)

// NewManager validates options and returns a ready Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.PairID == "" {
		return nil, fmt.Errorf("memory: pair ID is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("memory: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		pairID: opts.PairID,
		store:  opts.Store,
		logger: logger,
		now:    now,
		newID:  uuid.NewString,
	}, nil
}

// RecordCrisisOutcome stores an episodic memory of how the pair weathered a
// crisis. Resolved crises carry positive valence, unresolved negative, with a
// bonus when the shared narrative proved elastic. Importance scales with
// severity and rises further when the crisis collapsed the pair.
func (m *Manager) RecordCrisisOutcome(ctx context.Context, event *crisis.BlackSwanEvent, turn int, resolved bool, elasticity float64) error {
	valence := -0.6
	outcome := "did not recover"
	if resolved {
		valence = 0.4
		outcome = "recovered"
	}
	if elasticity > 0.7 {
		valence += 0.3
	}
	valence = clamp(valence, -1, 1)

	importance := math.Min(1, event.Severity*0.7+0.3)
	if !resolved {
		importance = math.Min(1, importance+0.2)
	}

	rec := &Record{
		ID:         m.newID(),
		PairID:     m.pairID,
		Kind:       KindEpisodic,
		Content:    fmt.Sprintf("A %s struck the pair's %s (severity %.2f) and the pair %s. %s", strings.ReplaceAll(event.EventType, "_", " "), event.TargetAxis, event.Severity, outcome, event.Narrative),
		Valence:    valence,
		Importance: importance,
		Turn:       turn,
		CreatedAt:  m.now(),
		Metadata: map[string]string{
			"eventType":  event.EventType,
			"targetAxis": event.TargetAxis,
		},
	}
	if err := m.store.Add(ctx, rec); err != nil {
		m.logger.Warn(ctx, "crisis memory write failed", "pair", m.pairID, "error", err.Error())
		return err
	}
	return nil
}

// ObserveTurns scans recent dialogue for behavior patterns worth remembering:
// one side answering at less than half the other's length reads as topic
// avoidance (semantic), future-oriented language directly after a narrator
// event reads as a repair attempt (semantic) and the repairing agent's
// opening move is kept as a procedural strategy.
func (m *Manager) ObserveTurns(ctx context.Context, turns []model.Turn) error {
	if len(turns) < 4 {
		return nil
	}
	turn := len(turns)

	if short, long, ok := lengthImbalance(turns); ok {
		rec := &Record{
			ID:         m.newID(),
			PairID:     m.pairID,
			Kind:       KindSemantic,
			Content:    fmt.Sprintf("%s's replies have shrunk to less than half of %s's, a topic-avoidance pattern.", short, long),
			Valence:    -0.3,
			Importance: 0.5,
			Turn:       turn,
			CreatedAt:  m.now(),
			Metadata:   map[string]string{"pattern": "topic_avoidance", "agent": short},
		}
		if err := m.store.Add(ctx, rec); err != nil {
			m.logger.Warn(ctx, "pattern memory write failed", "pair", m.pairID, "error", err.Error())
			return err
		}
	}

	if agent, move, ok := repairAfterEvent(turns); ok {
		semantic := &Record{
			ID:         m.newID(),
			PairID:     m.pairID,
			Kind:       KindSemantic,
			Content:    fmt.Sprintf("%s reaches for shared language right after external shocks, a repair-attempt pattern.", agent),
			Valence:    0.4,
			Importance: 0.6,
			Turn:       turn,
			CreatedAt:  m.now(),
			Metadata:   map[string]string{"pattern": "repair_attempt", "agent": agent},
		}
		procedural := &Record{
			ID:         m.newID(),
			PairID:     m.pairID,
			Kind:       KindProcedural,
			Content:    fmt.Sprintf("When a shock lands, %s opens repair with: %q", agent, move),
			Valence:    0.3,
			Importance: 0.6,
			Turn:       turn,
			CreatedAt:  m.now(),
			Metadata:   map[string]string{"strategy": "repair_opening", "agent": agent},
		}
		for _, rec := range []*Record{semantic, procedural} {
			if err := m.store.Add(ctx, rec); err != nil {
				m.logger.Warn(ctx, "pattern memory write failed", "pair", m.pairID, "error", err.Error())
				return err
			}
		}
	}
	return nil
}

// Arc derives the relationship trajectory from the pair's episodic memories:
// the valence trend of the newest half against the oldest half, with turning
// points at strongly charged records.
func (m *Manager) Arc(ctx context.Context) (*Arc, error) {
	episodes, err := m.store.List(ctx, m.pairID, KindEpisodic)
	if err != nil {
		return nil, fmt.Errorf("memory: list episodes: %w", err)
	}
	arc := &Arc{Trajectory: TrajectoryPlateau}
	if len(episodes) == 0 {
		return arc, nil
	}

	var total float64
	for _, ep := range episodes {
		total += ep.Valence
		if math.Abs(ep.Valence) >= 0.5 {
			arc.TurningPoints = append(arc.TurningPoints, ep)
		}
	}
	arc.MeanValence = total / float64(len(episodes))

	if len(episodes) >= 2 {
		mid := len(episodes) / 2
		delta := meanValence(episodes[mid:]) - meanValence(episodes[:mid])
		switch {
		case delta > 0.15:
			arc.Trajectory = TrajectoryStrengthening
		case delta < -0.15:
			arc.Trajectory = TrajectoryWeakening
		}
	}
	return arc, nil
}

// Context renders the top-k memories relevant to the query as a prompt block.
// Returns the empty string when nothing relevant exists or recall fails;
// prompts simply omit the block.
func (m *Manager) Context(ctx context.Context, query string, k int) string {
	if k <= 0 {
		k = 3
	}
	recs, err := m.store.Query(ctx, m.pairID, query, k)
	if err != nil {
		m.logger.Warn(ctx, "memory recall failed", "pair", m.pairID, "error", err.Error())
		return ""
	}
	if len(recs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(recs)+1)
	lines = append(lines, "What this pair remembers:")
	for _, rec := range recs {
		lines = append(lines, fmt.Sprintf("- (%s) %s", rec.Kind, rec.Content))
	}
	return strings.Join(lines, "\n")
}

// lengthImbalance reports the agent whose recent replies run at less than
// half the other's mean length, over the last six spoken turns.
func lengthImbalance(turns []model.Turn) (short, long string, ok bool) {
	lengths := make(map[string][]int)
	var order []string
	for _, t := range spokenTail(turns, 6) {
		if _, seen := lengths[t.Role]; !seen {
			order = append(order, t.Role)
		}
		lengths[t.Role] = append(lengths[t.Role], len(t.Content))
	}
	if len(order) != 2 {
		return "", "", false
	}
	a, b := order[0], order[1]
	ma, mb := meanInt(lengths[a]), meanInt(lengths[b])
	switch {
	case mb > 0 && ma < mb/2:
		return a, b, true
	case ma > 0 && mb < ma/2:
		return b, a, true
	}
	return "", "", false
}

// repairAfterEvent finds the first spoken turn after the most recent narrator
// event and reports it when it leads with future-oriented language.
func repairAfterEvent(turns []model.Turn) (agent, move string, ok bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != model.RoleSystem {
			continue
		}
		for _, t := range turns[i+1:] {
			if t.Role == model.RoleSystem {
				continue
			}
			if futureMarker.MatchString(strings.ToLower(t.Content)) {
				return t.Role, t.Content, true
			}
			return "", "", false
		}
		return "", "", false
	}
	return "", "", false
}

func spokenTail(turns []model.Turn, n int) []model.Turn {
	var spoken []model.Turn
	for _, t := range turns {
		if t.Role != model.RoleSystem {
			spoken = append(spoken, t)
		}
	}
	if len(spoken) > n {
		spoken = spoken[len(spoken)-n:]
	}
	return spoken
}

func meanValence(recs []*Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	var total float64
	for _, r := range recs {
		total += r.Valence
	}
	return total / float64(len(recs))
}

func meanInt(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0
	for _, x := range xs {
		total += x
	}
	return float64(total) / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
