package crisis

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
)

// staticModel always replies with the same content.
type staticModel struct {
	reply string
	calls int
}

func (m *staticModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls++
	return &model.Response{Content: m.reply, Model: req.Model}, nil
}

// failingModel always errors.
type failingModel struct{}

func (failingModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, assert.AnError
}

// mapEmbedder returns canned vectors keyed by substring, defaulting to unit.
type mapEmbedder struct {
	byMarker map[string][]float64
	fail     bool
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if e.fail {
		return nil, assert.AnError
	}
	for marker, vec := range e.byMarker {
		if strings.Contains(text, marker) {
			return vec, nil
		}
	}
	return []float64{1, 0, 0}, nil
}

const narrativeReply = `{"narrative": "The call comes at midnight and everything you built together is suddenly in question.", "decision_point": "Do you face it as one or retreat to separate corners?", "likely_a_reaction": "panic", "likely_b_reaction": "withdrawal"}`

func neutralPair() (*profile.ShadowProfile, *profile.ShadowProfile) {
	return profile.Neutral("ava"), profile.Neutral("ben")
}

func TestNewGenerator(t *testing.T) {
	t.Run("requires model", func(t *testing.T) {
		_, err := NewGenerator(Options{})
		require.EqualError(t, err, "crisis: model client is required")
	})
	t.Run("rejects unknown distribution", func(t *testing.T) {
		_, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}, Dist: "cauchy"})
		require.EqualError(t, err, `crisis: unknown severity distribution "cauchy"`)
	})
	t.Run("defaults", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)
		assert.Equal(t, DistPareto, g.dist)
		assert.Equal(t, DefaultAlpha, g.alpha)
	})
}

func TestIdentifyVulnerability(t *testing.T) {
	g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
	require.NoError(t, err)

	t.Run("shared fear pulls the mapped axis", func(t *testing.T) {
		a, b := neutralPair()
		a.FearArchitecture = []string{"abandonment"}
		b.FearArchitecture = []string{"abandonment", "failure"}

		vuln := g.IdentifyVulnerability(a, b)

		assert.Equal(t, "belonging", vuln.Axis)
		assert.InDelta(t, 0.35, vuln.Score, 1e-9) // 0.5*0.5*1.4
		assert.Contains(t, vuln.Explanation, "shared fears: abandonment")
	})

	t.Run("anxious avoidant pairing targets intimacy", func(t *testing.T) {
		a, b := neutralPair()
		a.Attachment = profile.AttachmentAnxious
		b.Attachment = profile.AttachmentAvoidant

		vuln := g.IdentifyVulnerability(a, b)

		assert.Equal(t, "intimacy", vuln.Axis)
		assert.InDelta(t, 0.40, vuln.Score, 1e-9) // 0.5*0.5*1.6
		assert.Contains(t, vuln.Explanation, "anxious-avoidant")
	})

	t.Run("both anxious amplifies intimacy and belonging", func(t *testing.T) {
		a, b := neutralPair()
		a.Attachment = profile.AttachmentAnxious
		b.Attachment = profile.AttachmentAnxious
		a.Values["belonging"] = 0.9
		b.Values["belonging"] = 0.9

		vuln := g.IdentifyVulnerability(a, b)

		assert.Equal(t, "belonging", vuln.Axis)
		assert.InDelta(t, 0.9*0.9*1.3, vuln.Score, 1e-9)
	})

	t.Run("both avoidant amplifies autonomy", func(t *testing.T) {
		a, b := neutralPair()
		a.Attachment = profile.AttachmentAvoidant
		b.Attachment = profile.AttachmentAvoidant

		vuln := g.IdentifyVulnerability(a, b)

		assert.Equal(t, "autonomy", vuln.Axis)
		assert.InDelta(t, 0.5*0.5*1.3, vuln.Score, 1e-9)
	})

	t.Run("score can exceed one", func(t *testing.T) {
		a, b := neutralPair()
		a.Values["intimacy"] = 1.0
		b.Values["intimacy"] = 1.0
		a.FearArchitecture = []string{"rejection", "betrayal"}
		b.FearArchitecture = []string{"rejection", "betrayal"}
		a.Attachment = profile.AttachmentAnxious
		b.Attachment = profile.AttachmentAvoidant

		vuln := g.IdentifyVulnerability(a, b)

		assert.Equal(t, "intimacy", vuln.Axis)
		assert.Greater(t, vuln.Score, 1.0) // 1.4*1.4*1.6
	})

	t.Run("ties break in canonical axis order", func(t *testing.T) {
		a, b := neutralPair()
		vuln := g.IdentifyVulnerability(a, b)
		assert.Equal(t, "autonomy", vuln.Axis)
	})
}

func TestGenerateBlackSwan(t *testing.T) {
	ctx := context.Background()

	t.Run("override bypasses sampling", func(t *testing.T) {
		llm := &staticModel{reply: narrativeReply}
		g, err := NewGenerator(Options{Model: llm})
		require.NoError(t, err)

		a, b := neutralPair()
		a.FearArchitecture = []string{"abandonment"}
		b.FearArchitecture = []string{"abandonment"}
		sev := 0.85

		event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		require.NoError(t, err)

		assert.Equal(t, 0.85, event.Severity)
		assert.Equal(t, "belonging", event.TargetAxis)
		assert.Equal(t, "loss", event.EventType)
		assert.Contains(t, event.Narrative, "midnight")
		assert.Equal(t, "Do you face it as one or retreat to separate corners?", event.DecisionPoint)
		assert.Equal(t, 1, llm.calls)
	})

	t.Run("expected collapse follows entropy and axis weight", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		a, b := neutralPair()
		a.EntropyTolerance = 0.8
		b.EntropyTolerance = 0.2
		a.Values["autonomy"] = 0.9
		b.Values["autonomy"] = 0.9
		sev := 0.5

		event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		require.NoError(t, err)

		require.Equal(t, "autonomy", event.TargetAxis)
		assert.InDelta(t, 0.5*0.2*0.9*1.3, event.ExpectedCollapse["ava"], 1e-4)
		assert.InDelta(t, 0.5*0.8*0.9*1.3, event.ExpectedCollapse["ben"], 1e-4)
	})

	t.Run("elasticity threshold eases with security and tolerance", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		a, b := neutralPair()
		a.EntropyTolerance = 0.9
		b.EntropyTolerance = 0.7
		sev := 0.5

		event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		require.NoError(t, err)

		// 0.4 - 0.1*0.8 - 0.05*2 = 0.22
		assert.InDelta(t, 0.22, event.ElasticityThreshold, 1e-9)
	})

	t.Run("severity override clamps to bounds", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		a, b := neutralPair()
		for _, tc := range []struct {
			in, want float64
		}{
			{in: 0.0, want: MinSeverity},
			{in: 1.5, want: MaxSeverity},
			{in: 0.5, want: 0.5},
		} {
			sev := tc.in
			event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, event.Severity)
		}
	})

	t.Run("sampling requires a rand source", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		a, b := neutralPair()
		_, err = g.GenerateBlackSwan(ctx, a, b, nil, nil)
		require.EqualError(t, err, "crisis: rand source is required to sample severity")
	})

	t.Run("sampled severities stay within bounds", func(t *testing.T) {
		for _, dist := range []Distribution{DistPareto, DistUniform, DistBeta} {
			g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}, Dist: dist, Alpha: 1.0})
			require.NoError(t, err)

			a, b := neutralPair()
			rng := rand.New(rand.NewSource(42))
			for i := 0; i < 200; i++ {
				event, err := g.GenerateBlackSwan(ctx, a, b, nil, rng)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, event.Severity, MinSeverity, "dist %s draw %d", dist, i)
				assert.LessOrEqual(t, event.Severity, MaxSeverity, "dist %s draw %d", dist, i)
			}
		}
	})

	t.Run("fixed seed reproduces the draw", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		a, b := neutralPair()
		first, err := g.GenerateBlackSwan(ctx, a, b, nil, rand.New(rand.NewSource(7)))
		require.NoError(t, err)
		second, err := g.GenerateBlackSwan(ctx, a, b, nil, rand.New(rand.NewSource(7)))
		require.NoError(t, err)
		assert.Equal(t, first.Severity, second.Severity)
	})

	t.Run("model failure degrades to synthetic narrative", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: failingModel{}})
		require.NoError(t, err)

		a, b := neutralPair()
		a.FearArchitecture = []string{"rejection"}
		b.FearArchitecture = []string{"rejection"}
		sev := 0.6

		event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		require.NoError(t, err)

		assert.Equal(t, "A sudden betrayal strikes, hitting your shared intimacy where it hurts most.", event.Narrative)
		assert.Equal(t, defaultDecisionPoint, event.DecisionPoint)
	})

	t.Run("unparseable narration keeps truncated content", func(t *testing.T) {
		long := "The model rambles on with no JSON at all. " + strings.Repeat("More words. ", 60)
		g, err := NewGenerator(Options{Model: &staticModel{reply: long}})
		require.NoError(t, err)

		a, b := neutralPair()
		sev := 0.6
		event, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		require.NoError(t, err)

		assert.Len(t, event.Narrative, 500)
		assert.True(t, strings.HasPrefix(long, event.Narrative))
		assert.Equal(t, defaultDecisionPoint, event.DecisionPoint)
	})

	t.Run("cancellation wins over degradation", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: failingModel{}})
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		a, b := neutralPair()
		sev := 0.6
		_, err = g.GenerateBlackSwan(cancelled, a, b, &sev, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunCascade(t *testing.T) {
	g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
	require.NoError(t, err)

	a, b := neutralPair()
	sev := 0.8
	primary, err := g.GenerateBlackSwan(context.Background(), a, b, &sev, nil)
	require.NoError(t, err)

	events, err := g.RunCascade(context.Background(), primary, a, b, 3)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Same(t, primary, events[0])
	assert.InDelta(t, 0.48, events[1].Severity, 1e-9)
	assert.InDelta(t, 0.384, events[2].Severity, 1e-9)
	assert.InDelta(t, 0.3072, events[3].Severity, 1e-9)
	for _, event := range events[1:] {
		assert.GreaterOrEqual(t, event.Severity, MinSeverity)
	}
}

func TestMeasureElasticity(t *testing.T) {
	ctx := context.Background()
	turnsWith := func(contents ...string) []model.Turn {
		turns := make([]model.Turn, len(contents))
		for i, c := range contents {
			turns[i] = model.Turn{Role: model.RoleUser, Content: c}
		}
		return turns
	}

	t.Run("nil embedder is neutral", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx, turnsWith("we are fine"), turnsWith("we are fine"), nil)
		require.NoError(t, err)
		assert.Equal(t, 0.5, score)
	})

	t.Run("identical identity language scores one", func(t *testing.T) {
		g, err := NewGenerator(Options{
			Model:    &staticModel{reply: narrativeReply},
			Embedder: &mapEmbedder{},
		})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx,
			turnsWith("we will figure this out together", "I had coffee"),
			turnsWith("together we can still do this"),
			nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("divergent identity language scores low", func(t *testing.T) {
		g, err := NewGenerator(Options{
			Model: &staticModel{reply: narrativeReply},
			Embedder: &mapEmbedder{byMarker: map[string][]float64{
				"together": {1, 0, 0},
				"alone":    {0, 1, 0},
			}},
		})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx,
			turnsWith("we will get through this together"),
			turnsWith("I want to handle us being alone"),
			nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, score, 1e-9)
	})

	t.Run("falls back to last five turns", func(t *testing.T) {
		e := &mapEmbedder{}
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}, Embedder: e})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx,
			turnsWith("no identity talk", "just facts", "more facts"),
			turnsWith("still none here"),
			nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("empty sides score zero", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}, Embedder: &mapEmbedder{}})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx, nil, turnsWith("we persist"), nil)
		require.NoError(t, err)
		assert.Zero(t, score)
	})

	t.Run("embedder failure is neutral", func(t *testing.T) {
		g, err := NewGenerator(Options{Model: &staticModel{reply: narrativeReply}, Embedder: &mapEmbedder{fail: true}})
		require.NoError(t, err)

		score, err := g.MeasureElasticity(ctx, turnsWith("we"), turnsWith("we"), nil)
		require.NoError(t, err)
		assert.Equal(t, 0.5, score)
	})

	t.Run("marker matches whole words only", func(t *testing.T) {
		assert.Empty(t, identityText(nil))
		text := identityText(turnsWith(
			"the weather is wet", "ferrous metal", "hourly rates", "altogether now", "filler", "padding",
		))
		// No real identity markers, so the last five turns win.
		assert.NotContains(t, text, "weather is wet")
	})
}
