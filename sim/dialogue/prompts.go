package dialogue

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dyadlab/relmc/sim/memory"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
)

// conversationWindow is how many trailing turns feed each generation prompt.
const conversationWindow = 10

var futureMarker = regexp.MustCompile(`\b(we|us|our|together|we'll|we'd|let's)\b`)

// systemPrompt assembles the speaker's persona: profile essentials, the
// latest hidden thought, the active crisis and any recalled memories. The
// hidden thought shapes the reply but is never quoted in it.
func (d *Dialogue) systemPrompt(ctx context.Context, speaker, other *profile.ShadowProfile, thought *profile.ThoughtRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, talking with your partner %s.\n", speaker.AgentID, other.AgentID)
	fmt.Fprintf(&b, "What matters most to you: %s.\n", strings.Join(speaker.TopValues(3), ", "))
	if len(speaker.FearArchitecture) > 0 {
		fmt.Fprintf(&b, "What you quietly fear: %s.\n", strings.Join(speaker.FearArchitecture, ", "))
	}
	fmt.Fprintf(&b, "Attachment style: %s. Communication style: %s.\n", speaker.Attachment, speaker.Communication)
	if len(speaker.LinguisticSignature) > 0 {
		fmt.Fprintf(&b, "Phrases that sound like you: %s.\n", strings.Join(speaker.LinguisticSignature, "; "))
	}

	if thought != nil {
		b.WriteString("\nYour private read on the moment (never say this out loud):\n")
		if thought.RawThought != "" {
			fmt.Fprintf(&b, "- %s\n", thought.RawThought)
		}
		if top := topProjections(thought.L2Projection, 3); len(top) > 0 {
			fmt.Fprintf(&b, "- You suspect %s sees you as prioritizing %s.\n", other.AgentID, strings.Join(top, ", "))
		}
		fmt.Fprintf(&b, "- Collapse risk feels %s; lean toward the %s move.\n", thought.CollapseRisk, thought.RecommendedStrategy)
	}

	if d.state.ActiveCrisis != nil {
		fmt.Fprintf(&b, "\nThe two of you are living through: %s\nThe open question: %s\n",
			d.state.ActiveCrisis.Narrative, d.state.ActiveCrisis.DecisionPoint)
	}

	if d.mem != nil {
		if recall := d.mem.Context(ctx, recentTopic(d.state.History), 3); recall != "" {
			b.WriteString("\n")
			b.WriteString(recall)
			b.WriteString("\n")
		}
		if arc, err := d.mem.Arc(ctx); err == nil && arc.Trajectory != memory.TrajectoryPlateau {
			fmt.Fprintf(&b, "\nLately the relationship feels like it is %s.\n", arc.Trajectory)
		}
	}

	b.WriteString("\nReply in character with 1-4 natural sentences. No narration, no stage directions.")
	return b.String()
}

// conversation maps the trailing history into model messages from the
// speaker's point of view: own turns become assistant messages, the
// partner's and the narrator's become user messages.
func (d *Dialogue) conversation(speaker *profile.ShadowProfile) []model.Message {
	tail := d.state.History
	if len(tail) > conversationWindow {
		tail = tail[len(tail)-conversationWindow:]
	}
	msgs := make([]model.Message, 0, len(tail)+1)
	for _, turn := range tail {
		role := model.RoleUser
		content := turn.Content
		if turn.Role == speaker.AgentID {
			role = model.RoleAssistant
		} else if turn.Role == model.RoleSystem {
			content = fmt.Sprintf("(narrator) %s", turn.Content)
		}
		msgs = append(msgs, model.Message{Role: role, Content: content})
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role == model.RoleAssistant {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: "(the conversation is open; say what is on your mind)"})
	}
	return msgs
}

// recentTopic joins the last few spoken turns into a recall query.
func recentTopic(history []model.Turn) string {
	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < 3; i-- {
		if history[i].Role != model.RoleSystem {
			parts = append(parts, history[i].Content)
		}
	}
	return strings.Join(parts, " ")
}

// topProjections returns the n axes the projection weights highest.
func topProjections(values map[string]float64, n int) []string {
	if len(values) == 0 {
		return nil
	}
	axes := append([]string(nil), profile.Axes...)
	sort.SliceStable(axes, func(i, j int) bool {
		return values[axes[i]] > values[axes[j]]
	})
	if n > len(axes) {
		n = len(axes)
	}
	return axes[:n]
}

// hasFutureMarker reports whether any of the last n non-narrator turns
// contains future-oriented shared language.
func hasFutureMarker(history []model.Turn, n int) bool {
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < n; i-- {
		if history[i].Role == model.RoleSystem {
			continue
		}
		seen++
		if futureMarker.MatchString(strings.ToLower(history[i].Content)) {
			return true
		}
	}
	return false
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
