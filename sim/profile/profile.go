// Package profile defines the identity and belief containers shared by every
// simulation component: value vectors over a fixed eight-axis universe,
// attachment and communication styles, recursive epistemic models (what an
// agent believes about its partner, and what it believes the partner believes
// about it), and the per-agent belief state accumulated over a dialogue.
package profile

import (
	"fmt"
	"sort"
	"time"
)

// Axes enumerates the value dimensions every profile weights, in canonical
// order. Belief math iterates axes in this order so results are reproducible
// run to run.
var Axes = []string{
	"autonomy",
	"security",
	"achievement",
	"intimacy",
	"novelty",
	"stability",
	"power",
	"belonging",
}

type (
	// AttachmentStyle classifies how an agent bonds under stress. The style
	// shapes crisis targeting (paired anxious or avoidant styles amplify
	// specific axes) and the neutral priors used before any evidence exists.
	AttachmentStyle string

	// CommunicationStyle classifies how an agent phrases itself. It feeds the
	// second-order belief projection (how the agent expects to be read).
	CommunicationStyle string

	// ShadowProfile is the ground-truth identity of a simulated agent. It is
	// immutable once validated: every timeline reads the same profile and no
	// component writes back to it. Copies of the same shape also serve as
	// belief layers inside EpistemicModel, where they represent estimates
	// rather than ground truth.
	ShadowProfile struct {
		// AgentID uniquely names the agent within a pair.
		AgentID string `json:"agentId"`

		// Values weights each axis in Axes with a number in [0, 1].
		// The map must contain exactly the eight canonical keys.
		Values map[string]float64 `json:"values"`

		// Attachment is the agent's attachment style.
		Attachment AttachmentStyle `json:"attachment"`

		// FearArchitecture lists the agent's core fears in descending salience.
		// Fear names map onto value axes during vulnerability analysis.
		FearArchitecture []string `json:"fearArchitecture"`

		// LinguisticSignature holds characteristic phrases the agent tends to
		// use. The linguistic scorer tracks how many of them the partner
		// absorbs. May be empty.
		LinguisticSignature []string `json:"linguisticSignature,omitempty"`

		// EntropyTolerance in [0, 1] measures how much disorder the agent
		// absorbs before destabilizing. Higher tolerance lowers expected
		// collapse under crisis.
		EntropyTolerance float64 `json:"entropyTolerance"`

		// Communication is the agent's communication style.
		Communication CommunicationStyle `json:"communication"`
	}

	// EpistemicModel is one agent's recursive model of another: L1 estimates
	// the target's profile, L2 estimates what the target believes about the
	// owner, and L3 (depth-3 simulations only) estimates what the target
	// believes the owner believes about them. All layers reuse the
	// ShadowProfile shape but hold estimates, not ground truth.
	EpistemicModel struct {
		// OwnerID is the believing agent. Always differs from TargetID.
		OwnerID string `json:"ownerId"`

		// TargetID is the agent being modeled.
		TargetID string `json:"targetId"`

		// L1 is the owner's estimate of the target.
		L1 *ShadowProfile `json:"l1"`

		// L2 is the owner's estimate of the target's estimate of the owner.
		L2 *ShadowProfile `json:"l2"`

		// L3 is populated only at recursion depth 3.
		L3 *ShadowProfile `json:"l3,omitempty"`

		// Confidence in [0, 1] weights future Bayesian updates. Starts at 0.3
		// and drifts toward the ceiling as evidence accumulates.
		Confidence float64 `json:"confidence"`

		// Divergence is the most recent Jensen-Shannon divergence between the
		// L1 and L2 value vectors, in [0, ln 2].
		Divergence float64 `json:"divergence"`

		// UpdateCount increments on every belief update.
		UpdateCount int `json:"updateCount"`
	}

	// ThoughtRecord is one immutable entry of an agent's hidden reasoning.
	// Records accumulate in BeliefState.ThoughtLog and are never surfaced in
	// dialogue text.
	ThoughtRecord struct {
		Agent               string             `json:"agent"`
		Timestamp           time.Time          `json:"timestamp"`
		Turn                int                `json:"turn"`
		OtherID             string             `json:"otherId"`
		L1Update            map[string]float64 `json:"l1Update"`
		L2Projection        map[string]float64 `json:"l2Projection"`
		EpistemicDivergence float64            `json:"epistemicDivergence"`
		CollapseRisk        string             `json:"collapseRisk"`
		RawThought          string             `json:"rawThought"`
		RecommendedStrategy string             `json:"recommendedStrategy"`
	}

	// BeliefState aggregates everything one agent knows and believes during a
	// dialogue: its own ground-truth profile (L0), its epistemic models of
	// other agents, the current turn counter, and the append-only thought log.
	BeliefState struct {
		AgentID    string                     `json:"agentId"`
		Shadow     *ShadowProfile             `json:"shadow"`
		Models     map[string]*EpistemicModel `json:"models"`
		TurnNumber int                        `json:"turnNumber"`
		ThoughtLog []ThoughtRecord            `json:"thoughtLog"`
	}
)

const (
	// AttachmentSecure marks agents that stay regulated under relational stress.
	AttachmentSecure AttachmentStyle = "secure"
	// AttachmentAnxious marks agents that escalate pursuit under threat.
	AttachmentAnxious AttachmentStyle = "anxious"
	// AttachmentAvoidant marks agents that withdraw under threat.
	AttachmentAvoidant AttachmentStyle = "avoidant"
	// AttachmentFearful marks agents that oscillate between pursuit and withdrawal.
	AttachmentFearful AttachmentStyle = "fearful"
)

const (
	// CommunicationDirect states needs explicitly.
	CommunicationDirect CommunicationStyle = "direct"
	// CommunicationIndirect hints rather than states.
	CommunicationIndirect CommunicationStyle = "indirect"
	// CommunicationAggressive escalates confrontationally.
	CommunicationAggressive CommunicationStyle = "aggressive"
	// CommunicationPassive yields and defers.
	CommunicationPassive CommunicationStyle = "passive"
)

// InitialConfidence is the Bayesian weight assigned to a brand-new epistemic
// model before any evidence has been observed.
const InitialConfidence = 0.3

// Validate checks the profile against the construction rules: a non-empty
// agent ID, exactly the eight canonical value axes each weighted in [0, 1],
// known attachment and communication styles, and entropy tolerance in [0, 1].
// Callers must not use a profile that fails validation.
func (p *ShadowProfile) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("profile: agent ID is required")
	}
	if len(p.Values) != len(Axes) {
		return fmt.Errorf("profile %s: values must cover exactly %d axes, got %d", p.AgentID, len(Axes), len(p.Values))
	}
	for _, axis := range Axes {
		v, ok := p.Values[axis]
		if !ok {
			return fmt.Errorf("profile %s: missing value axis %q", p.AgentID, axis)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("profile %s: value %q = %v out of range [0, 1]", p.AgentID, axis, v)
		}
	}
	switch p.Attachment {
	case AttachmentSecure, AttachmentAnxious, AttachmentAvoidant, AttachmentFearful:
	default:
		return fmt.Errorf("profile %s: unknown attachment style %q", p.AgentID, p.Attachment)
	}
	switch p.Communication {
	case CommunicationDirect, CommunicationIndirect, CommunicationAggressive, CommunicationPassive:
	default:
		return fmt.Errorf("profile %s: unknown communication style %q", p.AgentID, p.Communication)
	}
	if p.EntropyTolerance < 0 || p.EntropyTolerance > 1 {
		return fmt.Errorf("profile %s: entropy tolerance %v out of range [0, 1]", p.AgentID, p.EntropyTolerance)
	}
	return nil
}

// Clone returns a deep copy. Belief layers start as clones so updates never
// write through to the ground-truth profile.
func (p *ShadowProfile) Clone() *ShadowProfile {
	cp := *p
	cp.Values = make(map[string]float64, len(p.Values))
	for k, v := range p.Values {
		cp.Values[k] = v
	}
	cp.FearArchitecture = append([]string(nil), p.FearArchitecture...)
	cp.LinguisticSignature = append([]string(nil), p.LinguisticSignature...)
	return &cp
}

// TopValues returns up to n axis names ordered by descending weight, ties
// broken by canonical axis order.
func (p *ShadowProfile) TopValues(n int) []string {
	axes := append([]string(nil), Axes...)
	sort.SliceStable(axes, func(i, j int) bool {
		return p.Values[axes[i]] > p.Values[axes[j]]
	})
	if n > len(axes) {
		n = len(axes)
	}
	return axes[:n]
}

// Neutral returns the maximum-entropy prior profile used to seed belief
// layers before any evidence arrives: every axis at 0.5, secure attachment,
// no fears, entropy tolerance 0.5, direct communication.
func Neutral(agentID string) *ShadowProfile {
	values := make(map[string]float64, len(Axes))
	for _, axis := range Axes {
		values[axis] = 0.5
	}
	return &ShadowProfile{
		AgentID:          agentID,
		Values:           values,
		Attachment:       AttachmentSecure,
		FearArchitecture: []string{},
		EntropyTolerance: 0.5,
		Communication:    CommunicationDirect,
	}
}

// NewEpistemicModel seeds a fresh model of target held by owner. Both belief
// layers start from neutral priors and confidence starts at InitialConfidence.
// An agent never models itself; a self-targeted model returns nil.
func NewEpistemicModel(ownerID, targetID string) *EpistemicModel {
	if ownerID == targetID {
		return nil
	}
	return &EpistemicModel{
		OwnerID:    ownerID,
		TargetID:   targetID,
		L1:         Neutral(targetID),
		L2:         Neutral(ownerID),
		Confidence: InitialConfidence,
	}
}

// NewBeliefState wraps a validated ground-truth profile in an empty belief
// state ready for the first turn.
func NewBeliefState(shadow *ShadowProfile) *BeliefState {
	return &BeliefState{
		AgentID: shadow.AgentID,
		Shadow:  shadow,
		Models:  make(map[string]*EpistemicModel),
	}
}

// ModelOf returns the belief state's model of targetID, creating and storing
// a neutral one on first use. The state's own agent ID is not a valid target
// and returns nil without storing anything.
func (b *BeliefState) ModelOf(targetID string) *EpistemicModel {
	if targetID == b.AgentID {
		return nil
	}
	if m, ok := b.Models[targetID]; ok {
		return m
	}
	m := NewEpistemicModel(b.AgentID, targetID)
	b.Models[targetID] = m
	return m
}
