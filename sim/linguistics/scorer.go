// Package linguistics tracks how two agents' language converges or drifts
// apart over a dialogue. The scorer ingests every spoken turn, maintains
// per-agent phrase registries (unigrams and adjacent bigrams), and computes
// a blended convergence measure from phrase absorption, embedding alignment,
// lexical overlap and code-switching synchrony. It also detects linguistic
// withdrawal, one of the collapse detector's five signals.
package linguistics

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dyadlab/relmc/sim/embed"
)

// Convergence trend labels.
const (
	TrendAccelerating = "accelerating"
	TrendStable       = "stable"
	TrendDiverging    = "diverging"
)

// Defaults applied by NewScorer when the corresponding option is zero.
const (
	DefaultWindow           = 20
	DefaultMinPhraseFreq    = 2
	DefaultWithdrawalWindow = 10
)

// nonASCIIDensity above which a turn counts as code-switched
const codeSwitchDensity = 0.3

var wordRE = regexp.MustCompile(`\b\w+\b`)

type (
	// Scorer accumulates linguistic state for one dialogue. It is not safe
	// for concurrent use; every timeline owns its own instance.
	Scorer struct {
		embedder      embed.Embedder
		window        int
		minPhraseFreq int

		phrases map[string]map[string]int
		turns   map[string][]string
		vectors map[string]map[int][]float64
		history []float64
	}

	// Options configures a Scorer.
	Options struct {
		// Embedder powers semantic alignment. Nil falls back to a lexical
		// approximation.
		Embedder embed.Embedder

		// Window is how many recent turns per agent feed each computation.
		// Zero means DefaultWindow.
		Window int

		// MinPhraseFreq is the occurrence count at which a phrase becomes
		// part of an agent's signature. Zero means DefaultMinPhraseFreq.
		MinPhraseFreq int
	}

	// ConvergenceRecord is one measurement of the pair's linguistic state.
	ConvergenceRecord struct {
		// Turn is set by the caller to tag the record with the exchange it
		// measured.
		Turn int `json:"turn"`

		// AAbsorbsB is the share of B's signature phrases appearing in A's
		// recent turns, and BAbsorbsA the reverse.
		AAbsorbsB float64 `json:"aAbsorbsB"`
		BAbsorbsA float64 `json:"bAbsorbsA"`

		// SemanticAlignment is the cosine similarity of the two agents' mean
		// recent-turn embeddings.
		SemanticAlignment float64 `json:"semanticAlignment"`

		// LexicalDivergence is 1 minus the recent vocabulary overlap.
		LexicalDivergence float64 `json:"lexicalDivergence"`

		// CodeSwitchSync measures how closely the agents' code-switching
		// rates track each other.
		CodeSwitchSync float64 `json:"codeSwitchSync"`

		// ResilienceDelta blends the signals above into the scalar the
		// dialogue engine compares against a crisis elasticity threshold.
		ResilienceDelta float64 `json:"resilienceDelta"`

		// Trend classifies the recent ResilienceDelta trajectory.
		Trend string `json:"trend"`

		// TopBorrowed lists up to ten phrases either side has absorbed from
		// the other.
		TopBorrowed []string `json:"topBorrowed,omitempty"`

		// Alarm fires when lexical divergence crosses 0.7.
		Alarm bool `json:"alarm"`
	}
)

// NewScorer returns a Scorer with zero options replaced by defaults.
func NewScorer(opts Options) *Scorer {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	freq := opts.MinPhraseFreq
	if freq <= 0 {
		freq = DefaultMinPhraseFreq
	}
	return &Scorer{
		embedder:      opts.Embedder,
		window:        window,
		minPhraseFreq: freq,
		phrases:       make(map[string]map[string]int),
		turns:         make(map[string][]string),
		vectors:       make(map[string]map[int][]float64),
	}
}

// IngestTurn registers one spoken turn: it bumps the agent's unigram and
// adjacent-bigram counts and appends the raw text to the agent's turn list.
// No embedding work happens here; vectors are computed lazily.
func (s *Scorer) IngestTurn(agentID, text string) {
	reg := s.phrases[agentID]
	if reg == nil {
		reg = make(map[string]int)
		s.phrases[agentID] = reg
	}
	toks := tokenize(text)
	for _, tok := range toks {
		reg[tok]++
	}
	for i := 0; i+1 < len(toks); i++ {
		reg[toks[i]+" "+toks[i+1]]++
	}
	s.turns[agentID] = append(s.turns[agentID], text)
}

// ComputeConvergence measures the pair's current linguistic state. The
// returned record is also folded into the scorer's internal history, which
// drives the trend classification. Embedding failures degrade to the lexical
// approximation; only context cancellation is returned as an error.
func (s *Scorer) ComputeConvergence(ctx context.Context, aID, bID string) (*ConvergenceRecord, error) {
	lexDiv := s.lexicalDivergence(aID, bID)

	semantic, err := s.semanticAlignment(ctx, aID, bID, lexDiv)
	if err != nil {
		return nil, err
	}

	absorbAB := s.absorption(aID, bID)
	absorbBA := s.absorption(bID, aID)
	sync := s.codeSwitchSync(aID, bID)

	delta := 0.3*semantic + 0.2*(absorbAB+absorbBA)/2 + 0.2*sync + 0.3*(1-lexDiv)
	s.history = append(s.history, delta)

	return &ConvergenceRecord{
		AAbsorbsB:         absorbAB,
		BAbsorbsA:         absorbBA,
		SemanticAlignment: semantic,
		LexicalDivergence: lexDiv,
		CodeSwitchSync:    sync,
		ResilienceDelta:   delta,
		Trend:             s.trend(),
		TopBorrowed:       s.topBorrowed(aID, bID),
		Alarm:             lexDiv > 0.7,
	}, nil
}

// DetectWithdrawal reports whether the agent's recent turns show the
// withdrawal pattern: a shrinking vocabulary or sharply shorter turns when
// the last window is split into an earlier and a recent half. Agents with
// fewer than window turns have not produced enough signal and report false.
// window values below 1 use DefaultWithdrawalWindow.
func (s *Scorer) DetectWithdrawal(agentID string, window int) bool {
	if window < 1 {
		window = DefaultWithdrawalWindow
	}
	turns := s.turns[agentID]
	if len(turns) < window {
		return false
	}
	tail := turns[len(turns)-window:]
	half := window / 2
	earlier, recent := tail[:window-half], tail[window-half:]

	earlierVocab := len(vocabulary(earlier))
	earlierLen := meanTokens(earlier)
	if earlierVocab == 0 || earlierLen == 0 {
		return false
	}
	vocabRatio := float64(len(vocabulary(recent))) / float64(earlierVocab)
	lengthRatio := meanTokens(recent) / earlierLen
	return vocabRatio < 0.6 || lengthRatio < 0.5
}

// SignaturePhrases returns the agent's current signature phrases (count at
// least minPhraseFreq) ordered by descending frequency, ties lexicographic.
func (s *Scorer) SignaturePhrases(agentID string) []string {
	reg := s.phrases[agentID]
	var sig []string
	for phrase, n := range reg {
		if n >= s.minPhraseFreq {
			sig = append(sig, phrase)
		}
	}
	sort.Slice(sig, func(i, j int) bool {
		if reg[sig[i]] != reg[sig[j]] {
			return reg[sig[i]] > reg[sig[j]]
		}
		return sig[i] < sig[j]
	})
	return sig
}

// absorption returns the share of the donor's signature phrases present in
// the absorber's recent text.
func (s *Scorer) absorption(absorberID, donorID string) float64 {
	sig := s.SignaturePhrases(donorID)
	if len(sig) == 0 {
		return 0
	}
	joined := strings.ToLower(strings.Join(s.lastWindow(absorberID), " "))
	found := 0
	for _, phrase := range sig {
		if strings.Contains(joined, phrase) {
			found++
		}
	}
	return float64(found) / float64(len(sig))
}

func (s *Scorer) semanticAlignment(ctx context.Context, aID, bID string, lexDiv float64) (float64, error) {
	aTurns := s.lastWindow(aID)
	bTurns := s.lastWindow(bID)
	if len(aTurns) == 0 || len(bTurns) == 0 {
		return 0, nil
	}
	if s.embedder == nil {
		return 1 - lexDiv, nil
	}
	meanA, err := s.meanVector(ctx, aID)
	if err != nil {
		return 0, err
	}
	meanB, err := s.meanVector(ctx, bID)
	if err != nil {
		return 0, err
	}
	if meanA == nil || meanB == nil {
		return 1 - lexDiv, nil
	}
	return embed.Cosine(meanA, meanB), nil
}

// meanVector embeds the agent's window turns, caching per turn index.
// Individual embedding failures are skipped; a nil mean with nil error means
// no vector could be produced.
func (s *Scorer) meanVector(ctx context.Context, agentID string) ([]float64, error) {
	turns := s.turns[agentID]
	start := len(turns) - s.window
	if start < 0 {
		start = 0
	}
	cache := s.vectors[agentID]
	if cache == nil {
		cache = make(map[int][]float64)
		s.vectors[agentID] = cache
	}
	var vecs [][]float64
	for i := start; i < len(turns); i++ {
		if v, ok := cache[i]; ok {
			vecs = append(vecs, v)
			continue
		}
		v, err := s.embedder.Embed(ctx, turns[i])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		cache[i] = v
		vecs = append(vecs, v)
	}
	return embed.Mean(vecs), nil
}

func (s *Scorer) lexicalDivergence(aID, bID string) float64 {
	va := vocabulary(s.lastWindow(aID))
	vb := vocabulary(s.lastWindow(bID))
	if len(va) == 0 || len(vb) == 0 {
		return 1
	}
	shared := 0
	for tok := range va {
		if _, ok := vb[tok]; ok {
			shared++
		}
	}
	smaller := len(va)
	if len(vb) < smaller {
		smaller = len(vb)
	}
	return 1 - float64(shared)/float64(smaller)
}

func (s *Scorer) codeSwitchSync(aID, bID string) float64 {
	ra := codeSwitchRate(s.lastWindow(aID))
	rb := codeSwitchRate(s.lastWindow(bID))
	denom := math.Max(ra, math.Max(rb, 0.01))
	return math.Max(0, 1-math.Abs(ra-rb)/denom)
}

// trend compares the mean of the last three resilience deltas against the
// three before them. Fewer than six measurements default to stable.
func (s *Scorer) trend() string {
	n := len(s.history)
	if n < 6 {
		return TrendStable
	}
	recent := mean(s.history[n-3:])
	prior := mean(s.history[n-6 : n-3])
	switch {
	case recent-prior > 0.05:
		return TrendAccelerating
	case recent-prior < -0.05:
		return TrendDiverging
	default:
		return TrendStable
	}
}

// topBorrowed lists phrases either agent has picked up from the other, donor
// order first B's phrases absorbed by A, then A's absorbed by B.
func (s *Scorer) topBorrowed(aID, bID string) []string {
	var out []string
	seen := make(map[string]bool)
	collect := func(absorberID, donorID string) {
		joined := strings.ToLower(strings.Join(s.lastWindow(absorberID), " "))
		for _, phrase := range s.SignaturePhrases(donorID) {
			if seen[phrase] || !strings.Contains(joined, phrase) {
				continue
			}
			seen[phrase] = true
			out = append(out, phrase)
		}
	}
	collect(aID, bID)
	collect(bID, aID)
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func (s *Scorer) lastWindow(agentID string) []string {
	turns := s.turns[agentID]
	if len(turns) > s.window {
		return turns[len(turns)-s.window:]
	}
	return turns
}

func tokenize(text string) []string {
	raw := wordRE.FindAllString(strings.ToLower(text), -1)
	toks := raw[:0]
	for _, tok := range raw {
		if len(tok) > 1 {
			toks = append(toks, tok)
		}
	}
	return toks
}

func vocabulary(turns []string) map[string]struct{} {
	vocab := make(map[string]struct{})
	for _, turn := range turns {
		for _, tok := range tokenize(turn) {
			vocab[tok] = struct{}{}
		}
	}
	return vocab
}

// meanTokens is the mean token count per turn; turn length for the
// withdrawal signal is measured in words, not characters.
func meanTokens(turns []string) float64 {
	if len(turns) == 0 {
		return 0
	}
	total := 0
	for _, turn := range turns {
		total += len(tokenize(turn))
	}
	return float64(total) / float64(len(turns))
}

func codeSwitchRate(turns []string) float64 {
	if len(turns) == 0 {
		return 0
	}
	switched := 0
	for _, turn := range turns {
		runes := []rune(turn)
		if len(runes) == 0 {
			continue
		}
		nonASCII := 0
		for _, r := range runes {
			if r > 127 {
				nonASCII++
			}
		}
		if float64(nonASCII)/float64(len(runes)) > codeSwitchDensity {
			switched++
		}
	}
	return float64(switched) / float64(len(turns))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
