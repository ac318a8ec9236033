package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dyadlab/relmc/sim/profile"
)

// pairFile is the YAML shape of a --profiles file: a pair ID plus two
// complete shadow profiles.
type pairFile struct {
	PairID string       `yaml:"pairId"`
	A      *profileSpec `yaml:"a"`
	B      *profileSpec `yaml:"b"`
}

type profileSpec struct {
	AgentID             string             `yaml:"agentId"`
	Values              map[string]float64 `yaml:"values"`
	Attachment          string             `yaml:"attachment"`
	FearArchitecture    []string           `yaml:"fearArchitecture"`
	LinguisticSignature []string           `yaml:"linguisticSignature"`
	EntropyTolerance    float64            `yaml:"entropyTolerance"`
	Communication       string             `yaml:"communication"`
}

// loadPair reads and validates a profile pair file.
func loadPair(path string) (string, *profile.ShadowProfile, *profile.ShadowProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, nil, fmt.Errorf("read profiles: %w", err)
	}
	return parsePair(data)
}

func parsePair(data []byte) (string, *profile.ShadowProfile, *profile.ShadowProfile, error) {
	var pf pairFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", nil, nil, fmt.Errorf("parse profiles: %w", err)
	}
	if pf.A == nil || pf.B == nil {
		return "", nil, nil, fmt.Errorf("profiles file must define both \"a\" and \"b\"")
	}
	a := pf.A.toProfile()
	b := pf.B.toProfile()
	if err := a.Validate(); err != nil {
		return "", nil, nil, err
	}
	if err := b.Validate(); err != nil {
		return "", nil, nil, err
	}
	if a.AgentID == b.AgentID {
		return "", nil, nil, fmt.Errorf("profiles: agent IDs must differ, both are %q", a.AgentID)
	}
	return pf.PairID, a, b, nil
}

func (s *profileSpec) toProfile() *profile.ShadowProfile {
	return &profile.ShadowProfile{
		AgentID:             s.AgentID,
		Values:              s.Values,
		Attachment:          profile.AttachmentStyle(s.Attachment),
		FearArchitecture:    s.FearArchitecture,
		LinguisticSignature: s.LinguisticSignature,
		EntropyTolerance:    s.EntropyTolerance,
		Communication:       profile.CommunicationStyle(s.Communication),
	}
}
