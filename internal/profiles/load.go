package profiles

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// LoadDir reads and validates every profile document under root and
// returns a fully-formed ProfileSet. The expected layout is:
//
//	<root>/<type>/analysis.yaml
//	<root>/<type>/corrective/structural.yaml
//	<root>/<type>/corrective/content_quality.yaml
//	<root>/<type>/corrective/domain_expert.yaml
//
// for each of the 21 closed analysis types. Every document is parsed and
// validated before any profile is considered active; a single malformed
// document fails the entire load (spec §4.A).
func LoadDir(root string) (*ProfileSet, error) {
	set := &ProfileSet{
		Analysis:   make(map[AnalysisType]*AnalysisProfile),
		Corrective: make(map[AnalysisType]map[Tier]*CorrectiveStage),
	}

	var merr error
	for _, t := range ClosedTypes {
		typeDir := filepath.Join(root, string(t))

		ap, err := loadAnalysisProfile(typeDir, t)
		if err != nil {
			merr = multierr.Append(merr, err)
		} else {
			set.Analysis[t] = ap
		}

		byTier := make(map[Tier]*CorrectiveStage, len(Tiers))
		for _, tier := range Tiers {
			cs, err := loadCorrectiveStage(typeDir, t, tier)
			if err != nil {
				merr = multierr.Append(merr, err)
				continue
			}
			byTier[tier] = cs
		}
		if len(byTier) > 0 {
			set.Corrective[t] = byTier
		}
	}
	if merr != nil {
		return nil, fmt.Errorf("profiles.LoadDir(%s): %w", root, merr)
	}

	if err := validateSet(set); err != nil {
		return nil, fmt.Errorf("profiles.LoadDir(%s): %w", root, err)
	}
	return set, nil
}

func loadAnalysisProfile(typeDir string, t AnalysisType) (*AnalysisProfile, error) {
	path := filepath.Join(typeDir, "analysis.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var p AnalysisProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	p.Type = t

	if err := validateAnalysisProfile(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func loadCorrectiveStage(typeDir string, t AnalysisType, tier Tier) (*CorrectiveStage, error) {
	path := filepath.Join(typeDir, "corrective", string(tier)+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var c CorrectiveStage
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.Type = t
	c.Tier = tier

	if err := validateCorrectiveStage(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
