package profiles

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/itchyny/gojq"
	"go.uber.org/multierr"
)

var structValidate = validator.New()

// allowedPlaceholders returns the placeholder set an AnalysisProfile may
// use: a copy of basePlaceholders. A profile cannot declare further
// placeholder names of its own; any name outside the base set is rejected.
func allowedPlaceholders() map[string]bool {
	out := make(map[string]bool, len(basePlaceholders))
	for k, v := range basePlaceholders {
		out[k] = v
	}
	return out
}

// validateAnalysisProfile runs struct-tag validation, gojq-expression
// compilation, and placeholder declaration checks, accumulating every
// violation rather than stopping at the first. LoadDir parses and
// validates all 84 documents (21 analysis + 21x3 corrective) before any
// profile is activated.
func validateAnalysisProfile(p *AnalysisProfile) error {
	var merr error

	if err := structValidate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				merr = multierr.Append(merr, fmt.Errorf("%s/%s: failed %q constraint",
					p.Type, fe.Namespace(), fe.Tag()))
			}
		} else {
			merr = multierr.Append(merr, err)
		}
	}

	for _, fr := range p.OutputSchema.Fields {
		if _, err := gojq.Parse(fr.Path); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("%s: field rule path %q: %w", p.Type, fr.Path, err))
		}
		if fr.MinLength != nil && fr.MaxLength != nil && *fr.MinLength > *fr.MaxLength {
			merr = multierr.Append(merr, fmt.Errorf("%s: field rule %q: min_length > max_length", p.Type, fr.Path))
		}
	}
	for _, cf := range p.OutputSchema.CrossFields {
		if _, err := gojq.Parse(cf.JQ); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("%s: cross-field rule %q: %w", p.Type, cf.Name, err))
		}
	}

	allowed := allowedPlaceholders()
	found, err := extractPlaceholders(string(p.Type)+"/system", p.SystemPromptTemplate)
	if err != nil {
		merr = multierr.Append(merr, err)
	} else if err := validatePlaceholders(string(p.Type)+"/system", p.SystemPromptTemplate, allowed, nil); err != nil {
		merr = multierr.Append(merr, err)
	} else {
		p.declaredPlaceholders = found
	}
	if err := validatePlaceholders(string(p.Type)+"/user", p.UserPromptTemplate, allowed, map[string]bool{"IMAGE": true}); err != nil {
		merr = multierr.Append(merr, err)
	}

	if err := validatePlaceholders(string(p.Type)+"/domain_expert", p.DomainExpertPromptTemplate,
		correctivePlaceholders, map[string]bool{"IMAGE": true}); err != nil {
		merr = multierr.Append(merr, err)
	}

	return merr
}

// validateCorrectiveStage validates a single (type, tier) corrective
// document: struct tags plus the mandatory {{IMAGE}}/{{PRIOR_OUTPUT}}
// placeholder pair.
func validateCorrectiveStage(c *CorrectiveStage) error {
	var merr error

	if err := structValidate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				merr = multierr.Append(merr, fmt.Errorf("%s/%s/%s: failed %q constraint",
					c.Type, c.Tier, fe.Namespace(), fe.Tag()))
			}
		} else {
			merr = multierr.Append(merr, err)
		}
	}

	name := fmt.Sprintf("%s/%s/corrective", c.Type, c.Tier)
	found, err := extractPlaceholders(name, c.PromptTemplate)
	if err != nil {
		merr = multierr.Append(merr, err)
		return merr
	}
	if err := validatePlaceholders(name, c.PromptTemplate, correctivePlaceholders, correctivePlaceholders); err != nil {
		merr = multierr.Append(merr, err)
	}
	c.declaredPlaceholders = found

	return merr
}

// validateSet checks cross-document invariants once every document in a
// candidate ProfileSet has individually validated: every one of the 21
// closed types must have exactly one AnalysisProfile and three
// CorrectiveStages, one per tier.
func validateSet(s *ProfileSet) error {
	var merr error

	for _, t := range ClosedTypes {
		if _, ok := s.Analysis[t]; !ok {
			merr = multierr.Append(merr, fmt.Errorf("profiles: missing analysis profile for type %q", t))
		}
		byTier, ok := s.Corrective[t]
		if !ok {
			merr = multierr.Append(merr, fmt.Errorf("profiles: missing corrective profiles for type %q", t))
			continue
		}
		for _, tier := range Tiers {
			if _, ok := byTier[tier]; !ok {
				merr = multierr.Append(merr, fmt.Errorf("profiles: missing corrective profile for type %q tier %q", t, tier))
			}
		}
	}

	for t := range s.Analysis {
		if !IsClosedType(t) {
			merr = multierr.Append(merr, fmt.Errorf("profiles: analysis profile for unknown type %q", t))
		}
	}

	return merr
}
