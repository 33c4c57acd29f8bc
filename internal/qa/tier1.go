package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-faster/jx"
	"github.com/itchyny/gojq"

	"github.com/visionforge/visionforge/internal/profiles"
)

// StructuralValidator is the T1 tier (spec §4.E): purely local, target
// latency < 100ms, binary confidence. It never calls the QA model.
type StructuralValidator struct{}

func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

func (v *StructuralValidator) Validate(_ context.Context, in Input) (Outcome, error) {
	if !jx.Valid(in.Output) {
		return Outcome{Pass: false, Categories: []string{"malformed_json"}, Detail: "output is not valid JSON"}, nil
	}

	var doc any
	if err := json.Unmarshal(in.Output, &doc); err != nil {
		return Outcome{Pass: false, Categories: []string{"malformed_json"}, Detail: err.Error()}, nil
	}

	var reasons []string
	for _, rule := range in.Profile.OutputSchema.Fields {
		if err := checkField(doc, rule); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	for _, rule := range in.Profile.OutputSchema.CrossFields {
		if err := checkCrossField(doc, rule); err != nil {
			reasons = append(reasons, err.Error())
		}
	}

	if len(reasons) > 0 {
		return Outcome{Pass: false, Categories: reasons, Detail: strings.Join(reasons, "; ")}, nil
	}
	return Outcome{Pass: true, Confidence: 1}, nil
}

// runJQFirst compiles and runs a gojq path expression against doc,
// returning its first result.
func runJQFirst(path string, doc any) (any, bool, error) {
	parsed, err := gojq.Parse(path)
	if err != nil {
		return nil, false, fmt.Errorf("parse %q: %w", path, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, false, fmt.Errorf("compile %q: %w", path, err)
	}

	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, false, err
	}
	return v, true, nil
}

func checkField(doc any, rule profiles.FieldRule) error {
	val, found, err := runJQFirst(rule.Path, doc)
	if err != nil {
		return fmt.Errorf("field %s: %w", rule.Path, err)
	}
	if !found || val == nil {
		if rule.Required {
			return fmt.Errorf("field %s: required but missing", rule.Path)
		}
		return nil
	}

	if rule.Type != "" && !matchesType(val, rule.Type) {
		return fmt.Errorf("field %s: expected type %s", rule.Path, rule.Type)
	}

	if len(rule.Enum) > 0 {
		s, ok := val.(string)
		if !ok || !containsString(rule.Enum, s) {
			return fmt.Errorf("field %s: value not in enum %v", rule.Path, rule.Enum)
		}
	}

	if rule.MinLength != nil || rule.MaxLength != nil {
		if n, ok := lengthOf(val); ok {
			if rule.MinLength != nil && n < *rule.MinLength {
				return fmt.Errorf("field %s: length %d below minimum %d", rule.Path, n, *rule.MinLength)
			}
			if rule.MaxLength != nil && n > *rule.MaxLength {
				return fmt.Errorf("field %s: length %d above maximum %d", rule.Path, n, *rule.MaxLength)
			}
		}
	}

	if rule.Regex != "" {
		if s, ok := val.(string); ok {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return fmt.Errorf("field %s: invalid regex %q: %w", rule.Path, rule.Regex, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("field %s: value %q does not match %s", rule.Path, s, rule.Regex)
			}
		}
	}
	return nil
}

func checkCrossField(doc any, rule profiles.CrossFieldRule) error {
	val, found, err := runJQFirst(rule.JQ, doc)
	if err != nil {
		return fmt.Errorf("cross_field %s: %w", rule.Name, err)
	}
	if !found || isFalsy(val) {
		return fmt.Errorf("cross_field %s: constraint failed", rule.Name)
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func lengthOf(v any) (int, bool) {
	switch x := v.(type) {
	case string:
		return len(x), true
	case []any:
		return len(x), true
	default:
		return 0, false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	default:
		return false
	}
}
