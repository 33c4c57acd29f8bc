package qa

import (
	"context"
	"testing"

	"github.com/visionforge/visionforge/internal/profiles"
)

func testProfile() *profiles.AnalysisProfile {
	minLen := 1
	return &profiles.AnalysisProfile{
		Type:                       "object_detection",
		DomainExpertPromptTemplate: "Review {{IMAGE}} against draft {{PRIOR_OUTPUT}}.",
		OutputSchema: profiles.OutputSchema{
			Fields: []profiles.FieldRule{
				{Path: ".tags", Required: true, Type: "array", MinLength: &minLen},
				{Path: ".category", Required: true, Type: "string", Enum: []string{"a", "b"}},
			},
			CrossFields: []profiles.CrossFieldRule{
				{Name: "has_tags", JQ: ".tags | length > 0"},
			},
		},
	}
}

func TestStructuralValidator_PassesWellFormedOutput(t *testing.T) {
	v := NewStructuralValidator()
	out, err := v.Validate(context.Background(), Input{
		Profile: testProfile(),
		Output:  []byte(`{"tags":["cat","dog"],"category":"a"}`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !out.Pass {
		t.Fatalf("expected pass, got fail: %v", out.Categories)
	}
}

func TestStructuralValidator_RejectsMalformedJSON(t *testing.T) {
	v := NewStructuralValidator()
	out, err := v.Validate(context.Background(), Input{
		Profile: testProfile(),
		Output:  []byte(`{not json`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Pass {
		t.Fatal("expected fail for malformed JSON")
	}
	if len(out.Categories) != 1 || out.Categories[0] != "malformed_json" {
		t.Fatalf("categories = %v, want [malformed_json]", out.Categories)
	}
}

func TestStructuralValidator_RejectsMissingRequiredField(t *testing.T) {
	v := NewStructuralValidator()
	out, err := v.Validate(context.Background(), Input{
		Profile: testProfile(),
		Output:  []byte(`{"category":"a"}`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Pass {
		t.Fatal("expected fail for missing required field")
	}
}

func TestStructuralValidator_RejectsEnumViolation(t *testing.T) {
	v := NewStructuralValidator()
	out, err := v.Validate(context.Background(), Input{
		Profile: testProfile(),
		Output:  []byte(`{"tags":["cat"],"category":"z"}`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Pass {
		t.Fatal("expected fail for enum violation")
	}
}

func TestStructuralValidator_RejectsCrossFieldViolation(t *testing.T) {
	v := NewStructuralValidator()
	out, err := v.Validate(context.Background(), Input{
		Profile: testProfile(),
		Output:  []byte(`{"tags":[],"category":"a"}`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Pass {
		t.Fatal("expected fail: tags is empty but min_length=1 and has_tags requires non-empty")
	}
}
