// Package profiles implements the Configuration Registry (spec §4.A): it
// loads, validates, and hot-reloads the 21 Analysis profiles and their
// paired Corrective profiles (one per QA tier, per type), and serves the
// currently-active set to readers through a lock-free snapshot.
package profiles

// AnalysisType is one of the 21 named variants describing what is to be
// extracted from an image (spec glossary: "Analysis type").
type AnalysisType string

// Tier is one of the three QA stages.
type Tier string

const (
	TierStructural    Tier = "structural"
	TierContentQuality Tier = "content_quality"
	TierDomainExpert  Tier = "domain_expert"
)

// Tiers lists the three QA stages in execution order.
var Tiers = []Tier{TierStructural, TierContentQuality, TierDomainExpert}

// ClosedTypes is the closed set of 21 analysis types (spec §4.A: "The 21
// analysis types form a closed set"). Each must have exactly one
// AnalysisProfile and three CorrectiveStages (one per tier).
var ClosedTypes = []AnalysisType{
	"object_detection",
	"scene_description",
	"text_extraction",
	"nsfw_moderation",
	"brand_detection",
	"quality_assessment",
	"color_palette",
	"composition_analysis",
	"face_detection",
	"emotion_recognition",
	"pose_estimation",
	"landmark_recognition",
	"product_identification",
	"style_classification",
	"aesthetic_scoring",
	"caption_generation",
	"tag_extraction",
	"duplicate_detection",
	"watermark_detection",
	"resolution_assessment",
	"accessibility_alt_text",
}

// IsClosedType reports whether t is one of the 21 known analysis types.
func IsClosedType(t AnalysisType) bool {
	for _, c := range ClosedTypes {
		if c == t {
			return true
		}
	}
	return false
}

// FieldRule describes one structural (T1) validation constraint on a
// single field of a parsed analysis output document.
type FieldRule struct {
	// Path is a gojq-compatible path expression, e.g. ".tags[]" or
	// ".confidence".
	Path string `yaml:"path" validate:"required"`

	// Required, when true, fails validation if Path resolves to no value.
	Required bool `yaml:"required"`

	// Type is one of "string", "number", "bool", "array", "object".
	Type string `yaml:"type" validate:"omitempty,oneof=string number bool array object"`

	// Enum, if non-empty, restricts a string value to this set.
	Enum []string `yaml:"enum,omitempty"`

	// MinLength/MaxLength bound a string's length or an array's element count.
	MinLength *int `yaml:"min_length,omitempty"`
	MaxLength *int `yaml:"max_length,omitempty"`

	// Regex, if non-empty, the value (as a string) must match.
	Regex string `yaml:"regex,omitempty"`
}

// CrossFieldRule is a profile-declared jq expression evaluated against the
// whole parsed document; it must evaluate to a truthy result for the
// document to pass (spec §4.E T1: "regex shape constraints" generalized to
// arbitrary cross-field shape constraints via gojq — see SPEC_FULL.md §3.E).
type CrossFieldRule struct {
	Name string `yaml:"name" validate:"required"`
	JQ   string `yaml:"jq" validate:"required"`
}

// OutputSchema is the profile's declared output-schema specification.
type OutputSchema struct {
	Fields      []FieldRule      `yaml:"fields" validate:"required,min=1,dive"`
	CrossFields []CrossFieldRule `yaml:"cross_fields,omitempty" validate:"dive"`
}

// AnalysisProfile is the immutable, versioned bundle of model parameters,
// prompts, and validation rules for one analysis type (spec §3).
type AnalysisProfile struct {
	Type        AnalysisType `yaml:"-"`
	Version     int          `yaml:"version" validate:"required,gte=1"`
	ModelName   string       `yaml:"model_name" validate:"required"`
	Temperature float64      `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP        float64      `yaml:"top_p" validate:"gte=0,lte=1"`
	TopK        int          `yaml:"top_k" validate:"gte=0"`
	ContextSize int          `yaml:"context_size" validate:"gte=1024,lte=131072"`
	MaxOutput   int          `yaml:"max_output_tokens" validate:"required,gte=1"`

	SystemPromptTemplate string `yaml:"system_prompt_template" validate:"required"`
	UserPromptTemplate   string `yaml:"user_prompt_template" validate:"required"`

	// DomainExpertPromptTemplate is T3's review prompt (spec §4.E: "a
	// domain-expert prompt template specific to the analysis type"). It
	// may reference {{IMAGE}} and {{PRIOR_OUTPUT}}, the latter meaning
	// "the output currently under review" here rather than T2/T3's
	// corrective-stage meaning of "the output a correction revises".
	DomainExpertPromptTemplate string `yaml:"domain_expert_prompt_template" validate:"required"`

	OutputSchema OutputSchema `yaml:"output_schema" validate:"required"`

	ProhibitedPhrases []string `yaml:"prohibited_phrases"`

	// T3ConfidenceThreshold resolves spec §9's Open Question: per-profile,
	// default 0.8.
	T3ConfidenceThreshold float64 `yaml:"t3_confidence_threshold" validate:"gte=0,lte=1"`

	// QACallTimeoutSeconds bounds each QA agent call (review and
	// corrective) for this type; zero means the 30s default (spec §5:
	// "Every model call has a wall-clock deadline from its profile
	// (default 60s; QA default 30s)").
	QACallTimeoutSeconds int `yaml:"qa_call_timeout_seconds" validate:"gte=0,lte=300"`

	// MaxAttempts bounds QA retries per tier (spec §4.A: "max attempts ∈
	// [1,5]"); spec §4.E fixes this at 3, but the profile may tighten it.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=5"`

	// declaredPlaceholders is populated at load time by the template walk.
	declaredPlaceholders map[string]bool
}

// CorrectiveStage is the (type, tier) corrective profile (spec §3).
type CorrectiveStage struct {
	Type    AnalysisType `yaml:"-"`
	Tier    Tier         `yaml:"-"`
	Version int          `yaml:"version" validate:"required,gte=1"`

	// PromptTemplate must declare {{IMAGE}} and {{PRIOR_OUTPUT}} (spec §4.A:
	// "required in corrective templates").
	PromptTemplate string `yaml:"prompt_template" validate:"required"`

	declaredPlaceholders map[string]bool
}

// ProfileSet is one immutable, fully-validated snapshot of every profile.
// Readers take a snapshot at the start of a task and use it throughout
// (spec §9: "pinning behavior for that task").
type ProfileSet struct {
	Analysis   map[AnalysisType]*AnalysisProfile
	Corrective map[AnalysisType]map[Tier]*CorrectiveStage
	// Generation increments on every successful swap; used for diffing in
	// reload Reports and for audit-trail "config snapshot" references.
	Generation uint64
}

func (s *ProfileSet) analysis(t AnalysisType) (*AnalysisProfile, bool) {
	p, ok := s.Analysis[t]
	return p, ok
}

func (s *ProfileSet) corrective(t AnalysisType, tier Tier) (*CorrectiveStage, bool) {
	byTier, ok := s.Corrective[t]
	if !ok {
		return nil, false
	}
	c, ok := byTier[tier]
	return c, ok
}
