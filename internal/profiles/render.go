package profiles

import (
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplate executes a previously-validated prompt template,
// resolving each placeholder in values to its runtime value. Placeholders
// are the same bare-identifier contract enforced at load time by
// extractPlaceholders ({{IMAGE}}, {{PRIOR_OUTPUT}}): here they become
// zero-argument functions that return the caller-supplied string, instead
// of the no-op stand-ins used for validation.
//
// Callers (internal/worker for the primary analysis prompt,
// internal/qa for the tier-scoped corrective prompt) pass only the
// placeholders their template kind legally uses; an identifier with no
// corresponding entry in values fails to parse, the same failure mode
// load-time validation would have already caught.
func RenderTemplate(name, src string, values map[string]string) (string, error) {
	funcs := make(template.FuncMap, len(values))
	for placeholder, value := range values {
		value := value
		funcs[placeholder] = func() string { return value }
	}

	t, err := template.New(name).Funcs(funcs).Parse(src)
	if err != nil {
		return "", fmt.Errorf("profiles.RenderTemplate(%s): parse: %w", name, err)
	}

	var out strings.Builder
	if err := t.Execute(&out, nil); err != nil {
		return "", fmt.Errorf("profiles.RenderTemplate(%s): execute: %w", name, err)
	}
	return out.String(), nil
}
