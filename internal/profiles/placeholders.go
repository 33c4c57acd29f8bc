package profiles

import (
	"fmt"
	"sort"
	"text/template"
	"text/template/parse"
)

// basePlaceholders are always legal in every prompt template.
var basePlaceholders = map[string]bool{
	"IMAGE": true,
}

// correctivePlaceholders are additionally required in corrective templates
// (spec §4.A: "{{PRIOR_OUTPUT}} ... required in corrective templates").
var correctivePlaceholders = map[string]bool{
	"IMAGE":        true,
	"PRIOR_OUTPUT": true,
}

// closedPlaceholderFuncs registers every placeholder name the engine ever
// recognizes as a no-op, zero-argument template function, so `template.Parse`
// accepts a bare "{{IMAGE}}"/"{{PRIOR_OUTPUT}}" reference (Go's template
// parser resolves an undotted identifier as a function call and rejects it
// at parse time if no function of that name is registered). Which of these
// names is actually *legal* for a given template kind is enforced
// afterwards by validatePlaceholders's found-vs-allowed diff, not here.
func closedPlaceholderFuncs() template.FuncMap {
	funcs := make(template.FuncMap, len(correctivePlaceholders))
	for name := range correctivePlaceholders {
		funcs[name] = func() string { return "" }
	}
	return funcs
}

// extractPlaceholders parses src as a Go template and walks its syntax tree
// without executing it, returning the set of top-level placeholder names
// referenced (e.g. parsing "{{IMAGE}} is shown" yields {"IMAGE": true}).
//
// Templates are never executed here: this exists purely to enumerate the
// closed placeholder set a profile declares, so Validate can reject typos
// and undeclared placeholders before any task ever reaches a model call.
func extractPlaceholders(name, src string) (map[string]bool, error) {
	t, err := template.New(name).Funcs(closedPlaceholderFuncs()).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("profiles: parse template %s: %w", name, err)
	}

	found := make(map[string]bool)
	for _, tmpl := range t.Templates() {
		if tmpl.Tree == nil {
			continue
		}
		walkNode(tmpl.Tree.Root, found)
	}
	return found, nil
}

func walkNode(n parse.Node, found map[string]bool) {
	switch v := n.(type) {
	case *parse.ListNode:
		if v == nil {
			return
		}
		for _, c := range v.Nodes {
			walkNode(c, found)
		}
	case *parse.ActionNode:
		walkPipe(v.Pipe, found)
	case *parse.IfNode:
		walkPipe(v.Pipe, found)
		walkNode(v.List, found)
		walkNode(v.ElseList, found)
	case *parse.RangeNode:
		walkPipe(v.Pipe, found)
		walkNode(v.List, found)
		walkNode(v.ElseList, found)
	case *parse.WithNode:
		walkPipe(v.Pipe, found)
		walkNode(v.List, found)
		walkNode(v.ElseList, found)
	case *parse.TemplateNode:
		walkPipe(v.Pipe, found)
	}
}

func walkPipe(p *parse.PipeNode, found map[string]bool) {
	if p == nil {
		return
	}
	for _, cmd := range p.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.IdentifierNode:
				// Bare placeholders ("{{IMAGE}}") parse as a zero-argument
				// function call on this identifier.
				found[a.Ident] = true
			case *parse.FieldNode:
				if len(a.Ident) > 0 {
					found[a.Ident[0]] = true
				}
			case *parse.VariableNode:
				if len(a.Ident) > 0 {
					found[a.Ident[0]] = true
				}
			case *parse.ChainNode:
				if f, ok := a.Node.(*parse.FieldNode); ok && len(f.Ident) > 0 {
					found[f.Ident[0]] = true
				}
			}
		}
	}
}

// validatePlaceholders checks that every placeholder found in src is a
// member of allowed, and (for corrective templates) that every member of
// required actually appears. It returns a sorted, deterministic error
// message so repeated validation runs diff cleanly in logs.
func validatePlaceholders(templateName, src string, allowed, required map[string]bool) error {
	found, err := extractPlaceholders(templateName, src)
	if err != nil {
		return err
	}

	var undeclared []string
	for ph := range found {
		if !allowed[ph] {
			undeclared = append(undeclared, ph)
		}
	}
	var missing []string
	for ph := range required {
		if !found[ph] {
			missing = append(missing, ph)
		}
	}
	sort.Strings(undeclared)
	sort.Strings(missing)

	if len(undeclared) == 0 && len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%s: undeclared placeholders %v, missing required placeholders %v",
		templateName, undeclared, missing)
}
