package rules

import (
	"regexp"
	"strings"
	"time"
)

// placeholderPattern matches {{path}} markers inside parameter values.
// Paths use the same resolution rules as condition field paths, plus the
// special "now" marker for the current time.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// resolveParams produces a copy of the action's parameter map with every
// placeholder substituted from the execution context. Unresolved
// placeholders become empty values with a diagnostic; interpolation never
// fails an action.
func resolveParams(ec *ExecutionContext, params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(ec, value)
	}
	return resolved
}

func resolveValue(ec *ExecutionContext, value any) any {
	switch v := value.(type) {
	case string:
		return resolveString(ec, v)
	case map[string]any:
		return resolveParams(ec, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(ec, item)
		}
		return out
	}
	return value
}

// resolveString substitutes placeholders in one string value. A value
// that is exactly one placeholder keeps the referenced field's native
// type; placeholders embedded in longer text are stringified.
func resolveString(ec *ExecutionContext, s string) any {
	matches := placeholderPattern.FindStringSubmatch(s)
	if matches != nil && matches[0] == s {
		return lookupPlaceholder(ec, matches[1])
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(strings.Trim(m, "{}"))
		v := lookupPlaceholder(ec, path)
		if v == nil {
			return ""
		}
		return stringify(v)
	})
}

func lookupPlaceholder(ec *ExecutionContext, path string) any {
	if path == "now" {
		return time.Now().UTC()
	}
	v := ec.Lookup(path)
	if v == nil {
		diag("unresolved placeholder, substituting empty value", "path", path)
	}
	return v
}
