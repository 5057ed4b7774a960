// Package template implements the minimal {{path.to.var}} substitution
// used for runbook commands and API step configs. No code execution, no
// conditionals; just dotted lookups plus a small filter whitelist
// (default, upper, lower).
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Context is a nested lookup tree. Values may be strings, numbers, bools,
// or nested map[string]any / map[string]string levels.
type Context map[string]any

var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes every {{ref}} in s against ctx. An undefined reference
// without a default filter is an error; the step that hit it fails.
func Render(s string, ctx Context) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(refPattern.FindStringSubmatch(match)[1])
		val, err := eval(expr, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderLenient substitutes what it can and leaves unresolved references
// in place. Used by the HTTP executor, where a literal {{x}} in a header
// is preferable to refusing the request.
func RenderLenient(s string, ctx Context) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(refPattern.FindStringSubmatch(match)[1])
		val, err := eval(expr, ctx)
		if err != nil {
			return match
		}
		return val
	})
}

// eval resolves "path.to.var | filter | filter:arg" against ctx.
func eval(expr string, ctx Context) (string, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])

	val, found := lookup(path, ctx)

	for _, raw := range parts[1:] {
		name, arg := parseFilter(strings.TrimSpace(raw))
		switch name {
		case "default":
			if !found || val == "" {
				val = arg
				found = true
			}
		case "upper":
			val = strings.ToUpper(val)
		case "lower":
			val = strings.ToLower(val)
		default:
			return "", fmt.Errorf("unknown template filter %q", name)
		}
	}

	if !found {
		return "", fmt.Errorf("undefined template variable %q", path)
	}
	return val, nil
}

// parseFilter splits "default:fallback" into name and argument. Quotes
// around the argument are stripped.
func parseFilter(s string) (string, string) {
	name, arg, ok := strings.Cut(s, ":")
	if !ok {
		return s, ""
	}
	arg = strings.TrimSpace(arg)
	arg = strings.Trim(arg, `"'`)
	return strings.TrimSpace(name), arg
}

// lookup walks a dotted path through nested maps.
func lookup(path string, ctx Context) (string, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(ctx)

	for _, part := range parts {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return "", false
			}
			current = v
		case Context:
			v, ok := m[part]
			if !ok {
				return "", false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return "", false
			}
			current = v
		default:
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case map[string]any, map[string]string, Context:
		return "", false // a branch node is not a printable value
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// Merge returns a Context containing all entries of base overlaid with
// extra. Neither input is modified.
func Merge(base Context, extra Context) Context {
	out := make(Context, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
