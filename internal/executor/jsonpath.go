package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// evalJSONPath evaluates a simplified JSONPath ("$.a.b.0.c") against a JSON
// document: dot-separated keys with numeric list indices. No wildcards,
// slices, or filters.
func evalJSONPath(doc []byte, path string) (string, error) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return "", fmt.Errorf("parse response JSON: %w", err)
	}

	trimmed := strings.TrimPrefix(path, "$.")
	if trimmed == "$" || trimmed == "" {
		return jsonScalar(root)
	}

	current := root
	for _, part := range strings.Split(trimmed, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return "", fmt.Errorf("jsonpath %s: key %q not found", path, part)
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return "", fmt.Errorf("jsonpath %s: %q is not a list index", path, part)
			}
			if idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("jsonpath %s: index %d out of range (len %d)", path, idx, len(node))
			}
			current = node[idx]
		default:
			return "", fmt.Errorf("jsonpath %s: cannot descend into %T at %q", path, current, part)
		}
	}

	return jsonScalar(current)
}

// jsonScalar renders a leaf value as a string. Composite values are
// re-serialized so callers can capture sub-documents.
func jsonScalar(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
