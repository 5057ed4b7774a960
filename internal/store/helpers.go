package store

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, for RETURNING clauses on aliased updates.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// jsonMap marshals a string map for a jsonb column. Nil becomes {} so
// NOT NULL DEFAULT '{}' columns stay clean.
func jsonMap(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return b
}

func jsonStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func jsonInts(v []int) []byte {
	if v == nil {
		v = []int{}
	}
	b, _ := json.Marshal(v)
	return b
}

func jsonUUIDs(v []uuid.UUID) []byte {
	if v == nil {
		v = []uuid.UUID{}
	}
	b, _ := json.Marshal(v)
	return b
}
