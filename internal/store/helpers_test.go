package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("e.", "id, name,\n\tqueued_at")
	want := "e.id, e.name, e.queued_at"
	if got != want {
		t.Errorf("prefixColumns = %q, want %q", got, want)
	}
}

func TestJSONHelpersNilSafety(t *testing.T) {
	if string(jsonMap(nil)) != "{}" {
		t.Errorf("jsonMap(nil) = %s, want {}", jsonMap(nil))
	}
	if string(jsonStrings(nil)) != "[]" {
		t.Errorf("jsonStrings(nil) = %s, want []", jsonStrings(nil))
	}
	if string(jsonInts(nil)) != "[]" {
		t.Errorf("jsonInts(nil) = %s, want []", jsonInts(nil))
	}
	if string(jsonUUIDs(nil)) != "[]" {
		t.Errorf("jsonUUIDs(nil) = %s, want []", jsonUUIDs(nil))
	}
}

func TestJSONHelpersRoundTrip(t *testing.T) {
	m := map[string]string{"env": "prod"}
	if string(jsonMap(m)) != `{"env":"prod"}` {
		t.Errorf("jsonMap = %s", jsonMap(m))
	}
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if string(jsonUUIDs([]uuid.UUID{id})) != `["6ba7b810-9dad-11d1-80b4-00c04fd430c8"]` {
		t.Errorf("jsonUUIDs = %s", jsonUUIDs([]uuid.UUID{id}))
	}
}
