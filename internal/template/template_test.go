package template

import (
	"strings"
	"testing"
)

func testCtx() Context {
	return Context{
		"server": map[string]any{
			"hostname": "web-01",
			"os_type":  "linux",
			"port":     22,
		},
		"labels": map[string]string{
			"service": "nginx",
		},
		"is_active": "active",
		"empty":     "",
	}
}

func TestRenderSimple(t *testing.T) {
	got, err := Render("systemctl restart {{labels.service}} on {{server.hostname}}", testCtx())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "systemctl restart nginx on web-01"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderNonStringValue(t *testing.T) {
	got, err := Render("port={{server.port}}", testCtx())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "port=22" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderUndefinedFails(t *testing.T) {
	_, err := Render("echo {{no.such.var}}", testCtx())
	if err == nil {
		t.Fatal("expected error for undefined variable")
	}
	if !strings.Contains(err.Error(), "no.such.var") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestFilters(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{{server.hostname | upper}}", "WEB-01"},
		{"{{server.hostname | upper | lower}}", "web-01"},
		{"{{missing | default:fallback}}", "fallback"},
		{"{{missing | default:\"quoted\"}}", "quoted"},
		{"{{empty | default:filled}}", "filled"},
		{"{{is_active | upper}}", "ACTIVE"},
	}
	for _, c := range cases {
		got, err := Render(c.in, testCtx())
		if err != nil {
			t.Fatalf("Render(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Render(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUnknownFilterFails(t *testing.T) {
	if _, err := Render("{{is_active | shout}}", testCtx()); err == nil {
		t.Fatal("expected error for unknown filter")
	}
}

func TestRenderLenientKeepsUnresolved(t *testing.T) {
	got := RenderLenient("{{labels.service}}-{{not.there}}", testCtx())
	if got != "nginx-{{not.there}}" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderRoundTripIdentity(t *testing.T) {
	// Rendering an already-rendered string again must be the identity.
	ctx := testCtx()
	once, err := Render("restart {{labels.service}} now", ctx)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	twice, err := Render(once, ctx)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if once != twice {
		t.Fatalf("round trip not identity: %q vs %q", once, twice)
	}
}

func TestMerge(t *testing.T) {
	base := Context{"a": "1", "b": "2"}
	out := Merge(base, Context{"b": "3", "c": "4"})
	if out["a"] != "1" || out["b"] != "3" || out["c"] != "4" {
		t.Fatalf("unexpected merge result: %v", out)
	}
	if base["b"] != "2" {
		t.Fatal("Merge modified its input")
	}
}
