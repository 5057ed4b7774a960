package executor

import (
	"strings"
	"testing"
)

func TestWrapCommandPlain(t *testing.T) {
	e := NewSSHExecutor("h", 22, SSHCredentials{Username: "admin"})
	got := e.wrapCommand("echo ok", Options{})
	if !strings.HasPrefix(got, `bash -c "$(echo `) {
		t.Fatalf("expected base64 bash wrapper, got %q", got)
	}
	if strings.Contains(got, "sudo") {
		t.Fatalf("no elevation requested but sudo present: %q", got)
	}
}

func TestWrapCommandSudoWithPassword(t *testing.T) {
	e := NewSSHExecutor("h", 22, SSHCredentials{Username: "admin", SudoPassword: "pw"})
	got := e.wrapCommand("systemctl restart nginx", Options{WithElevation: true})
	if !strings.HasPrefix(got, "echo 'pw' | sudo -S ") {
		t.Fatalf("expected sudo -S pipe prefix, got %q", got)
	}
}

func TestWrapCommandSudoWithoutPassword(t *testing.T) {
	e := NewSSHExecutor("h", 22, SSHCredentials{Username: "admin"})
	got := e.wrapCommand("whoami", Options{WithElevation: true})
	if !strings.HasPrefix(got, "sudo bash -c ") {
		t.Fatalf("expected plain sudo prefix, got %q", got)
	}
}

func TestWrapCommandRootSkipsSudo(t *testing.T) {
	e := NewSSHExecutor("h", 22, SSHCredentials{Username: "root", SudoPassword: "pw"})
	got := e.wrapCommand("whoami", Options{WithElevation: true})
	if strings.Contains(got, "sudo") {
		t.Fatalf("root must not sudo: %q", got)
	}
}

func TestBuildShellScript(t *testing.T) {
	got := buildShellScript("run.sh", map[string]string{"B": "2", "A": "1"}, "/opt/app")
	want := `cd '/opt/app' && export A='1'; export B='2'; run.sh`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("got %q", got)
	}
}

func TestBuildConfigNoAuth(t *testing.T) {
	e := NewSSHExecutor("h", 22, SSHCredentials{Username: "admin"})
	if _, err := e.buildConfig(); err == nil {
		t.Fatal("expected error when neither key nor password is set")
	}
}

func TestClassifySSHError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"ssh: unable to authenticate, attempted methods [none password]", ErrAuth},
		{"dial tcp 10.0.0.1:22: connection refused", ErrConnection},
		{"execution timed out after 30s", ErrTimeout},
		{"bash: permission denied", ErrPermission},
		{"something odd", ErrUnknown},
	}
	for _, c := range cases {
		if got := classifySSHError(errString(c.msg)); got != c.want {
			t.Fatalf("classifySSHError(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
