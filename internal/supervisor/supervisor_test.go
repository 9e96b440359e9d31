package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/caldwell/syncron/internal/registry"
)

func TestResolveShell(t *testing.T) {
	cases := []struct {
		override, shellEnv, argv0, want string
	}{
		{"/bin/zsh", "/bin/bash", "/usr/bin/syncron", "/bin/zsh"},
		{"", "/bin/bash", "/usr/bin/syncron", "/bin/bash"},
		{"", "/usr/bin/syncron", "/usr/bin/syncron", "/bin/sh"}, // recursion guard
		{"", "", "/usr/bin/syncron", "/bin/sh"},
	}
	for _, c := range cases {
		if got := ResolveShell(c.override, c.shellEnv, c.argv0); got != c.want {
			t.Errorf("ResolveShell(%q,%q,%q) = %q, want %q", c.override, c.shellEnv, c.argv0, got, c.want)
		}
	}
}

func TestMapExitStatusSuccess(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	err := cmd.Run()
	timedOut := make(chan struct{})
	got := mapExitStatus(err, timedOut)
	if got.Kind != registry.KindExited || got.Code != 0 {
		t.Fatalf("got %+v, want Exited(0)", got)
	}
}

func TestMapExitStatusNonZero(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	err := cmd.Run()
	timedOut := make(chan struct{})
	got := mapExitStatus(err, timedOut)
	if got.Kind != registry.KindExited || got.Code != 7 {
		t.Fatalf("got %+v, want Exited(7)", got)
	}
}

func TestMapExitStatusTimeout(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	err := cmd.Run()
	timedOut := make(chan struct{})
	close(timedOut)
	got := mapExitStatus(err, timedOut)
	if got.Kind != registry.KindClientTimeout {
		t.Fatalf("got %+v, want ClientTimeout", got)
	}
}

func TestRunFallbackReturnsChildExitCode(t *testing.T) {
	code, err := runFallback(context.Background(), "/bin/sh", Config{Cmd: "exit 3", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Fatalf("got exit code %d, want 3", code)
	}
}
