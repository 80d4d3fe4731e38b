package sandbox

import (
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/kibanda/internal/mounts"
)

func TestBwrapSandbox_Args(t *testing.T) {
	sbx := NewBwrapSandbox(BwrapConfig{}, testLogger())
	args := sbx.buildArgs(ExecutionRequest{
		Command: []string{"agent", "--stdio"},
		Env:     map[string]string{"KIBANDA_ROOM": "team"},
		Mounts: []mounts.Mount{
			{HostPath: "/srv/rooms/team", ContainerPath: "/workspace/group"},
			{HostPath: "/srv/global", ContainerPath: "/workspace/global", ReadOnly: true},
		},
	})

	for _, want := range []string{"--unshare-pid", "--unshare-net", "--die-with-parent"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q", want)
		}
	}

	sep := slices.Index(args, "--")
	if sep < 0 || !slices.Equal(args[sep+1:], []string{"agent", "--stdio"}) {
		t.Fatalf("command not after separator: %v", args)
	}

	bind := slices.Index(args, "/srv/rooms/team")
	if bind < 1 || args[bind-1] != "--bind" {
		t.Errorf("room dir should be a writable bind")
	}
	ro := slices.Index(args, "/srv/global")
	if ro < 1 || args[ro-1] != "--ro-bind" {
		t.Errorf("global dir should be a read-only bind")
	}

	withNet := NewBwrapSandbox(BwrapConfig{NetworkAllowed: true}, testLogger()).buildArgs(ExecutionRequest{Command: []string{"x"}})
	if slices.Contains(withNet, "--unshare-net") {
		t.Error("network namespace should be shared when allowed")
	}
}

func TestBwrapSandbox_EnvStaysOutOfArgs(t *testing.T) {
	req := ExecutionRequest{
		Command: []string{"agent"},
		Env:     map[string]string{"KIBANDA_TOKEN": "tok-secret-value", "ANTHROPIC_API_KEY": "sk-secret-value"},
	}
	args := NewBwrapSandbox(BwrapConfig{}, testLogger()).buildArgs(req)
	for _, a := range args {
		if strings.Contains(a, "secret-value") {
			t.Errorf("secret value in argv: %q", a)
		}
	}

	env := bwrapEnv(req.Env)
	want := []string{
		"HOME=/home/agent",
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=dumb",
		"ANTHROPIC_API_KEY=sk-secret-value",
		"KIBANDA_TOKEN=tok-secret-value",
	}
	if !slices.Equal(env, want) {
		t.Errorf("bwrapEnv() = %v, want %v", env, want)
	}
}
