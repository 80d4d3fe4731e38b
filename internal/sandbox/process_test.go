package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kibanda/internal/mounts"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func newTestProcessSandbox(t *testing.T) *ProcessSandbox {
	t.Helper()
	skipIfNoShell(t)
	return NewProcessSandbox(ProcessConfig{DefaultTimeout: 10 * time.Second}, testLogger())
}

func TestProcessSandbox_StdinAndExitCode(t *testing.T) {
	sbx := newTestProcessSandbox(t)

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "cat; exit 3"},
		Stdin:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "payload" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestProcessSandbox_NoHostEnv(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	t.Setenv("KIBANDA_TEST_LEAK", "leaked")

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", `printf '%s|%s' "$KIBANDA_TEST_LEAK" "$GIVEN"`},
		Env:     map[string]string{"GIVEN": "yes"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "|yes" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "|yes")
	}
}

func TestProcessSandbox_TranslatesMountPaths(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	room := t.TempDir()
	ipc := t.TempDir()

	res, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", `pwd; printf '%s' "$KIBANDA_IPC_DIR"`},
		WorkingDir: "/workspace/group",
		Env:        map[string]string{"KIBANDA_IPC_DIR": "/workspace/ipc"},
		Mounts: []mounts.Mount{
			{HostPath: room, ContainerPath: "/workspace/group"},
			{HostPath: ipc, ContainerPath: "/workspace/ipc"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.SplitN(res.Stdout, "\n", 2)
	gotDir, _ := filepath.EvalSymlinks(lines[0])
	wantDir, _ := filepath.EvalSymlinks(room)
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
	if lines[1] != ipc {
		t.Errorf("KIBANDA_IPC_DIR = %q, want %q", lines[1], ipc)
	}
}

func TestProcessSandbox_TimeoutKillsProcessTree(t *testing.T) {
	sbx := newTestProcessSandbox(t)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", `sleep 30 & echo $! > "$PIDFILE"; wait`},
		Env:     map[string]string{"PIDFILE": pidFile},
		Timeout: 300 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute took %s after timeout", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parsing child pid: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for processAlive(t, pid) {
		if time.Now().After(deadline) {
			t.Fatalf("child process %d still alive after timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(t *testing.T, pid int) bool {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("/proc not available")
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// State follows the parenthesised command name.
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] != 'Z'
}

func TestLimitedWriter(t *testing.T) {
	var b strings.Builder
	w := &limitedWriter{w: &b, remaining: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v; want 6, nil", n, err)
	}
	if b.String() != "abcd" || !w.truncated {
		t.Errorf("buffer = %q truncated = %v", b.String(), w.truncated)
	}
}
