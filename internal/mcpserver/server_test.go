package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kibanda/internal/ipc"
	"github.com/jkaninda/kibanda/internal/orchestrator"
)

type call struct {
	kind string
	from ipc.Provenance
	req  any
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (h *fakeHandler) record(kind string, from ipc.Provenance, req any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{kind: kind, from: from, req: req})
	return h.err
}

func (h *fakeHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func (h *fakeHandler) SendMessage(_ context.Context, from ipc.Provenance, req *ipc.Message) error {
	return h.record("message", from, req)
}

func (h *fakeHandler) ScheduleTask(_ context.Context, from ipc.Provenance, req *ipc.ScheduleTask) (string, error) {
	if err := h.record("schedule_task", from, req); err != nil {
		return "", err
	}
	return "task-1", nil
}

func (h *fakeHandler) PauseTask(_ context.Context, from ipc.Provenance, id string) error {
	return h.record("pause_task", from, id)
}

func (h *fakeHandler) ResumeTask(_ context.Context, from ipc.Provenance, id string) error {
	return h.record("resume_task", from, id)
}

func (h *fakeHandler) CancelTask(_ context.Context, from ipc.Provenance, id string) error {
	return h.record("cancel_task", from, id)
}

func (h *fakeHandler) RegisterGroup(_ context.Context, from ipc.Provenance, req *ipc.RegisterGroup) error {
	return h.record("register_group", from, req)
}

func (h *fakeHandler) RefreshGroups(_ context.Context, from ipc.Provenance) error {
	return h.record("refresh_groups", from, nil)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHostedServer returns a tool server for room whose requests are
// answered by a real watcher draining into h.
func newHostedServer(t *testing.T, room string, h *fakeHandler) *Server {
	t.Helper()
	root := t.TempDir()
	q, err := ipc.NewDirQueue(root, 3)
	if err != nil {
		t.Fatalf("NewDirQueue: %v", err)
	}
	if err := q.EnsureRoom(room); err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	w := ipc.NewWatcher(q, h, ipc.WatcherConfig{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			w.DrainRoom(ctx, room)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s, err := New(Config{
		IPCDir:          filepath.Join(root, room),
		Room:            room,
		IsMain:          room == "main",
		ResponseTimeout: 5 * time.Second,
		PollInterval:    5 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func callTool(t *testing.T, fn server.ToolHandlerFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := fn(context.Background(), req)
	if err != nil {
		t.Fatalf("tool returned error: %v", err)
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), res.IsError
}

func TestSendMessage(t *testing.T) {
	h := &fakeHandler{}
	s := newHostedServer(t, "team", h)

	text, isErr := callTool(t, s.sendMessage, map[string]any{"text": "build is green"})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}

	calls := h.snapshot()
	if len(calls) != 1 || calls[0].kind != "message" {
		t.Fatalf("calls = %+v, want one message", calls)
	}
	if calls[0].from.RoomFolder != "team" || calls[0].from.IsMain {
		t.Errorf("provenance = %+v, want non-main team", calls[0].from)
	}
	if msg := calls[0].req.(*ipc.Message); msg.Text != "build is green" || msg.ChatRef != "" {
		t.Errorf("message = %+v", msg)
	}
}

func TestScheduleTask(t *testing.T) {
	h := &fakeHandler{}
	s := newHostedServer(t, "team", h)

	text, isErr := callTool(t, s.scheduleTask, map[string]any{
		"prompt":         "summarize the inbox",
		"schedule_type":  "cron",
		"schedule_value": "0 9 * * 1",
		"context_mode":   "group",
	})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "task-1") {
		t.Errorf("result %q should carry the task id", text)
	}
	req := h.snapshot()[0].req.(*ipc.ScheduleTask)
	if req.ScheduleValue != "0 9 * * 1" || req.ContextMode != "group" {
		t.Errorf("request = %+v", req)
	}
}

func TestMainOnlyTools(t *testing.T) {
	args := map[string]any{"chat_ref": "123@g.us", "name": "Family", "folder": "family", "trigger": "@Andy"}

	t.Run("denied outside main", func(t *testing.T) {
		h := &fakeHandler{}
		s := newHostedServer(t, "team", h)
		text, isErr := callTool(t, s.registerGroup, args)
		if !isErr || !strings.Contains(text, "denied") {
			t.Errorf("result = %q (error %v), want denial", text, isErr)
		}
		if len(h.snapshot()) != 0 {
			t.Error("handler must not run for a denied request")
		}
	})

	t.Run("allowed in main", func(t *testing.T) {
		h := &fakeHandler{}
		s := newHostedServer(t, "main", h)
		text, isErr := callTool(t, s.registerGroup, args)
		if isErr {
			t.Fatalf("unexpected error result: %s", text)
		}
		calls := h.snapshot()
		if len(calls) != 1 || !calls[0].from.IsMain {
			t.Errorf("calls = %+v", calls)
		}
	})
}

func TestTaskActions(t *testing.T) {
	tests := []struct {
		tool string
		kind string
	}{
		{"pause_task", "pause_task"},
		{"resume_task", "resume_task"},
		{"cancel_task", "cancel_task"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			h := &fakeHandler{}
			s := newHostedServer(t, "team", h)
			if text, isErr := callTool(t, s.taskAction(tt.tool), map[string]any{"task_id": "t-9"}); isErr {
				t.Fatalf("unexpected error result: %s", text)
			}
			calls := h.snapshot()
			if len(calls) != 1 || calls[0].kind != tt.kind || calls[0].req != "t-9" {
				t.Errorf("calls = %+v", calls)
			}
		})
	}
}

func TestInvalidRequestIsReported(t *testing.T) {
	h := &fakeHandler{err: fmt.Errorf("%w: task t-1 not found", ipc.ErrInvalid)}
	s := newHostedServer(t, "team", h)

	text, isErr := callTool(t, s.taskAction("cancel_task"), map[string]any{"task_id": "t-1"})
	if !isErr || !strings.Contains(text, "not found") {
		t.Errorf("result = %q (error %v), want the host's reason", text, isErr)
	}
}

func TestMissingArgument(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{IPCDir: dir}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, isErr := callTool(t, s.sendMessage, map[string]any{}); !isErr {
		t.Error("missing text should be an error result")
	}
	if _, err := os.Stat(filepath.Join(dir, ipc.DirMessages)); !os.IsNotExist(err) {
		t.Error("no request file should be written for a bad call")
	}
}

func TestHostTimeout(t *testing.T) {
	s, err := New(Config{
		IPCDir:          t.TempDir(),
		ResponseTimeout: 50 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, isErr := callTool(t, s.refreshGroups, nil)
	if !isErr || !strings.Contains(text, "did not answer") {
		t.Errorf("result = %q (error %v), want timeout", text, isErr)
	}
}

func TestSnapshots(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{IPCDir: dir}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if text, _ := callTool(t, s.listTasks, nil); text != "No scheduled tasks." {
		t.Errorf("empty listing = %q", text)
	}

	body := `[{"id":"t-1","prompt":"ping","status":"active"}]`
	if err := os.WriteFile(filepath.Join(dir, orchestrator.TasksSnapshot), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if text, _ := callTool(t, s.listTasks, nil); text != body {
		t.Errorf("listing = %q, want snapshot contents", text)
	}

	if _, isErr := callTool(t, s.listGroups, nil); !isErr {
		t.Error("list_groups outside main should be refused")
	}
}

func TestNewRequiresIPCDir(t *testing.T) {
	if _, err := New(Config{}, testLogger()); err == nil {
		t.Error("expected error without an ipc directory")
	}
}
