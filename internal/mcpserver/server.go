// Package mcpserver exposes the IPC channel to agents as MCP tools.
//
// It runs inside the sandbox as a stdio MCP server. Every tool call is
// written as a request file into the room's IPC namespace, and the call
// returns once the host has answered. The server never decides what a
// room may do; the host does, based on the directory the file landed in.
package mcpserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kibanda/internal/ipc"
	"github.com/jkaninda/kibanda/internal/orchestrator"
)

const (
	defaultResponseTimeout = 30 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
)

// Config configures the tool server. The sandbox runner exports IPCDir,
// Room and IsMain as KIBANDA_IPC_DIR, KIBANDA_ROOM and KIBANDA_IS_MAIN.
type Config struct {
	IPCDir          string
	Room            string
	IsMain          bool
	Version         string
	ResponseTimeout time.Duration // How long a call waits for the host.
	PollInterval    time.Duration
}

// ConfigFromEnv reads the sandbox environment.
func ConfigFromEnv() Config {
	return Config{
		IPCDir: os.Getenv("KIBANDA_IPC_DIR"),
		Room:   os.Getenv("KIBANDA_ROOM"),
		IsMain: os.Getenv("KIBANDA_IS_MAIN") == "true",
	}
}

// Server is the in-sandbox MCP tool server.
type Server struct {
	cfg    Config
	writer *ipc.Writer
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates a Server and registers its tools. Main-only tools are
// registered for every room; the host refuses them for non-main rooms.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.IPCDir == "" {
		return nil, fmt.Errorf("ipc directory is required (KIBANDA_IPC_DIR)")
	}
	cfg.ResponseTimeout = cmp.Or(cfg.ResponseTimeout, defaultResponseTimeout)
	cfg.PollInterval = cmp.Or(cfg.PollInterval, defaultPollInterval)
	cfg.Version = cmp.Or(cfg.Version, "dev")

	s := &Server{
		cfg:    cfg,
		writer: &ipc.Writer{Dir: cfg.IPCDir},
		mcp:    server.NewMCPServer("kibanda", cfg.Version, server.WithToolCapabilities(false)),
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp tool server started",
		slog.String("room", s.cfg.Room),
		slog.Bool("main", s.cfg.IsMain),
	)
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the current room right away, while you keep working. "+
			"The main room may address another room with chat_ref."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("chat_ref", mcp.Description("Target room chat reference (main room only). Empty = this room.")),
	), s.sendMessage)

	s.mcp.AddTool(mcp.NewTool("schedule_task",
		mcp.WithDescription("Schedule a prompt to run later or on a recurring schedule. "+
			"cron uses five fields in the host timezone; interval is milliseconds; once is a local timestamp like 2026-02-01T15:30:00."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the agent should do when the task fires")),
		mcp.WithString("schedule_type", mcp.Required(), mcp.Enum("cron", "interval", "once")),
		mcp.WithString("schedule_value", mcp.Required(), mcp.Description("Cron expression, interval in ms, or local timestamp")),
		mcp.WithString("context_mode", mcp.Enum("group", "isolated"),
			mcp.Description("group reuses this room's conversation; isolated starts fresh (default)")),
		mcp.WithString("target_group", mcp.Description("Room folder or chat reference to run in (main room only)")),
	), s.scheduleTask)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the scheduled tasks visible to this room."),
	), s.listTasks)

	for _, name := range []string{"pause_task", "resume_task", "cancel_task"} {
		verb, _, _ := strings.Cut(name, "_")
		s.mcp.AddTool(mcp.NewTool(name,
			mcp.WithDescription(strings.ToUpper(verb[:1])+verb[1:]+" a scheduled task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID from list_tasks")),
		), s.taskAction(name))
	}

	s.mcp.AddTool(mcp.NewTool("register_group",
		mcp.WithDescription("Register a new room so the assistant answers there (main room only)."),
		mcp.WithString("chat_ref", mcp.Required(), mcp.Description("Chat reference of the room, from list_groups")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Display name")),
		mcp.WithString("folder", mcp.Required(), mcp.Description("Folder name: lowercase letters, digits, '-' or '_'")),
		mcp.WithString("trigger", mcp.Required(), mcp.Description("Trigger word, e.g. @Andy")),
	), s.registerGroup)

	s.mcp.AddTool(mcp.NewTool("list_groups",
		mcp.WithDescription("List registered rooms (main room only)."),
	), s.listGroups)

	s.mcp.AddTool(mcp.NewTool("refresh_groups",
		mcp.WithDescription("Ask the chat service to resync room names (main room only)."),
	), s.refreshGroups)
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.submit(ctx, &ipc.Message{ChatRef: req.GetString("chat_ref", ""), Text: text})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result(resp, "Message sent.")
}

func (s *Server) scheduleTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var fields [3]string
	for i, key := range []string{"prompt", "schedule_type", "schedule_value"} {
		v, err := req.RequireString(key)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fields[i] = v
	}
	resp, err := s.submit(ctx, &ipc.ScheduleTask{
		Prompt:        fields[0],
		ScheduleType:  fields[1],
		ScheduleValue: fields[2],
		ContextMode:   req.GetString("context_mode", ""),
		TargetGroup:   req.GetString("target_group", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if resp.Status == ipc.ResponseOK {
		return mcp.NewToolResultText("Task scheduled: " + resp.TaskID), nil
	}
	return result(resp, "")
}

func (s *Server) listTasks(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.readSnapshot(orchestrator.TasksSnapshot, "No scheduled tasks.")
}

func (s *Server) listGroups(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.cfg.IsMain {
		return mcp.NewToolResultError("only the main room can list groups"), nil
	}
	return s.readSnapshot(orchestrator.GroupsSnapshot, "No rooms registered.")
}

func (s *Server) taskAction(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var r ipc.Request
		switch name {
		case "pause_task":
			r = &ipc.PauseTask{TaskID: id}
		case "resume_task":
			r = &ipc.ResumeTask{TaskID: id}
		default:
			r = &ipc.CancelTask{TaskID: id}
		}
		resp, err := s.submit(ctx, r)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result(resp, fmt.Sprintf("Task %s: %s done.", id, name))
	}
}

func (s *Server) registerGroup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var fields [4]string
	for i, key := range []string{"chat_ref", "name", "folder", "trigger"} {
		v, err := req.RequireString(key)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fields[i] = v
	}
	resp, err := s.submit(ctx, &ipc.RegisterGroup{
		ChatRef: fields[0],
		Name:    fields[1],
		Folder:  fields[2],
		Trigger: fields[3],
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result(resp, "Room "+fields[2]+" registered.")
}

func (s *Server) refreshGroups(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.submit(ctx, &ipc.RefreshGroups{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result(resp, "Room refresh requested.")
}

// submit writes a request file and waits for the host's response.
func (s *Server) submit(ctx context.Context, req ipc.Request) (*ipc.Response, error) {
	name, err := s.writer.Write(req)
	if err != nil {
		return nil, fmt.Errorf("writing %s request: %w", req.Kind(), err)
	}
	s.logger.DebugContext(ctx, "ipc request written",
		slog.String("kind", string(req.Kind())),
		slog.String("file", name),
	)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()
	resp, err := s.writer.WaitResponse(ctx, name, s.cfg.PollInterval)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("host did not answer %s within %s", req.Kind(), s.cfg.ResponseTimeout)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) readSnapshot(name, empty string) (*mcp.CallToolResult, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.IPCDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return mcp.NewToolResultText(empty), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading %s: %v", name, err)), nil
	}
	if trimmed := strings.TrimSpace(string(data)); trimmed == "" || trimmed == "[]" {
		return mcp.NewToolResultText(empty), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// result maps a host response to a tool result.
func result(resp *ipc.Response, okText string) (*mcp.CallToolResult, error) {
	switch resp.Status {
	case ipc.ResponseOK:
		return mcp.NewToolResultText(okText), nil
	case ipc.ResponseDenied:
		return mcp.NewToolResultError("denied: " + resp.Error), nil
	default:
		return mcp.NewToolResultError(cmp.Or(resp.Error, "request failed")), nil
	}
}
