// Package orchestrator connects rooms to sandboxed agent invocations.
//
// Inbound room messages are deduplicated, rate limited, matched against the
// room's trigger and queued per room. Each invocation validates the room's
// mounts, loads its session, runs the agent while the room's IPC queue is
// drained, then delivers the reply (or an explicit failure notice) and
// stores the new session token. The Orchestrator is also the ipc.Handler
// and the scheduler's Runner.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/ipc"
	"github.com/jkaninda/kibanda/internal/mounts"
	"github.com/jkaninda/kibanda/internal/ratelimit"
	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/sandbox"
	"github.com/jkaninda/kibanda/internal/scheduler"
	"github.com/jkaninda/kibanda/internal/session"
	"github.com/jkaninda/kibanda/internal/workspace"
)

const (
	defaultEngineID      = "default"
	defaultQueueDepth    = 3
	defaultDedupeSize    = 4096
	defaultDrainInterval = 500 * time.Millisecond
)

var (
	// ErrRoomBusy is returned when a room's queue is full. The room has
	// already been told.
	ErrRoomBusy = errors.New("room is busy")
	// ErrUnknownRoom is returned for messages from unregistered rooms when
	// auto-registration is off.
	ErrUnknownRoom = errors.New("unknown room")
)

// Inbound is one message received from a chat room.
type Inbound struct {
	ID        string // Protocol event ID, used for deduplication. Optional.
	ChatRef   string
	ChatName  string
	Sender    string
	SenderID  string
	Text      string
	Timestamp time.Time
	Direct    bool // One-to-one conversations never need the trigger.
}

// AgentRunner runs one sandboxed invocation. *sandbox.Runner implements it.
type AgentRunner interface {
	Run(ctx context.Context, in sandbox.Input, ms []mounts.Mount) sandbox.Output
}

// Deliverer posts text to a room through the chat bridge.
type Deliverer interface {
	Deliver(ctx context.Context, chatRef, text string) error
}

// RoomRefresher is implemented by bridges that can resync room metadata.
type RoomRefresher interface {
	RefreshRooms(ctx context.Context) error
}

// OutcomeRecorder tracks invocation outcomes, e.g. for error-rate alerts.
// *observability.AnomalyDetector implements it.
type OutcomeRecorder interface {
	RecordSuccess(operation string)
	RecordError(operation string)
}

// Drainer processes a room's pending IPC files. *ipc.Watcher implements it.
type Drainer interface {
	DrainRoom(ctx context.Context, room string) int
}

// Config tunes the Orchestrator.
type Config struct {
	EngineID      string        // Session namespace of the agent engine.
	QueueDepth    int           // Messages that may wait behind a running invocation.
	DedupeSize    int           // Remembered inbound event IDs.
	DrainInterval time.Duration // IPC drain cadence while an agent runs.
	ProjectDir    string        // Host checkout mounted for the main room.
	Location      *time.Location
}

// Deps are the collaborators of an Orchestrator. Limiter, Allowlist,
// Metrics, Outcomes and Tracer may be nil.
type Deps struct {
	Rooms     *rooms.Registry
	Sessions  session.Store
	Runner    AgentRunner
	Deliverer Deliverer
	Workspace *workspace.Workspace
	Queue     ipc.Queue
	Allowlist *mounts.Allowlist
	Limiter   *ratelimit.Limiter
	Metrics   *Metrics
	Outcomes  OutcomeRecorder
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Orchestrator owns room invocations.
type Orchestrator struct {
	cfg       Config
	rooms     *rooms.Registry
	sessions  session.Store
	runner    AgentRunner
	deliverer Deliverer
	ws        *workspace.Workspace
	queue     ipc.Queue
	allow     *mounts.Allowlist
	limiter   *ratelimit.Limiter
	metrics   *Metrics
	outcomes  OutcomeRecorder
	tracer    trace.Tracer
	logger    *slog.Logger
	seen      *lru.Cache[string, struct{}]
	locks     *roomLocks

	sched     *scheduler.Scheduler
	drainer   Drainer
	refresher RoomRefresher

	mu      sync.Mutex
	pending map[string]*roomQueue // Present while a room has a worker.
	sent    map[string]int        // IPC messages delivered per room folder.
	wg      sync.WaitGroup
}

// roomQueue holds messages waiting behind a room's running invocation.
type roomQueue struct {
	msgs []Inbound
}

// New creates an Orchestrator. Bind must be called before messages flow.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.EngineID = cmp.Or(cfg.EngineID, defaultEngineID)
	cfg.QueueDepth = cmp.Or(cfg.QueueDepth, defaultQueueDepth)
	cfg.DedupeSize = cmp.Or(cfg.DedupeSize, defaultDedupeSize)
	cfg.DrainInterval = cmp.Or(cfg.DrainInterval, defaultDrainInterval)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("kibanda/orchestrator")
	}
	return &Orchestrator{
		cfg:       cfg,
		rooms:     deps.Rooms,
		sessions:  deps.Sessions,
		runner:    deps.Runner,
		deliverer: deps.Deliverer,
		ws:        deps.Workspace,
		queue:     deps.Queue,
		allow:     deps.Allowlist,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		outcomes:  deps.Outcomes,
		tracer:    tracer,
		logger:    deps.Logger,
		seen:      seen,
		locks:     newRoomLocks(),
		pending:   make(map[string]*roomQueue),
		sent:      make(map[string]int),
	}, nil
}

// Bind attaches the scheduler and IPC drainer, which are themselves built
// on top of the Orchestrator.
func (o *Orchestrator) Bind(sched *scheduler.Scheduler, drainer Drainer) {
	o.sched = sched
	o.drainer = drainer
}

// SetRefresher installs the bridge used by refresh_groups.
func (o *Orchestrator) SetRefresher(r RoomRefresher) {
	o.refresher = r
}

// Wait blocks until every queued and running inbound invocation is done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleInbound accepts one room message. Accepted messages are processed
// in the background; the returned error only reports why a message was
// not accepted. Untriggered messages are ignored and return nil.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg Inbound) error {
	if msg.ID != "" {
		if dup, _ := o.seen.ContainsOrAdd(msg.ChatRef+"\x00"+msg.ID, struct{}{}); dup {
			o.countInbound("duplicate")
			return nil
		}
	}

	room, err := o.rooms.Resolve(ctx, msg.ChatRef, msg.ChatName)
	if errors.Is(err, domain.ErrNotFound) {
		o.countInbound("unknown_room")
		return fmt.Errorf("%w: %s", ErrUnknownRoom, msg.ChatRef)
	}
	if err != nil {
		return fmt.Errorf("resolving room: %w", err)
	}
	if !o.rooms.Triggered(room, msg.Text, msg.Direct) {
		o.countInbound("ignored")
		return nil
	}
	if err := o.limiter.Allow(cmp.Or(msg.SenderID, msg.ChatRef)); err != nil {
		o.countInbound("rate_limited")
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if !o.enqueue(room, msg) {
		o.countInbound("busy")
		o.notify(ctx, room, fmt.Sprintf("%s is still working on earlier messages here. Please try again in a moment.", o.rooms.AssistantName()))
		return fmt.Errorf("%w: %s", ErrRoomBusy, room.Folder)
	}
	o.countInbound("accepted")
	return nil
}

// enqueue hands msg to the room's worker, starting one if the room is
// idle. It reports false when the queue is full.
func (o *Orchestrator) enqueue(room *domain.Room, msg Inbound) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.pending[room.Folder]
	if !ok {
		o.pending[room.Folder] = &roomQueue{}
		o.wg.Add(1)
		go o.work(room.Folder, []Inbound{msg})
		return true
	}
	if len(q.msgs) >= o.cfg.QueueDepth {
		return false
	}
	q.msgs = append(q.msgs, msg)
	if o.metrics != nil {
		o.metrics.QueueDepth.Inc()
	}
	return true
}

// work runs invocations for one room until its queue is empty. Messages
// that piled up during a run are answered together by the next one.
func (o *Orchestrator) work(folder string, batch []Inbound) {
	defer o.wg.Done()
	ctx := context.Background()

	for len(batch) > 0 {
		o.answer(ctx, folder, batch)

		o.mu.Lock()
		q := o.pending[folder]
		batch, q.msgs = q.msgs, nil
		if len(batch) == 0 {
			delete(o.pending, folder)
		}
		if o.metrics != nil {
			o.metrics.QueueDepth.Sub(float64(len(batch)))
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) answer(ctx context.Context, folder string, batch []Inbound) {
	room, err := o.rooms.Get(ctx, folder)
	if err != nil {
		o.logger.ErrorContext(ctx, "room disappeared before invocation",
			slog.String("room", folder),
			slog.String("error", err.Error()),
		)
		return
	}

	sentBefore := o.sentCount(folder)
	out := o.invoke(ctx, room, FormatMessages(batch, o.cfg.Location), false, true)

	switch {
	case !out.OK():
		o.notify(ctx, room, FailureNotice(out))
	case strings.TrimSpace(out.ResponseText) != "":
		o.deliver(ctx, room, out.ResponseText, "reply")
	case o.sentCount(folder) == sentBefore:
		o.notify(ctx, room, "Done. (No reply was produced.)")
	}
}

// invoke performs one agent run for room while holding the room's lock.
// Session tokens are read and written only when useSession is set.
func (o *Orchestrator) invoke(ctx context.Context, room *domain.Room, prompt string, scheduled, useSession bool) sandbox.Output {
	trigger := "message"
	if scheduled {
		trigger = "scheduled"
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke",
		trace.WithAttributes(
			attribute.String("room", room.Folder),
			attribute.Bool("main", room.IsMain),
			attribute.String("trigger", trigger),
		),
	)
	defer span.End()
	start := time.Now()

	out := o.runLocked(ctx, room, prompt, scheduled, useSession)

	result := "ok"
	if !out.OK() {
		result = string(out.Kind)
		span.SetStatus(codes.Error, out.Error)
		span.SetAttributes(attribute.String("error.kind", result))
	}
	if o.outcomes != nil {
		if out.OK() {
			o.outcomes.RecordSuccess("invocation")
		} else {
			o.outcomes.RecordError("invocation")
		}
	}
	if o.metrics != nil {
		o.metrics.Invocations.WithLabelValues(trigger, result).Inc()
		o.metrics.Duration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	}
	log := o.logger.With(slog.String("room", room.Folder), slog.String("trigger", trigger))
	if out.OK() {
		log.InfoContext(ctx, "invocation completed", slog.Duration("duration", time.Since(start)))
	} else {
		log.WarnContext(ctx, "invocation failed",
			slog.String("kind", result),
			slog.String("error", out.Error),
			slog.String("diagnostic", out.Diagnostic),
		)
	}
	return out
}

// runLocked holds the room lock from session load to session save, so a
// live reply and a scheduled run in one room never resume the same token.
func (o *Orchestrator) runLocked(ctx context.Context, room *domain.Room, prompt string, scheduled, useSession bool) sandbox.Output {
	unlock, err := o.locks.lock(ctx, room.Folder)
	if err != nil {
		return failure(domain.KindRuntime, "cancelled before start", err)
	}
	defer unlock()
	return o.run(ctx, room, prompt, scheduled, useSession)
}

func (o *Orchestrator) run(ctx context.Context, room *domain.Room, prompt string, scheduled, useSession bool) sandbox.Output {
	if o.queue != nil {
		if err := o.queue.EnsureRoom(room.Folder); err != nil {
			return failure(domain.KindConfiguration, "preparing ipc namespace", err)
		}
	}
	paths, err := o.ws.PrepareRoom(room.Folder, o.cfg.ProjectDir)
	if err != nil {
		return failure(domain.KindConfiguration, "preparing room directories", err)
	}
	base := mounts.Base(paths, room.IsMain)
	ms, err := mounts.Validate(room, base, room.ExtraMounts, o.allow)
	if err != nil {
		return failure(domain.KindConfiguration, err.Error(), err)
	}

	var token string
	if useSession {
		tok, err := o.sessions.Get(ctx, room.Folder, o.cfg.EngineID)
		switch {
		case err == nil:
			token = string(tok)
		case !errors.Is(err, domain.ErrNotFound):
			o.logger.WarnContext(ctx, "loading session failed, starting fresh",
				slog.String("room", room.Folder),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := o.writeSnapshots(ctx, room); err != nil {
		o.logger.WarnContext(ctx, "writing snapshots failed",
			slog.String("room", room.Folder),
			slog.String("error", err.Error()),
		)
	}

	stop := o.drainDuring(ctx, room.Folder)
	out := o.runner.Run(ctx, sandbox.Input{
		Prompt:          prompt,
		RoomFolder:      room.Folder,
		ChatRef:         room.ChatRef,
		IsMain:          room.IsMain,
		SessionToken:    token,
		IsScheduledTask: scheduled,
	}, ms)
	stop()

	if useSession && out.OK() && out.NewSessionToken != "" && out.NewSessionToken != token {
		if err := o.sessions.Put(ctx, room.Folder, o.cfg.EngineID, []byte(out.NewSessionToken)); err != nil {
			o.logger.ErrorContext(ctx, "saving session failed",
				slog.String("room", room.Folder),
				slog.String("error", err.Error()),
			)
		}
	}
	return out
}

// drainDuring drains the room's IPC queue on a ticker until the returned
// function is called; that call performs one final drain before returning.
func (o *Orchestrator) drainDuring(ctx context.Context, folder string) func() {
	if o.drainer == nil {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(o.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.drainer.DrainRoom(ctx, folder)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		o.drainer.DrainRoom(ctx, folder)
	}
}

// RunTask runs a scheduled task against its target room.
func (o *Orchestrator) RunTask(ctx context.Context, task *domain.ScheduledTask) (string, error) {
	room, err := o.rooms.Get(ctx, task.TargetRoomFolder)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("%w: target room %s is not registered", scheduler.ErrFatal, task.TargetRoomFolder)
	}
	if err != nil {
		return "", fmt.Errorf("loading target room: %w", err)
	}

	useSession := task.ContextMode == domain.ContextGroup
	out := o.invoke(ctx, room, task.Prompt, true, useSession)
	if !out.OK() {
		o.notify(ctx, room, fmt.Sprintf("Scheduled task %s failed: %s", task.ID, FailureNotice(out)))
		return "", fmt.Errorf("%s: %s", out.Kind, out.Error)
	}
	if strings.TrimSpace(out.ResponseText) != "" {
		o.deliver(ctx, room, out.ResponseText, "reply")
	}
	return out.ResponseText, nil
}

// FailureNotice is the text a room sees when an invocation fails.
func FailureNotice(out sandbox.Output) string {
	switch out.Kind {
	case domain.KindConfiguration:
		return "I could not start: " + out.Error
	case domain.KindTimeout:
		return "Sorry, that took too long and was stopped."
	case domain.KindParse:
		return "Sorry, I could not understand the agent's answer."
	default:
		return "Sorry, something went wrong while working on that."
	}
}

func (o *Orchestrator) notify(ctx context.Context, room *domain.Room, text string) {
	o.deliver(ctx, room, text, "notice")
}

func (o *Orchestrator) deliver(ctx context.Context, room *domain.Room, text, kind string) {
	err := o.deliverer.Deliver(ctx, room.ChatRef, text)
	status := "ok"
	if err != nil {
		status = "error"
		o.logger.ErrorContext(ctx, "delivery failed",
			slog.String("room", room.Folder),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	if o.metrics != nil {
		o.metrics.Deliveries.WithLabelValues(kind, status).Inc()
	}
}

func (o *Orchestrator) countInbound(outcome string) {
	if o.metrics != nil {
		o.metrics.Inbound.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) markSent(folder string) {
	o.mu.Lock()
	o.sent[folder]++
	o.mu.Unlock()
}

func (o *Orchestrator) sentCount(folder string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent[folder]
}

func failure(kind domain.ErrorKind, msg string, err error) sandbox.Output {
	return sandbox.Output{Status: sandbox.StatusError, Error: msg, Kind: kind, Diagnostic: err.Error()}
}
