package ipc

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kibanda/internal/domain"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultResponseTTL  = 10 * time.Minute
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	ResponseTTL  time.Duration // Uncollected responses are removed after this. Default: 10m.
}

// Watcher drains every room's queue on a fixed interval.
type Watcher struct {
	queue    Queue
	handler  Handler
	interval time.Duration
	ttl      time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// NewWatcher creates a Watcher. metrics may be nil.
func NewWatcher(q Queue, h Handler, cfg WatcherConfig, metrics *Metrics, logger *slog.Logger) *Watcher {
	return &Watcher{
		queue:    q,
		handler:  h,
		interval: cmp.Or(cfg.PollInterval, defaultPollInterval),
		ttl:      cmp.Or(cfg.ResponseTTL, defaultResponseTTL),
		metrics:  metrics,
		logger:   logger,
		rooms:    make(map[string]*sync.Mutex),
	}
}

// Run polls until ctx is cancelled. Files claimed before a crash are
// returned to their queues first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.queue.Recover(); err != nil {
		w.logger.Error("ipc recovery failed", slog.String("error", err.Error()))
	}
	w.logger.Info("ipc watcher started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	prune := time.NewTicker(max(w.ttl/2, w.interval))
	defer prune.Stop()
	for {
		w.DrainAll(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("ipc watcher stopped")
			return nil
		case <-prune.C:
			w.PruneResponses()
		case <-ticker.C:
		}
	}
}

// PruneResponses removes uncollected responses older than the TTL from
// every room and returns how many were removed.
func (w *Watcher) PruneResponses() int {
	rooms, err := w.queue.Rooms()
	if err != nil {
		w.logger.Error("listing ipc rooms", slog.String("error", err.Error()))
		return 0
	}
	total := 0
	for _, room := range rooms {
		n, err := w.queue.PruneResponses(room, w.ttl)
		if err != nil {
			w.logger.Warn("pruning ipc responses", slog.String("room", room), slog.String("error", err.Error()))
		}
		total += n
	}
	if total > 0 {
		w.logger.Info("pruned stale ipc responses", slog.Int("count", total))
	}
	return total
}

// DrainAll drains every known room once.
func (w *Watcher) DrainAll(ctx context.Context) {
	rooms, err := w.queue.Rooms()
	if err != nil {
		w.logger.Error("listing ipc rooms", slog.String("error", err.Error()))
		return
	}
	for _, room := range rooms {
		if ctx.Err() != nil {
			return
		}
		w.DrainRoom(ctx, room)
	}
}

// DrainRoom processes a room's pending files in filename order and returns
// how many were consumed. Draining stops at the first file that must be
// retried so a later file never overtakes it.
func (w *Watcher) DrainRoom(ctx context.Context, room string) int {
	lock := w.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	from := Provenance{RoomFolder: room, IsMain: room == domain.MainRoomFolder}
	consumed := 0
	for ctx.Err() == nil {
		e, ok, err := w.queue.Next(room)
		if err != nil {
			w.logger.Error("claiming ipc file", slog.String("room", room), slog.String("error", err.Error()))
			return consumed
		}
		if !ok {
			return consumed
		}
		if !w.process(ctx, from, e) {
			return consumed
		}
		consumed++
	}
	return consumed
}

// process handles one claimed file and reports whether it was consumed.
func (w *Watcher) process(ctx context.Context, from Provenance, e *Entry) bool {
	log := w.logger.With(slog.String("room", e.Room), slog.String("file", e.Name))
	if ts, ok := FileTime(e.Name); ok {
		from.Timestamp = ts
		if w.metrics != nil {
			w.metrics.DrainLatency.Observe(time.Since(ts).Seconds())
		}
	}

	peeked, err := PeekKind(e.Data)
	if err != nil {
		log.Warn("unreadable ipc file", slog.String("error", err.Error()))
		w.observe("unknown", "invalid")
		w.deadLetter(e, err, log)
		return true
	}
	kind := string(peeked)

	// Authorization comes first so a denied sender learns it was denied,
	// whatever shape its payload has.
	err = authorize(from, peeked)
	var resp *Response
	if err == nil {
		var req Request
		if req, err = Decode(e.Data); err == nil {
			resp, err = w.dispatch(ctx, from, req)
		}
	}
	switch {
	case err == nil:
		w.observe(kind, "ok")
		w.finish(e, resp, log)
		return true
	case errors.Is(err, ErrPermissionDenied):
		log.Warn("ipc request denied", slog.String("type", kind), slog.String("error", err.Error()))
		w.observe(kind, string(domain.KindPermission))
		w.finish(e, &Response{Status: ResponseDenied, Error: err.Error()}, log)
		return true
	case errors.Is(err, ErrInvalid):
		log.Warn("ipc request rejected", slog.String("type", kind), slog.String("error", err.Error()))
		w.observe(kind, "invalid")
		w.finish(e, &Response{Status: ResponseInvalid, Error: err.Error()}, log)
		return true
	}

	log.Error("ipc dispatch failed",
		slog.String("type", kind),
		slog.String("kind", string(domain.KindIPCDispatch)),
		slog.Int("attempt", e.Attempts+1),
		slog.String("error", err.Error()),
	)
	w.observe(kind, string(domain.KindIPCDispatch))
	dead, nerr := w.queue.Nack(e, err)
	if nerr != nil {
		log.Error("releasing ipc file", slog.String("error", nerr.Error()))
		return false
	}
	if dead {
		w.countDeadLetter()
		log.Error("ipc file dead-lettered after retries")
		return true
	}
	return false
}

// dispatch runs the handler, converting a panic into a retryable error.
func (w *Watcher) dispatch(ctx context.Context, from Provenance, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panic")
			w.logger.Error("ipc handler panicked", slog.Any("panic", r))
		}
	}()
	return Dispatch(ctx, w.handler, from, req)
}

func (w *Watcher) finish(e *Entry, resp *Response, log *slog.Logger) {
	if err := w.queue.Ack(e); err != nil {
		log.Error("acknowledging ipc file", slog.String("error", err.Error()))
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := w.queue.Respond(e.Room, e.Name, data); err != nil {
		log.Warn("writing ipc response", slog.String("error", err.Error()))
	}
}

func (w *Watcher) deadLetter(e *Entry, cause error, log *slog.Logger) {
	if err := w.queue.DeadLetter(e, cause); err != nil {
		log.Error("dead-lettering ipc file", slog.String("error", err.Error()))
		return
	}
	w.countDeadLetter()
}

func (w *Watcher) observe(kind, outcome string) {
	if w.metrics != nil {
		w.metrics.Processed.WithLabelValues(kind, outcome).Inc()
	}
}

func (w *Watcher) countDeadLetter() {
	if w.metrics != nil {
		w.metrics.DeadLettered.Inc()
	}
}

func (w *Watcher) roomLock(room string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.rooms[room]
	if !ok {
		l = &sync.Mutex{}
		w.rooms[room] = l
	}
	return l
}
