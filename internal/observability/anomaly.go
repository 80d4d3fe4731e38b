package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkaninda/kibanda/internal/config"
)

const (
	defaultAnomalyWindow     = 300 * time.Second
	defaultAnomalyMinSamples = 10
)

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows of outcomes per operation. It warns once when an operation's error
// rate crosses the threshold and again only after it has recovered.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool
	window    time.Duration
	minSample int
	threshold float64
	metrics   *MetricsCollector
	clock     clockwork.Clock
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
// A nil clock means the real clock; metrics may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, metrics *MetricsCollector, clock clockwork.Clock, logger *slog.Logger) *AnomalyDetector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		window:    defaultAnomalyWindow,
		minSample: defaultAnomalyMinSamples,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
	if cfg != nil {
		a.threshold = cfg.ErrorRateThreshold
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.MinSamples > 0 {
			a.minSample = cfg.MinSamples
		}
	}
	return a
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, operation).add(a.clock.Now())
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, operation).add(a.clock.Now())
	a.checkErrorRate(operation)
}

// ErrorRate returns the current error rate of operation and the number of
// samples it was computed from.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// Alerting reports whether operation is currently above the threshold.
func (a *AnomalyDetector) Alerting(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[operation]
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.clock.Now()
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// checkErrorRate flips the alerting state of operation when its rate
// crosses the threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rate(operation)
	if total < a.minSample {
		return
	}

	above := rate > a.threshold
	if above == a.alerting[operation] {
		return
	}
	a.alerting[operation] = above

	if !above {
		if a.logger != nil {
			a.logger.Info("error rate recovered",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
		return
	}
	if a.metrics != nil {
		a.metrics.AnomaliesTotal.WithLabelValues(operation).Inc()
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
