package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Init phases reported by Timeline.
const (
	PhaseExtensionInit = "extension"
	PhaseAppInit       = "app"
)

// Timeline tracks process lifecycle timing: how long the extension took to
// register, how long the application took to ask for its first invocation,
// and how long each invocation took to process.
type Timeline struct {
	initStart time.Time

	mu         sync.Mutex
	appStart   time.Time
	eventStart time.Time
	firstSeen  bool

	collector *Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewTimeline starts the clock at process start.
func NewTimeline(collector *Collector, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Timeline{
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
	t.initStart = t.now()
	return t
}

// AppStart marks registration: the application runtime may now start.
// Only the first call has an effect.
func (t *Timeline) AppStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appStart.IsZero() {
		t.appStart = t.now()
	}
}

// NextEvent is called each time the application asks for work. The first
// call reports init latencies; later calls report how long the previous
// invocation took.
func (t *Timeline) NextEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.eventStart.IsZero() {
		if t.firstSeen {
			return
		}
		t.firstSeen = true
		appStart := t.appStart
		if appStart.IsZero() {
			appStart = now
		}
		extInit := appStart.Sub(t.initStart)
		appInit := now.Sub(appStart)
		t.logger.Info("Init complete",
			zap.Int64("extension_init_us", extInit.Microseconds()),
			zap.Int64("app_init_us", appInit.Microseconds()),
		)
		t.collector.SetInitDuration(PhaseExtensionInit, extInit)
		t.collector.SetInitDuration(PhaseAppInit, appInit)
		return
	}

	run := now.Sub(t.eventStart)
	t.eventStart = time.Time{}
	t.logger.Info("Invocation complete", zap.Int64("app_run_time_us", run.Microseconds()))
	t.collector.RecordInvocation(run)
}

// EventStart marks the moment an invocation was handed to the application.
func (t *Timeline) EventStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventStart = t.now()
}
