package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
)

const defaultWatchInterval = 5 * time.Second

// Lister is the scan primitive a Watcher polls.
type Lister interface {
	ListLocalHardware(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error)
}

type WatcherOption func(*Watcher)

func WithWatchClock(clock clockwork.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = clock }
}

func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithScanTimeout(ms int) WatcherOption {
	return func(w *Watcher) {
		if ms > 0 {
			w.timeoutMS = ms
		}
	}
}

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher rescans the network periodically and reports devices that
// appear or disappear between scans.
type Watcher struct {
	lister      Lister
	onAvailable func(domain.Device)
	onOffline   func(domain.Device)
	clock       clockwork.Clock
	interval    time.Duration
	timeoutMS   int
	logger      *slog.Logger

	scanMu sync.Mutex

	mu     sync.Mutex
	known  map[string]domain.Device
	order  []string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(lister Lister, onAvailable, onOffline func(domain.Device), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		lister:      lister,
		onAvailable: onAvailable,
		onOffline:   onOffline,
		clock:       clockwork.NewRealClock(),
		interval:    defaultWatchInterval,
		timeoutMS:   defaultTimeoutMS,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		known:       map[string]domain.Device{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins background scanning. It reports false when the watcher is
// already running.
func (w *Watcher) Start(ctx context.Context) bool {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		w.logger.Debug("cast_discovery_already_running")
		return false
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.Info("cast_discovery_started", slog.Duration("interval", w.interval))
	go w.loop(loopCtx, done)
	return true
}

// Stop ends background scanning and waits for an in-flight scan. It
// reports false when the watcher was not running. Known devices are kept.
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	w.logger.Info("cast_discovery_stopped")
	return true
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Devices returns the devices seen by the latest scan in scan order.
func (w *Watcher) Devices() []domain.Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Device, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.known[id])
	}
	return out
}

// scanDiff is what changed between two consecutive scans.
type scanDiff struct {
	appeared []domain.Device
	gone     []domain.Device
}

// loop scans on every tick and hands the differences to deliver. It never
// runs callbacks itself, so Stop can always wait for it.
func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	diffs := make(chan scanDiff)
	go w.deliver(ctx, diffs)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		diff, err := w.scan(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("cast_discovery_scan_failed", slog.String("error", err.Error()))
		case err == nil:
			select {
			case diffs <- diff:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// deliver runs the device callbacks of background scans. Nothing joins
// it, so a callback may stop discovery.
func (w *Watcher) deliver(ctx context.Context, diffs <-chan scanDiff) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-diffs:
			w.emit(diff)
		}
	}
}

// ScanNow runs one scan and emits the differences to the previous one on
// the calling goroutine.
func (w *Watcher) ScanNow(ctx context.Context) error {
	diff, err := w.scan(ctx)
	if err != nil {
		return err
	}
	w.emit(diff)
	return nil
}

func (w *Watcher) scan(ctx context.Context) (scanDiff, error) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	found, err := w.lister.ListLocalHardware(ctx, w.timeoutMS, false)
	if err != nil {
		return scanDiff{}, err
	}

	next := make(map[string]domain.Device, len(found))
	order := make([]string, 0, len(found))
	for _, d := range found {
		if _, dup := next[d.ID]; dup {
			continue
		}
		next[d.ID] = d
		order = append(order, d.ID)
	}

	var diff scanDiff
	w.mu.Lock()
	for _, id := range order {
		if _, ok := w.known[id]; !ok {
			diff.appeared = append(diff.appeared, next[id])
		}
	}
	for _, id := range w.order {
		if _, ok := next[id]; !ok {
			diff.gone = append(diff.gone, w.known[id])
		}
	}
	w.known = next
	w.order = order
	w.mu.Unlock()

	metrics.DiscoveredDevices.Set(float64(len(order)))
	return diff, nil
}

func (w *Watcher) emit(diff scanDiff) {
	for _, d := range diff.gone {
		w.logger.Info("cast_device_offline", slog.String("device_id", d.ID), slog.String("name", d.Name))
		if w.onOffline != nil {
			w.onOffline(d)
		}
	}
	for _, d := range diff.appeared {
		w.logger.Info("cast_device_available", slog.String("device_id", d.ID), slog.String("name", d.Name))
		if w.onAvailable != nil {
			w.onAvailable(d)
		}
	}
}
