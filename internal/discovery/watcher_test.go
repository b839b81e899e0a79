package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/avsession/internal/domain"
)

type scriptedLister struct {
	mu    sync.Mutex
	scans [][]domain.Device
	err   error
	calls int
}

func (s *scriptedLister) ListLocalHardware(context.Context, int, bool) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.scans) {
		idx = len(s.scans) - 1
	}
	return s.scans[idx], nil
}

type deviceLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *deviceLog) add(prefix string) func(domain.Device) {
	return func(d domain.Device) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = append(l.entries, prefix+d.ID)
	}
}

func (l *deviceLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

func TestWatcherEmitsScanDifferences(t *testing.T) {
	a := domain.Device{ID: "dev_a", Name: "A"}
	b := domain.Device{ID: "dev_b", Name: "B"}
	c := domain.Device{ID: "dev_c", Name: "C"}
	lister := &scriptedLister{scans: [][]domain.Device{{a, b}, {b, c}}}
	log := &deviceLog{}
	clock := clockwork.NewFakeClock()

	w := NewWatcher(lister, log.add("+"), log.add("-"), WithWatchClock(clock), WithWatchInterval(time.Second))
	require.True(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })
	assert.False(t, w.Start(context.Background()))
	assert.True(t, w.Running())

	require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"+dev_a", "+dev_b"}, log.all())
	assert.Equal(t, []domain.Device{a, b}, w.Devices())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return len(log.all()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"+dev_a", "+dev_b", "-dev_a", "+dev_c"}, log.all())
	assert.Equal(t, []domain.Device{b, c}, w.Devices())

	require.True(t, w.Stop())
	assert.False(t, w.Stop())
	assert.False(t, w.Running())
	assert.Len(t, w.Devices(), 2)
}

func TestWatcherScanNowReportsErrors(t *testing.T) {
	lister := &scriptedLister{err: errors.New("multicast unavailable")}
	w := NewWatcher(lister, nil, nil)

	err := w.ScanNow(context.Background())
	assert.EqualError(t, err, "multicast unavailable")
	assert.Empty(t, w.Devices())
}

func TestWatcherIgnoresDuplicateIDs(t *testing.T) {
	a := domain.Device{ID: "dev_a", Name: "A"}
	lister := &scriptedLister{scans: [][]domain.Device{{a, a}}}
	log := &deviceLog{}
	w := NewWatcher(lister, log.add("+"), log.add("-"))

	require.NoError(t, w.ScanNow(context.Background()))
	require.NoError(t, w.ScanNow(context.Background()))
	assert.Equal(t, []string{"+dev_a"}, log.all())
}

func TestWatcherStopFromAvailableCallback(t *testing.T) {
	a := domain.Device{ID: "dev_a", Name: "A"}
	lister := &scriptedLister{scans: [][]domain.Device{{a}}}
	stopped := make(chan bool, 1)

	var w *Watcher
	w = NewWatcher(lister, func(domain.Device) { stopped <- w.Stop() }, nil,
		WithWatchClock(clockwork.NewFakeClock()), WithWatchInterval(time.Second))
	require.True(t, w.Start(context.Background()))

	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from a device callback did not return")
	}
	assert.False(t, w.Running())
	assert.Equal(t, []domain.Device{a}, w.Devices())
}
