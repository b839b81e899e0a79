package discovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/avsession/internal/domain"
)

type fakeAdapter struct {
	loadAllDevices func(delaySeconds int) ([]devices.Device, error)
	startLoopCalls atomic.Int32
}

func (f *fakeAdapter) StartChromecastDiscoveryLoop(context.Context) {
	f.startLoopCalls.Add(1)
}

func (f *fakeAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	if f.loadAllDevices == nil {
		return nil, errors.New("not configured")
	}
	return f.loadAllDevices(delaySeconds)
}

func alwaysUp(context.Context, string) bool { return true }

func TestListLocalHardware_NormalizationSortingAndStableIDs(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) {
			return []devices.Device{
				{Name: "Kitchen Speaker (Chromecast Audio)", Addr: "http://192.168.1.30:8009", Type: "Chromecast", IsAudioOnly: true},
				{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA"},
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}
	s := NewScanner(adapter, WithProbe(alwaysUp))

	first, err := s.ListLocalHardware(context.Background(), 2500, true)
	if err != nil {
		t.Fatalf("list local hardware: %v", err)
	}
	second, err := s.ListLocalHardware(context.Background(), 2500, true)
	if err != nil {
		t.Fatalf("list local hardware (second call): %v", err)
	}

	if len(first) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(first))
	}
	if n := adapter.startLoopCalls.Load(); n != 1 {
		t.Fatalf("expected discovery loop to start once, got %d", n)
	}
	if first[0].Protocol != domain.ProtocolDLNA {
		t.Fatalf("expected first protocol dlna, got %q", first[0].Protocol)
	}
	if first[1].Protocol != domain.ProtocolChromecast || first[2].Protocol != domain.ProtocolChromecast {
		t.Fatalf("expected chromecast devices after dlna, got %q and %q", first[1].Protocol, first[2].Protocol)
	}
	if first[0].Capabilities.SupportsHLSM3U8URL {
		t.Fatal("expected dlna hls support to be false")
	}
	if len(first[0].Capabilities.Limitations) == 0 || first[0].Capabilities.Limitations[0].Code != "HLS_M3U8_URL_UNSUPPORTED" {
		t.Fatalf("unexpected dlna limitations: %+v", first[0].Capabilities.Limitations)
	}
	if got := first[0].Capabilities.Commands; len(got) != 3 || got[0] != domain.CastCommandPlay {
		t.Fatalf("unexpected dlna cast commands: %v", got)
	}
	if got := first[1].Capabilities.Commands; len(got) != 1 || got[0] != domain.CastCommandStop {
		t.Fatalf("unexpected chromecast cast commands: %v", got)
	}
	if !first[1].Capabilities.SupportsHLSM3U8URL {
		t.Fatal("expected chromecast to accept hls urls")
	}
	if first[1].Name != "Kitchen Speaker (Chromecast Audio)" || !first[1].IsAudioOnly {
		t.Fatal("expected audio-only flag to survive normalization")
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("expected stable IDs across calls at index %d", i)
		}
	}
}

func TestListLocalHardware_UnreachableDevicesAreDropped(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) {
			return []devices.Device{
				{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA"},
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}
	s := NewScanner(adapter, WithProbe(func(_ context.Context, address string) bool {
		return address == "http://192.168.1.10:1400/desc.xml"
	}))

	filtered, err := s.ListLocalHardware(context.Background(), 2500, false)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Bedroom TV", filtered[0].Name)

	all, err := s.ListLocalHardware(context.Background(), 2500, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListLocalHardware_TimeoutReturnsEmptyList(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) {
			time.Sleep(120 * time.Millisecond)
			return []devices.Device{{Name: "Late Device", Addr: "http://192.168.1.50:8009", Type: "Chromecast"}}, nil
		},
	}
	s := NewScanner(adapter)

	start := time.Now()
	items, err := s.ListLocalHardware(context.Background(), 20, true)
	if err != nil {
		t.Fatalf("list local hardware: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected timeout to return empty list, got %d items", len(items))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected timeout behavior, elapsed=%s", elapsed)
	}
}

func TestListLocalHardware_RetriesWithinTimeoutToCatchWarmupDevices(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) {
			if calls.Add(1) == 1 {
				return nil, devices.ErrNoDeviceAvailable
			}
			return []devices.Device{
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}
	s := NewScanner(adapter, WithProbe(alwaysUp))

	items, err := s.ListLocalHardware(context.Background(), 4500, true)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestListLocalHardware_AdapterErrors(t *testing.T) {
	_, err := NewScanner(nil).ListLocalHardware(context.Background(), 100, true)
	assert.ErrorIs(t, err, ErrNoAdapter)

	broken := errors.New("mdns socket closed")
	s := NewScanner(&fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) { return nil, broken },
	})
	_, err = s.ListLocalHardware(context.Background(), 500, true)
	assert.ErrorIs(t, err, broken)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ListLocalHardware(ctx, 500, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimeoutToDelaySecondsRoundsUp(t *testing.T) {
	for timeoutMS, want := range map[int]int{2500: 3, 2000: 2, 1: 1, 0: 1, -5: 1} {
		if got := timeoutToDelaySeconds(timeoutMS); got != want {
			t.Fatalf("timeoutToDelaySeconds(%d) = %d, want %d", timeoutMS, got, want)
		}
	}
}

func TestStableIDIgnoresDefaultPortAndCase(t *testing.T) {
	a := stableID(domain.ProtocolDLNA, "http://TV.local/Desc.xml")
	b := stableID(domain.ProtocolDLNA, "http://tv.local:80/desc.xml")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, stableID(domain.ProtocolChromecast, "http://tv.local/desc.xml"))
	assert.Regexp(t, `^dev_[0-9a-f]{16}$`, a)
}

func TestCapabilitiesForUnknownProtocol(t *testing.T) {
	caps := capabilitiesForProtocol("airplay")
	if caps.SupportsURLSource || len(caps.Commands) != 0 {
		t.Fatalf("expected unknown protocol to be uncastable, got %+v", caps)
	}
	if len(caps.Limitations) != 1 || caps.Limitations[0].Code != "UNSUPPORTED_PROTOCOL" {
		t.Fatalf("unexpected limitations %+v", caps.Limitations)
	}
}

func TestDialProbe(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	assert.True(t, dialProbe(context.Background(), srv.URL+"/desc.xml"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())
	assert.False(t, dialProbe(context.Background(), "http://"+closedAddr+"/"))
	assert.False(t, dialProbe(context.Background(), "not a url"))
}
