package discovery

import (
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go2tv.app/go2tv/v2/devices"
	"golang.org/x/sync/errgroup"

	"go2tv.app/avsession/internal/adapters"
	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
)

const (
	defaultTimeoutMS       = 2500
	maxPerAttemptTimeoutMS = 3000
	probeTimeout           = 400 * time.Millisecond
	probeConcurrency       = 8
)

// ErrNoAdapter is returned when a Scanner has nothing to scan with.
var ErrNoAdapter = errors.New("discovery adapter is not configured")

// Probe reports whether a renderer answers at address.
type Probe func(ctx context.Context, address string) bool

type ScannerOption func(*Scanner)

// WithLoopContext bounds the background Chromecast browse loop, which
// otherwise runs for the life of the process.
func WithLoopContext(ctx context.Context) ScannerOption {
	return func(s *Scanner) {
		if ctx != nil {
			s.loopCtx = ctx
		}
	}
}

func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithScannerClock(clock clockwork.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = clock }
}

func WithProbe(p Probe) ScannerOption {
	return func(s *Scanner) {
		if p != nil {
			s.probe = p
		}
	}
}

// Scanner turns go2tv discovery results into cast devices with stable IDs.
type Scanner struct {
	adapter adapters.Discovery
	loopCtx context.Context
	logger  *slog.Logger
	clock   clockwork.Clock
	probe   Probe
	once    sync.Once
}

func NewScanner(adapter adapters.Discovery, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		adapter: adapter,
		loopCtx: context.Background(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   clockwork.NewRealClock(),
		probe:   dialProbe,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type scanResult struct {
	found []devices.Device
	err   error
}

// ListLocalHardware scans for up to timeoutMS. A scan that finds nothing
// in time yields an empty list, not an error. Unless includeUnreachable is
// set, devices that do not accept a TCP connection are dropped.
func (s *Scanner) ListLocalHardware(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error) {
	if s.adapter == nil {
		return nil, ErrNoAdapter
	}
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	s.once.Do(func() {
		s.logger.Debug("chromecast_discovery_loop_started")
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})

	budget := time.Duration(timeoutMS) * time.Millisecond
	resultCh := make(chan scanResult, 1)
	go func() {
		found, err := s.scanUntil(ctx, s.clock.Now().Add(budget))
		resultCh <- scanResult{found: found, err: err}
	}()

	timer := s.clock.NewTimer(budget)
	defer timer.Stop()

	var res scanResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.Chan():
		metrics.DiscoveryScans.WithLabelValues("timeout").Inc()
		s.logger.Debug("discovery_scan_timeout", slog.Int("timeout_ms", timeoutMS))
		return []domain.Device{}, nil
	case res = <-resultCh:
	}

	if res.err != nil {
		metrics.DiscoveryScans.WithLabelValues("error").Inc()
		return nil, res.err
	}
	if len(res.found) == 0 {
		metrics.DiscoveryScans.WithLabelValues("empty").Inc()
		return []domain.Device{}, nil
	}

	listed := toDomainDevices(res.found)
	if !includeUnreachable {
		listed = s.reachable(ctx, listed)
	}
	sortDevices(listed)
	metrics.DiscoveryScans.WithLabelValues("ok").Inc()
	s.logger.Debug("discovery_scan_complete",
		slog.Int("found", len(res.found)),
		slog.Int("listed", len(listed)),
	)
	return listed, nil
}

// scanUntil retries while go2tv reports no devices, since Chromecast
// answers trickle in after the browse loop starts.
func (s *Scanner) scanUntil(ctx context.Context, deadline time.Time) ([]devices.Device, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		attempt := min(int(remaining.Milliseconds()), maxPerAttemptTimeoutMS)

		found, err := s.adapter.LoadAllDevices(timeoutToDelaySeconds(attempt))
		switch {
		case err == nil:
			return found, nil
		case errors.Is(err, devices.ErrNoDeviceAvailable):
			continue
		default:
			return nil, err
		}
	}
}

func timeoutToDelaySeconds(timeoutMS int) int {
	if timeoutMS <= 0 {
		return 1
	}
	return (timeoutMS + 999) / 1000
}

func toDomainDevices(found []devices.Device) []domain.Device {
	out := make([]domain.Device, 0, len(found))
	for _, raw := range found {
		protocol := normalizeProtocol(raw.Type)
		address := strings.TrimSpace(raw.Addr)
		out = append(out, domain.Device{
			ID:           stableID(protocol, address),
			Name:         strings.TrimSpace(raw.Name),
			Type:         strings.TrimSpace(raw.Type),
			Address:      address,
			IsAudioOnly:  raw.IsAudioOnly,
			Protocol:     protocol,
			Capabilities: capabilitiesForProtocol(protocol),
		})
	}
	return out
}

// reachable probes every device concurrently and keeps scan order.
func (s *Scanner) reachable(ctx context.Context, all []domain.Device) []domain.Device {
	ok := make([]bool, len(all))
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, dev := range all {
		g.Go(func() error {
			ok[i] = s.probe(ctx, dev.Address)
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]domain.Device, 0, len(all))
	for i, dev := range all {
		if ok[i] {
			kept = append(kept, dev)
		} else {
			s.logger.Debug("cast_device_unreachable", slog.String("device_id", dev.ID), slog.String("address", dev.Address))
		}
	}
	return kept
}

// sortDevices orders DLNA before Chromecast, then by name and address
// ignoring case.
func sortDevices(all []domain.Device) {
	slices.SortFunc(all, func(a, b domain.Device) int {
		return cmp.Or(
			cmp.Compare(protocolRank(a.Protocol), protocolRank(b.Protocol)),
			cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			cmp.Compare(strings.ToLower(a.Address), strings.ToLower(b.Address)),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

func protocolRank(protocol string) int {
	switch protocol {
	case domain.ProtocolDLNA:
		return 0
	case domain.ProtocolChromecast:
		return 1
	default:
		return 2
	}
}

func stableID(protocol, address string) string {
	sum := sha1.Sum([]byte(protocol + "|" + canonicalAddress(address)))
	return "dev_" + hex.EncodeToString(sum[:8])
}

// canonicalAddress lowercases scheme, host and path and fills in the
// default port so equivalent URLs hash alike.
func canonicalAddress(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(address))
	}
	path := strings.ToLower(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Scheme) + "://" + hostPort(u) + path
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

func normalizeProtocol(kind string) string {
	lower := strings.ToLower(strings.TrimSpace(kind))
	switch {
	case strings.Contains(lower, "chrome"):
		return domain.ProtocolChromecast
	case strings.Contains(lower, "dlna"):
		return domain.ProtocolDLNA
	default:
		return lower
	}
}

// capabilitiesForProtocol describes what a renderer can do once a session
// is cast to it.
func capabilitiesForProtocol(protocol string) domain.Capabilities {
	caps := domain.Capabilities{
		SupportsURLSource: true,
		Commands:          cast.CommandsFor(protocol),
		Limitations:       []domain.Limitation{},
	}

	switch protocol {
	case domain.ProtocolChromecast:
		caps.SupportsHLSM3U8URL = true
		caps.Limitations = append(caps.Limitations, domain.Limitation{
			Code:    "REMOTE_CONTROL_LIMITED",
			Message: "Chromecast sessions accept stop only; other commands fail with an invalid command error.",
		})
	case domain.ProtocolDLNA:
		caps.Limitations = append(caps.Limitations, domain.Limitation{
			Code:    "HLS_M3U8_URL_UNSUPPORTED",
			Message: "HLS .m3u8 URLs can only be cast to Chromecast devices.",
		})
	default:
		caps.SupportsURLSource = false
		caps.Limitations = append(caps.Limitations, domain.Limitation{
			Code:    "UNSUPPORTED_PROTOCOL",
			Message: fmt.Sprintf("protocol %q cannot be cast to", protocol),
		})
	}

	return caps
}

func dialProbe(ctx context.Context, address string) bool {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
