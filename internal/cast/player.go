package cast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go2tv.app/avsession/internal/adapters"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/go2tv/v2/httphandlers"
	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"
)

const dlnaCallbackQueueSize = 16

// RemoteStatus is what a device reports about its current media.
type RemoteStatus struct {
	State      domain.PlaybackStateKind
	PositionMS int64
}

// Player drives media on one remote device.
type Player interface {
	Connect(ctx context.Context) error
	Load(ctx context.Context, item domain.AVQueueItem) error
	Control(ctx context.Context, cmd domain.CastControlCommand) error
	Status(ctx context.Context) (RemoteStatus, error)
	Commands() []domain.CastCommandType
	Close(stopMedia bool) error
}

// PlayerFactory opens a Player for a discovered device.
type PlayerFactory interface {
	NewPlayer(device domain.Device) (Player, error)
}

type streamServer interface {
	StartServer(serverStarted chan<- error, media, subtitles any, tvpayload *soapcalls.TVPayload, screen httphandlers.Screen)
	StopServer()
}

type streamServerFactory interface {
	New(addr string) streamServer
}

type go2TVStreamServerFactory struct{}

func (go2TVStreamServerFactory) New(addr string) streamServer {
	return httphandlers.NewServer(addr)
}

// Go2TVPlayers builds players on top of the go2tv Chromecast and DLNA
// clients.
type Go2TVPlayers struct {
	castFactory   adapters.CastFactory
	dlnaFactory   adapters.DLNAFactory
	serverFactory streamServerFactory
}

func NewGo2TVPlayers(castFactory adapters.CastFactory, dlnaFactory adapters.DLNAFactory) *Go2TVPlayers {
	return &Go2TVPlayers{
		castFactory:   castFactory,
		dlnaFactory:   dlnaFactory,
		serverFactory: go2TVStreamServerFactory{},
	}
}

func (p *Go2TVPlayers) NewPlayer(device domain.Device) (Player, error) {
	switch device.Protocol {
	case domain.ProtocolChromecast:
		if p.castFactory == nil {
			return nil, errors.New("chromecast adapter is not configured")
		}
		return &chromecastPlayer{factory: p.castFactory, address: device.Address}, nil
	case domain.ProtocolDLNA:
		if p.dlnaFactory == nil {
			return nil, errors.New("dlna adapter is not configured")
		}
		if p.serverFactory == nil {
			return nil, errors.New("stream server factory is not configured")
		}
		return &dlnaPlayer{factory: p.dlnaFactory, serverFactory: p.serverFactory, address: device.Address}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", device.Protocol)
	}
}

// CommandsFor lists the cast commands a protocol can carry out.
func CommandsFor(protocol string) []domain.CastCommandType {
	switch protocol {
	case domain.ProtocolChromecast:
		return []domain.CastCommandType{domain.CastCommandStop}
	case domain.ProtocolDLNA:
		return []domain.CastCommandType{domain.CastCommandPlay, domain.CastCommandPause, domain.CastCommandStop}
	default:
		return nil
	}
}

type chromecastPlayer struct {
	factory adapters.CastFactory
	address string

	mu     sync.Mutex
	client adapters.CastClient
}

func (p *chromecastPlayer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.factory.NewCastClient(p.address)
		if err != nil {
			return fmt.Errorf("create chromecast client: %w", err)
		}
		p.client = client
	}
	return p.client.Connect(ctx)
}

func (p *chromecastPlayer) Load(ctx context.Context, item domain.AVQueueItem) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	desc := item.Description
	uri := strings.TrimSpace(desc.MediaURI)
	if uri == "" {
		return errors.New("media uri is empty")
	}
	return client.Load(ctx, adapters.CastMedia{
		URL:             uri,
		ContentType:     mediaTypeFor(desc),
		StartSeconds:    int(desc.StartPosition / 1000),
		DurationSeconds: float64(desc.Duration) / 1000,
		Live:            utils.IsHLSStream(uri, ""),
	})
}

func (p *chromecastPlayer) Control(ctx context.Context, cmd domain.CastControlCommand) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	switch cmd.Command {
	case domain.CastCommandStop:
		return client.Stop(ctx)
	default:
		return fmt.Errorf("chromecast does not support %s", cmd.Command)
	}
}

func (p *chromecastPlayer) Status(ctx context.Context) (RemoteStatus, error) {
	client, err := p.connected()
	if err != nil {
		return RemoteStatus{}, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return RemoteStatus{}, err
	}
	return RemoteStatus{
		State:      normalizeRemoteState(status.PlayerState),
		PositionMS: status.CurrentTimeMS,
	}, nil
}

func (p *chromecastPlayer) Commands() []domain.CastCommandType {
	return CommandsFor(domain.ProtocolChromecast)
}

func (p *chromecastPlayer) Close(stopMedia bool) error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close(stopMedia)
}

func (p *chromecastPlayer) connected() (adapters.CastClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, errors.New("chromecast client is not connected")
	}
	return p.client, nil
}

type dlnaPlayer struct {
	factory       adapters.DLNAFactory
	serverFactory streamServerFactory
	address       string

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	payload adapters.DLNAPayload
	server  streamServer
	screen  *dlnaMonitorScreen
}

func (p *dlnaPlayer) Connect(context.Context) error {
	if strings.TrimSpace(p.address) == "" {
		return errors.New("dlna device address is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	return nil
}

// Load serves the media URL straight to the renderer through a go2tv
// stream server that only answers DLNA callbacks.
func (p *dlnaPlayer) Load(_ context.Context, item domain.AVQueueItem) error {
	desc := item.Description
	uri := strings.TrimSpace(desc.MediaURI)
	if uri == "" {
		return errors.New("media uri is empty")
	}
	if utils.IsHLSStream(uri, "") {
		return errors.New("dlna renderers cannot play HLS playlists")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return errors.New("dlna player is not connected")
	}
	p.stopLocked()

	payload, err := p.factory.NewTVPayload(p.ctx, &soapcalls.Options{
		Ctx:   p.ctx,
		DMR:   p.address,
		Media: uri,
		Mtype: mediaTypeFor(desc),
		Seek:  true,
	})
	if err != nil {
		return fmt.Errorf("initialize dlna payload: %w", err)
	}

	server := p.serverFactory.New(payload.ListenAddress())
	serverStarted := make(chan error, 1)
	screen := &dlnaMonitorScreen{stateCh: make(chan string, dlnaCallbackQueueSize)}
	go server.StartServer(serverStarted, []byte("dlna-direct-url-placeholder"), "", payload.RawPayload(), screen)
	if err := <-serverStarted; err != nil {
		return fmt.Errorf("start dlna callback server: %w", err)
	}

	payload.SetMediaURL(uri)
	if err := payload.Send("Play1"); err != nil {
		server.StopServer()
		return fmt.Errorf("start dlna playback: %w", err)
	}

	p.payload = payload
	p.server = server
	p.screen = screen
	return nil
}

func (p *dlnaPlayer) Control(_ context.Context, cmd domain.CastControlCommand) error {
	var action string
	switch cmd.Command {
	case domain.CastCommandPlay:
		action = "Play"
	case domain.CastCommandPause:
		action = "Pause"
	case domain.CastCommandStop:
		action = "Stop"
	default:
		return fmt.Errorf("dlna does not support %s", cmd.Command)
	}

	p.mu.Lock()
	payload := p.payload
	p.mu.Unlock()
	if payload == nil {
		return errors.New("no media loaded on dlna renderer")
	}
	return payload.Send(action)
}

// Status prefers the latest renderer callback and falls back to polling
// the transport.
func (p *dlnaPlayer) Status(context.Context) (RemoteStatus, error) {
	p.mu.Lock()
	payload := p.payload
	screen := p.screen
	p.mu.Unlock()
	if payload == nil {
		return RemoteStatus{State: domain.PlaybackIdle}, nil
	}

	var status RemoteStatus
	if screen != nil {
		status.State = screen.latest()
	}
	if status.State == "" {
		transport, err := payload.TransportState()
		if err != nil {
			return RemoteStatus{}, err
		}
		status.State = normalizeRemoteState(transport)
	}
	if status.State == domain.PlaybackPlay || status.State == domain.PlaybackPause {
		if pos, err := payload.RelativePosition(); err == nil {
			if ms, ok := parseDLNAPosition(pos); ok {
				status.PositionMS = ms
			}
		}
	}
	return status, nil
}

func (p *dlnaPlayer) Commands() []domain.CastCommandType {
	return CommandsFor(domain.ProtocolDLNA)
}

func (p *dlnaPlayer) Close(stopMedia bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if stopMedia && p.payload != nil {
		err = p.payload.Send("Stop")
	}
	p.stopLocked()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.ctx = nil
	return err
}

func (p *dlnaPlayer) stopLocked() {
	if p.server != nil {
		p.server.StopServer()
	}
	p.server = nil
	p.payload = nil
	p.screen = nil
}

// dlnaMonitorScreen receives renderer state callbacks from the go2tv
// stream server.
type dlnaMonitorScreen struct {
	stateCh chan string
}

func (d *dlnaMonitorScreen) EmitMsg(msg string) {
	if d == nil || d.stateCh == nil {
		return
	}

	select {
	case d.stateCh <- msg:
	default:
	}
}

func (d *dlnaMonitorScreen) Fini() {}

func (d *dlnaMonitorScreen) SetMediaType(string) {}

// latest drains queued callbacks and returns the newest recognised state.
func (d *dlnaMonitorScreen) latest() domain.PlaybackStateKind {
	var state domain.PlaybackStateKind
	for {
		select {
		case msg := <-d.stateCh:
			if s := normalizeRemoteState(msg); s != "" {
				state = s
			}
		default:
			return state
		}
	}
}
