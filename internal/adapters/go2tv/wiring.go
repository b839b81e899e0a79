// Package go2tv implements the adapter seams on top of go2tv.
package go2tv

import (
	"context"
	"errors"

	"go2tv.app/avsession/internal/adapters"
	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	Discovery   adapters.Discovery
	CastFactory adapters.CastFactory
	DLNAFactory adapters.DLNAFactory
}

func NewBundle() Bundle {
	return Bundle{
		Discovery:   DiscoveryAdapter{},
		CastFactory: CastFactory{},
		DLNAFactory: DLNAFactory{},
	}
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	devices.StartChromecastDiscoveryLoop(ctx)
}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

type CastFactory struct{}

func (CastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	client, err := castprotocol.NewCastClient(deviceAddr)
	if err != nil {
		return nil, err
	}
	return &CastClientAdapter{client: client}, nil
}

// CastClientAdapter runs the blocking castprotocol calls off the caller's
// goroutine so that a cancelled context releases the caller. An abandoned
// call still completes in the background.
type CastClientAdapter struct {
	client *castprotocol.CastClient
}

func (c *CastClientAdapter) Connect(ctx context.Context) error {
	return await(ctx, c.client.Connect)
}

func (c *CastClientAdapter) Load(ctx context.Context, media adapters.CastMedia) error {
	return await(ctx, func() error {
		return c.client.Load(
			media.URL,
			media.ContentType,
			media.StartSeconds,
			media.DurationSeconds,
			media.SubtitleURL,
			media.Live,
		)
	})
}

func (c *CastClientAdapter) Stop(ctx context.Context) error {
	return await(ctx, c.client.Stop)
}

func (c *CastClientAdapter) Status(ctx context.Context) (adapters.CastStatus, error) {
	var out adapters.CastStatus
	err := await(ctx, func() error {
		status, err := c.client.GetStatus()
		if err != nil {
			return err
		}
		if status == nil {
			return errors.New("empty chromecast status")
		}
		out = adapters.CastStatus{
			PlayerState:   status.PlayerState,
			CurrentTimeMS: int64(status.CurrentTime * 1000),
		}
		return nil
	})
	if err != nil {
		return adapters.CastStatus{}, err
	}
	return out, nil
}

func (c *CastClientAdapter) Close(stopMedia bool) error {
	return c.client.Close(stopMedia)
}

func await(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type DLNAFactory struct{}

func (DLNAFactory) NewTVPayload(ctx context.Context, o *soapcalls.Options) (adapters.DLNAPayload, error) {
	if o.Ctx == nil {
		o.Ctx = ctx
	}
	payload, err := soapcalls.NewTVPayload(o)
	if err != nil {
		return nil, err
	}
	payload.SetContext(ctx)
	return &DLNAPayloadAdapter{payload: payload}, nil
}

type DLNAPayloadAdapter struct {
	payload *soapcalls.TVPayload
}

func (d *DLNAPayloadAdapter) Send(action string) error {
	return d.payload.SendtoTV(action)
}

func (d *DLNAPayloadAdapter) TransportState() (string, error) {
	info, err := d.payload.GetTransportInfo()
	if err != nil {
		return "", err
	}
	if len(info) == 0 {
		return "", errors.New("empty transport info")
	}
	return info[0], nil
}

func (d *DLNAPayloadAdapter) RelativePosition() (string, error) {
	info, err := d.payload.GetPositionInfo()
	if err != nil {
		return "", err
	}
	if len(info) < 2 {
		return "", errors.New("position info has no relative time")
	}
	return info[1], nil
}

func (d *DLNAPayloadAdapter) ListenAddress() string {
	return d.payload.ListenAddress()
}

func (d *DLNAPayloadAdapter) MediaURL() string {
	return d.payload.MediaURL
}

func (d *DLNAPayloadAdapter) SetMediaURL(mediaURL string) {
	d.payload.MediaURL = mediaURL
}

func (d *DLNAPayloadAdapter) RawPayload() *soapcalls.TVPayload {
	return d.payload
}

var (
	_ adapters.Discovery   = DiscoveryAdapter{}
	_ adapters.CastFactory = CastFactory{}
	_ adapters.DLNAFactory = DLNAFactory{}
)
