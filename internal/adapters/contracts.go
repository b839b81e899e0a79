// Package adapters declares the seams between the broker and the go2tv
// device libraries. Players depend on these interfaces only, so they can be
// exercised without hardware.
package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Discovery provides LAN hardware discovery primitives.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastMedia is what a Chromecast receiver is asked to load.
type CastMedia struct {
	URL             string
	ContentType     string
	StartSeconds    int
	DurationSeconds float64
	SubtitleURL     string
	Live            bool
}

// CastStatus is the receiver's report on its current media.
type CastStatus struct {
	PlayerState   string
	CurrentTimeMS int64
}

// CastClient is a controllable Chromecast connection. Calls return when ctx
// is done even if the receiver has not answered yet.
type CastClient interface {
	Connect(ctx context.Context) error
	Load(ctx context.Context, media CastMedia) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (CastStatus, error)
	Close(stopMedia bool) error
}

type CastFactory interface {
	NewCastClient(deviceAddr string) (CastClient, error)
}

// DLNAPayload drives one renderer over SOAP. Requests are bound to the
// context the payload was created with.
type DLNAPayload interface {
	Send(action string) error
	TransportState() (string, error)
	// RelativePosition is the renderer's RelTime, formatted H+:MM:SS[.F+].
	RelativePosition() (string, error)
	ListenAddress() string
	MediaURL() string
	SetMediaURL(mediaURL string)
	RawPayload() *soapcalls.TVPayload
}

type DLNAFactory interface {
	NewTVPayload(ctx context.Context, o *soapcalls.Options) (DLNAPayload, error)
}
