package domain

// Device is a cast-capable renderer found on the local network.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Address      string       `json:"address"`
	IsAudioOnly  bool         `json:"is_audio_only"`
	Protocol     string       `json:"protocol"`
	Capabilities Capabilities `json:"capabilities"`
}

type Capabilities struct {
	SupportsURLSource  bool              `json:"supports_url_source"`
	SupportsHLSM3U8URL bool              `json:"supports_hls_m3u8_url"`
	Commands           []CastCommandType `json:"commands"`
	Limitations        []Limitation      `json:"limitations"`
}

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ProtocolLocal      = "local"
	ProtocolChromecast = "chromecast"
	ProtocolDLNA       = "dlna"
)

type CastCategory string

const (
	CastCategoryLocal  CastCategory = "local"
	CastCategoryRemote CastCategory = "remote"
)

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
)

type OutputDevice struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Protocol   string `json:"protocolType"`
	Address    string `json:"address,omitempty"`
}

// OutputDeviceInfo describes where a session is currently rendered.
type OutputDeviceInfo struct {
	CastCategory CastCategory   `json:"castCategory"`
	Devices      []OutputDevice `json:"devices"`
}

const LocalDeviceID = "0"

func LocalOutputDevice() OutputDeviceInfo {
	return OutputDeviceInfo{
		CastCategory: CastCategoryLocal,
		Devices: []OutputDevice{{
			DeviceID:   LocalDeviceID,
			DeviceName: "LocalDevice",
			Protocol:   ProtocolLocal,
		}},
	}
}

func (d Device) OutputDevice() OutputDevice {
	return OutputDevice{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Protocol:   d.Protocol,
		Address:    d.Address,
	}
}

func RemoteOutputDevice(d Device) OutputDeviceInfo {
	return OutputDeviceInfo{
		CastCategory: CastCategoryRemote,
		Devices:      []OutputDevice{d.OutputDevice()},
	}
}
