package domain

import "time"

type SessionType string

const (
	SessionTypeAudio     SessionType = "audio"
	SessionTypeVideo     SessionType = "video"
	SessionTypeVoiceCall SessionType = "voice_call"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeAudio, SessionTypeVideo, SessionTypeVoiceCall:
		return true
	default:
		return false
	}
}

type PlaybackStateKind string

const (
	PlaybackInitial     PlaybackStateKind = "initial"
	PlaybackPrepare     PlaybackStateKind = "prepare"
	PlaybackPlay        PlaybackStateKind = "play"
	PlaybackPause       PlaybackStateKind = "pause"
	PlaybackFastForward PlaybackStateKind = "fast_forward"
	PlaybackRewind      PlaybackStateKind = "rewind"
	PlaybackStop        PlaybackStateKind = "stop"
	PlaybackCompleted   PlaybackStateKind = "completed"
	PlaybackReleased    PlaybackStateKind = "released"
	PlaybackError       PlaybackStateKind = "error"
	PlaybackIdle        PlaybackStateKind = "idle"
	PlaybackBuffering   PlaybackStateKind = "buffering"
)

type LoopMode string

const (
	LoopSequence LoopMode = "sequence"
	LoopSingle   LoopMode = "single"
	LoopList     LoopMode = "list"
	LoopShuffle  LoopMode = "shuffle"
	LoopCustom   LoopMode = "custom"
)

var loopModes = []LoopMode{LoopSequence, LoopSingle, LoopList, LoopShuffle, LoopCustom}

func (m LoopMode) Valid() bool {
	for _, known := range loopModes {
		if m == known {
			return true
		}
	}
	return false
}

type AVMetadata struct {
	AssetID         string   `json:"assetId"`
	Title           string   `json:"title"`
	Artist          string   `json:"artist"`
	Author          string   `json:"author"`
	Album           string   `json:"album"`
	Writer          string   `json:"writer"`
	Composer        string   `json:"composer"`
	Duration        int64    `json:"duration"`
	MediaImage      string   `json:"mediaImage"`
	PublishDate     int64    `json:"publishDate"`
	Subtitle        string   `json:"subtitle"`
	Description     string   `json:"description"`
	Lyric           string   `json:"lyric"`
	PreviousAssetID string   `json:"previousAssetId"`
	NextAssetID     string   `json:"nextAssetId"`
	SkipIntervals   int      `json:"skipIntervals"`
	DisplayTags     []string `json:"displayTags"`
}

type PlaybackPosition struct {
	ElapsedTime int64 `json:"elapsedTime"`
	UpdateTime  int64 `json:"updateTime"`
}

type AVPlaybackState struct {
	State        PlaybackStateKind `json:"state"`
	Speed        float64           `json:"speed"`
	Position     PlaybackPosition  `json:"position"`
	BufferedTime int64             `json:"bufferedTime"`
	LoopMode     LoopMode          `json:"loopMode"`
	IsFavorite   bool              `json:"isFavorite"`
	ActiveItemID *int64            `json:"activeItemId"`
	Volume       int               `json:"volume"`
	MaxVolume    int               `json:"maxVolume"`
	Muted        bool              `json:"muted"`
	Extras       Extras            `json:"extras"`
}

type AVCallMetadata struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Avatar      string `json:"avatar"`
}

type CallStateKind string

const (
	CallIdle       CallStateKind = "idle"
	CallIncoming   CallStateKind = "incoming"
	CallActive     CallStateKind = "active"
	CallDialing    CallStateKind = "dialing"
	CallWaiting    CallStateKind = "waiting"
	CallHolding    CallStateKind = "holding"
	CallDisconnect CallStateKind = "disconnecting"
)

type AVCallState struct {
	State CallStateKind `json:"state"`
	Muted bool          `json:"muted"`
}

type AVMediaDescription struct {
	MediaID       string `json:"mediaId"`
	Title         string `json:"title"`
	Subtitle      string `json:"subtitle"`
	Description   string `json:"description"`
	MediaURI      string `json:"mediaUri"`
	MediaType     string `json:"mediaType"`
	MimeType      string `json:"mimeType"`
	Duration      int64  `json:"duration"`
	StartPosition int64  `json:"startPosition"`
	Extras        Extras `json:"extras"`
}

type AVQueueItem struct {
	ItemID      int64              `json:"itemId"`
	Description AVMediaDescription `json:"description"`
}

// LaunchIntent is an opaque payload describing how to bring the owner's UI
// to the foreground.
type LaunchIntent struct {
	BundleName  string `json:"bundleName"`
	AbilityName string `json:"abilityName"`
	Extras      Extras `json:"extras"`
}

// KeyEvent is an opaque key payload forwarded from input sources.
type KeyEvent struct {
	Action string `json:"action"`
	Code   int    `json:"code"`
}

const (
	KeyActionDown = "down"
	KeyActionUp   = "up"
)

// Media key codes understood by the default key event mapping.
const (
	KeyCodeMediaPlayPause   = 10
	KeyCodeMediaStop        = 11
	KeyCodeMediaNext        = 12
	KeyCodeMediaPrevious    = 13
	KeyCodeMediaRewind      = 14
	KeyCodeMediaFastForward = 15
	KeyCodeMediaPlay        = 10012
	KeyCodeMediaPause       = 10013
)

type CastState string

const (
	CastLocal        CastState = "LOCAL"
	CastConnecting   CastState = "CONNECTING"
	CastConnected    CastState = "CONNECTED"
	CastDisconnected CastState = "DISCONNECTED"
)

// SessionDescriptor is a read-only snapshot of a session.
type SessionDescriptor struct {
	SessionID     string           `json:"sessionId"`
	Type          SessionType      `json:"type"`
	Tag           string           `json:"sessionTag"`
	OwnerID       string           `json:"ownerId"`
	IsActive      bool             `json:"isActive"`
	IsTopSession  bool             `json:"isTopSession"`
	OutputDevice  OutputDeviceInfo `json:"outputDevice"`
	CastState     CastState        `json:"castState"`
	LaunchAbility LaunchIntent     `json:"launchAbility"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// HistoricalRecord is what remains of a destroyed session.
type HistoricalRecord struct {
	Descriptor  SessionDescriptor `json:"descriptor"`
	Metadata    AVMetadata        `json:"metadata"`
	QueueTitle  string            `json:"queueTitle"`
	DestroyedAt time.Time         `json:"destroyedAt"`
}
