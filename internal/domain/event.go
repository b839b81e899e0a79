package domain

// EventKind names an event that can be subscribed to.
type EventKind string

const (
	EventSessionCreate       EventKind = "sessionCreate"
	EventSessionDestroy      EventKind = "sessionDestroy"
	EventTopSessionChange    EventKind = "topSessionChange"
	EventMetadataChange      EventKind = "metadataChange"
	EventCallMetadataChange  EventKind = "callMetadataChange"
	EventPlaybackStateChange EventKind = "playbackStateChange"
	EventCallStateChange     EventKind = "callStateChange"
	EventActiveStateChange   EventKind = "activeStateChange"
	EventValidCommandChange  EventKind = "validCommandChange"
	EventOutputDeviceChange  EventKind = "outputDeviceChange"
	EventSessionEvent        EventKind = "sessionEvent"
	EventQueueItemsChange    EventKind = "queueItemsChange"
	EventQueueTitleChange    EventKind = "queueTitleChange"
	EventExtrasChange        EventKind = "extrasChange"
	EventDeviceAvailable     EventKind = "deviceAvailable"
	EventDeviceOffline       EventKind = "deviceOffline"

	// Emitted only by cast controllers.
	EventMediaItemChange EventKind = "mediaItemChange"
	EventCastError       EventKind = "error"
)

var eventKinds = []EventKind{
	EventSessionCreate, EventSessionDestroy, EventTopSessionChange, EventMetadataChange,
	EventCallMetadataChange, EventPlaybackStateChange, EventCallStateChange, EventActiveStateChange,
	EventValidCommandChange, EventOutputDeviceChange, EventSessionEvent, EventQueueItemsChange,
	EventQueueTitleChange, EventExtrasChange, EventDeviceAvailable, EventDeviceOffline,
	EventMediaItemChange, EventCastError,
}

func (k EventKind) Valid() bool {
	for _, known := range eventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Filterable reports whether subscriptions of this kind accept a field
// filter.
func (k EventKind) Filterable() bool {
	switch k {
	case EventMetadataChange, EventPlaybackStateChange, EventCallMetadataChange, EventCallStateChange:
		return true
	default:
		return false
	}
}

// FilterFields returns the field names a filter for k may reference.
func (k EventKind) FilterFields() []string {
	switch k {
	case EventMetadataChange:
		return FieldNames(AVMetadata{})
	case EventPlaybackStateChange:
		return FieldNames(AVPlaybackState{})
	case EventCallMetadataChange:
		return FieldNames(AVCallMetadata{})
	case EventCallStateChange:
		return FieldNames(AVCallState{})
	default:
		return nil
	}
}

// ManagerEvents are delivered to service-level listeners.
var ManagerEvents = []EventKind{
	EventSessionCreate, EventSessionDestroy, EventTopSessionChange, EventDeviceAvailable, EventDeviceOffline,
}

// ControllerEvents are delivered to controllers bound to a session.
var ControllerEvents = []EventKind{
	EventSessionDestroy, EventMetadataChange, EventCallMetadataChange, EventPlaybackStateChange,
	EventCallStateChange, EventActiveStateChange, EventValidCommandChange, EventOutputDeviceChange,
	EventSessionEvent, EventQueueItemsChange, EventQueueTitleChange, EventExtrasChange, EventTopSessionChange,
}

// CastControllerEvents are delivered by a cast controller.
var CastControllerEvents = []EventKind{EventPlaybackStateChange, EventMediaItemChange, EventCastError}

func KindIn(k EventKind, set []EventKind) bool {
	for _, v := range set {
		if v == k {
			return true
		}
	}
	return false
}

// Event is what subscribers receive. Payload holds the typed value for the
// kind: SessionDescriptor for session lifecycle kinds, AVMetadata,
// AVPlaybackState, AVCallMetadata or AVCallState for the filterable kinds
// (projected onto the subscriber's fields), bool for activeStateChange,
// []CommandType for validCommandChange, OutputDeviceChange,
// SessionEvent, []AVQueueItem, string for queueTitleChange, Extras,
// Device for discovery kinds, AVQueueItem for mediaItemChange and *Error
// for cast errors.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Payload   any       `json:"payload"`
}

type OutputDeviceChange struct {
	ConnectionState ConnectionState  `json:"connectionState"`
	Device          OutputDeviceInfo `json:"device"`
}

// SessionEvent is a custom event raised by the session owner.
type SessionEvent struct {
	Name string `json:"event"`
	Args Extras `json:"args"`
}
