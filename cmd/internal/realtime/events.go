package realtime

// EventKind tags an outbound Event.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventCatchUp
	EventPresence
	EventTyping
	EventAck
	EventRoomJoined
	EventRoomLeft
	EventSyncReset
	EventError

	// EventAdvance announces an offset on global so sessions that cannot see
	// the record step their watermark past it. Never sent to clients.
	EventAdvance
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventCatchUp:
		return "catch_up"
	case EventPresence:
		return "presence"
	case EventTyping:
		return "typing"
	case EventAck:
		return "ack"
	case EventRoomJoined:
		return "room_joined"
	case EventRoomLeft:
		return "room_left"
	case EventSyncReset:
		return "sync_reset"
	case EventError:
		return "error"
	case EventAdvance:
		return "advance"
	default:
		return "unknown"
	}
}

// Event is what a session's outbound queue carries. Only the fields of its Kind are set.
type Event struct {
	Kind EventKind

	// EventMessage. EventAdvance carries the record without its content.
	Record Record

	// EventCatchUp
	Records   []Record
	Watermark int64
	HasMore   bool

	// EventPresence: identity -> display name.
	Presence map[string]string

	Typing TypingEvent
	Ack    Ack

	// EventRoomJoined, EventRoomLeft
	Room string

	// EventSyncReset
	Floor int64

	// EventError
	Code    string
	Message string
}

// TypingEvent is an ephemeral typing indicator. It never enters the log.
type TypingEvent struct {
	Topic       string `json:"topic"`
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// Ack acknowledges a send. Duplicate is true when the key was already stored.
type Ack struct {
	IdempotencyKey string
	Offset         int64
	Duplicate      bool
}

func errorEvent(code, msg string) Event {
	return Event{Kind: EventError, Code: code, Message: msg}
}
