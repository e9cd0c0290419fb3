package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/partyq/partyq/catalog"
	"github.com/partyq/partyq/lyrics"
	"github.com/partyq/partyq/queue"
)

// MessageType names a wire channel or command.
type MessageType string

const (
	MessageTypeHello MessageType = "hello"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"

	MessageTypeAuthLogin MessageType = "auth.login"
	MessageTypeAuthOK    MessageType = "auth.ok"

	MessageTypeEnqueue  MessageType = "queue.enqueue"
	MessageTypeMove     MessageType = "queue.move"
	MessageTypeRemove   MessageType = "queue.remove"
	MessageTypeClear    MessageType = "queue.clear"
	MessageTypeSnapshot MessageType = "queue.snapshot"

	MessageTypeSkip       MessageType = "playback.skip"
	MessageTypeFinished   MessageType = "playback.finished"
	MessageTypeProgress   MessageType = "playback.progress"
	MessageTypeActiveLine MessageType = "playback.activeLine"

	MessageTypePlayerControl MessageType = "player.control"
	MessageTypePlayerVolume  MessageType = "player.volume"
	MessageTypePlayerReload  MessageType = "player.reload"
	MessageTypePlayerStatus  MessageType = "player.status"
)

// Stable error codes carried by ErrorMessage.
const (
	CodeValidation   = "validation_error"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeAuthError    = "auth_error"
	CodeBadMessage   = "bad_message"
)

// Message is the wire envelope.
type Message struct {
	Sender     string      `json:"-"`
	ReceivedAt time.Time   `json:"-"`
	Type       MessageType `json:"type"`
	Payload    interface{} `json:"payload,omitempty"`
}

type receivedMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HelloMessage struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Nickname  string `json:"nickname,omitempty"`
}

type PingMessage struct {
	Timestamp float64 `json:"sendtime"`
}

type PongMessage struct {
	Timestamp float64 `json:"sendtime"`
	SvcTime   float64 `json:"servicetime"`
}

type LoginMessage struct {
	Password string `json:"password"`
}

// EnqueueMessage carries the chosen catalog track. Lyrics optionally carries
// the static full text the requester already fetched for their own view.
type EnqueueMessage struct {
	Track  catalog.Track `json:"track"`
	Lyrics string        `json:"lyrics,omitempty"`
}

type MoveMessage struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

type RemoveMessage struct {
	ID string `json:"id"`
}

// SnapshotMessage is the full queue state broadcast after every mutation.
type SnapshotMessage struct {
	NowPlaying *queue.Entry  `json:"nowPlaying"`
	Queue      []queue.Entry `json:"queue"`
}

type ProgressMessage struct {
	PositionMs int64 `json:"positionMs"`
}

// ActiveLineMessage drives per-line highlighting on displays. Line is -1
// before the first line. Lines is populated only on the first broadcast for a
// song so displays can render the full timeline once.
type ActiveLineMessage struct {
	SongID string        `json:"songId"`
	Line   int           `json:"line"`
	Lines  []lyrics.Line `json:"lines,omitempty"`
}

type PlayerControlMessage struct {
	Action string `json:"action"`
}

type PlayerVolumeMessage struct {
	Level float64 `json:"level"`
}

type PlayerStatusMessage struct {
	State int `json:"state"`
}

type ErrorMessage struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Serialise a Message to its wire format as []byte
func (m *Message) Serialise() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialise a Message stored in data in its wire format back to a struct
// and store it to the value pointed to by m
func Deserialise(data []byte, m *Message) error {
	var rm receivedMessage

	err := json.Unmarshal(data, &rm)
	if err != nil {
		return err
	}

	m.ReceivedAt = time.Now()
	m.Type = rm.Type

	switch m.Type {
	case MessageTypePing:
		var p PingMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePong:
		var p PongMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeAuthLogin:
		var p LoginMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeEnqueue:
		var p EnqueueMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeMove:
		var p MoveMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeRemove:
		var p RemoveMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeProgress:
		var p ProgressMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePlayerControl:
		var p PlayerControlMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePlayerVolume:
		var p PlayerVolumeMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePlayerStatus:
		var p PlayerStatusMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeSnapshot:
		var p SnapshotMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeActiveLine:
		var p ActiveLineMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeHello:
		var p HelloMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeError:
		var p ErrorMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeAuthOK, MessageTypeClear, MessageTypeSkip,
		MessageTypeFinished, MessageTypePlayerReload:
		m.Payload = nil
	default:
		return fmt.Errorf("unknown message type %q", rm.Type)
	}
	return err
}

func errorMessage(code, reason string) *Message {
	return &Message{
		Type:    MessageTypeError,
		Payload: &ErrorMessage{Code: code, Reason: reason},
	}
}
