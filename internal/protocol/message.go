// Package protocol defines the messages exchanged over a device connection.
// Every message is one JSON object discriminated by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Type is the discriminator of a message.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeAuthSuccess Type = "auth_success"
	TypeAuthError   Type = "auth_error"
	TypeClipboard   Type = "clipboard"
	TypeReceipt     Type = "receipt"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

// Message is implemented only by the message types of this package.
type Message interface {
	Type() Type
	sealed()
}

type Auth struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type AuthSuccess struct{}

type AuthError struct {
	Reason string `json:"error"`
}

// Clipboard carries shared content. Timestamp is in Unix milliseconds.
type Clipboard struct {
	Content   string `json:"content"`
	ContentID string `json:"contentId"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Receipt acknowledges that DeviceID applied ContentID.
type Receipt struct {
	ContentID string `json:"contentId"`
	DeviceID  string `json:"deviceId"`
}

type Ping struct{}

type Pong struct{}

func (Auth) Type() Type        { return TypeAuth }
func (AuthSuccess) Type() Type { return TypeAuthSuccess }
func (AuthError) Type() Type   { return TypeAuthError }
func (Clipboard) Type() Type   { return TypeClipboard }
func (Receipt) Type() Type     { return TypeReceipt }
func (Ping) Type() Type        { return TypePing }
func (Pong) Type() Type        { return TypePong }

func (Auth) sealed()        {}
func (AuthSuccess) sealed() {}
func (AuthError) sealed()   {}
func (Clipboard) sealed()   {}
func (Receipt) sealed()     {}
func (Ping) sealed()        {}
func (Pong) sealed()        {}

type header struct {
	Type Type `json:"type"`
}

// Encode serializes msg with its type tag.
func Encode(msg Message) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case Auth:
		v = struct {
			header
			Auth
		}{header{m.Type()}, m}
	case AuthError:
		v = struct {
			header
			AuthError
		}{header{m.Type()}, m}
	case Clipboard:
		v = struct {
			header
			Clipboard
		}{header{m.Type()}, m}
	case Receipt:
		v = struct {
			header
			Receipt
		}{header{m.Type()}, m}
	case AuthSuccess, Ping, Pong:
		v = header{m.Type()}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(v)
}

// MustEncode is Encode for messages built by this process, which always encode.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses one message. The type is read before the body so unknown
// messages are rejected without decoding them.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	tag := gjson.GetBytes(data, "type")
	if tag.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Type(tag.String()) {
	case TypeAuth:
		return decodeAs[Auth](data)
	case TypeAuthSuccess:
		return AuthSuccess{}, nil
	case TypeAuthError:
		return decodeAs[AuthError](data)
	case TypeClipboard:
		return decodeAs[Clipboard](data)
	case TypeReceipt:
		return decodeAs[Receipt](data)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.String())
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// ClipboardEvent is one origination of shared content. ContentID is the
// idempotency key across the whole pipeline.
type ClipboardEvent struct {
	ContentID      string
	Content        string
	SenderDeviceID string
	Timestamp      time.Time
}

// Message converts the event to its wire form.
func (e ClipboardEvent) Message() Clipboard {
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixMilli()
	}
	return Clipboard{
		Content:   e.Content,
		ContentID: e.ContentID,
		DeviceID:  e.SenderDeviceID,
		Timestamp: ts,
	}
}

// Event converts a wire message to an event, stamping now when the sender
// omitted the timestamp.
func (c Clipboard) Event(now time.Time) ClipboardEvent {
	at := now
	if c.Timestamp > 0 {
		at = time.UnixMilli(c.Timestamp)
	}
	return ClipboardEvent{
		ContentID:      c.ContentID,
		Content:        c.Content,
		SenderDeviceID: c.DeviceID,
		Timestamp:      at.UTC(),
	}
}
