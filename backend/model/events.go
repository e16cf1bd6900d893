package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event types sent by clients.
const (
	EventJoin           = "join"
	EventUserJoin       = "user_join" // legacy alias of join
	EventCreateRoom     = "create_room"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventPrivateMessage = "private_message"
)

// Outbound event types sent by server.
const (
	EventUserList       = "user_list"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventRoomList       = "room_list"
	EventSystemMessage  = "system_message"
	EventReceiveMessage = "receive_message"
	EventNotifyMessage  = "notify_message"
	EventNotifyPrivate  = "notify_private"
	EventTypingUsers    = "typing_users"
	// EventPrivateMessage is reused for delivery of private messages.
)

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Inbound is a raw client frame.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Event is the closed set of events the hub reacts to.
type Event interface {
	event()
}

type (
	Join struct {
		Username string
	}
	CreateRoom struct {
		Name string
	}
	JoinRoom struct {
		Name string
	}
	LeaveRoom struct {
		Name string
	}
	SendMessage struct {
		Body string
	}
	Typing struct {
		IsTyping bool
	}
	PrivateMessage struct {
		To   string
		Body string
	}
	// Disconnect is raised by the transport, never decoded from the wire.
	Disconnect struct{}
)

func (Join) event()           {}
func (CreateRoom) event()     {}
func (JoinRoom) event()       {}
func (LeaveRoom) event()      {}
func (SendMessage) event()    {}
func (Typing) event()         {}
func (PrivateMessage) event() {}
func (Disconnect) event()     {}

type bodyPayload struct {
	To      string  `json:"to"`
	Body    *string `json:"body"`
	Message *string `json:"message"`
}

func (bp bodyPayload) text() string {
	switch {
	case bp.Body != nil:
		return *bp.Body
	case bp.Message != nil:
		return *bp.Message
	}
	return ""
}

// Decode converts raw frame into typed Event.
func (in Inbound) Decode() (Event, error) {
	switch in.Type {
	case EventJoin, EventUserJoin:
		name, err := decodeName(in.Payload, "username")
		if err != nil {
			return nil, err
		}
		return Join{Username: name}, nil
	case EventCreateRoom:
		name, err := decodeName(in.Payload, "name")
		if err != nil {
			return nil, err
		}
		return CreateRoom{Name: name}, nil
	case EventJoinRoom:
		name, err := decodeName(in.Payload, "name")
		if err != nil {
			return nil, err
		}
		return JoinRoom{Name: name}, nil
	case EventLeaveRoom:
		name, err := decodeName(in.Payload, "name")
		if err != nil {
			return nil, err
		}
		return LeaveRoom{Name: name}, nil
	case EventSendMessage:
		var bp bodyPayload
		if err := decodeObject(in.Payload, &bp); err != nil {
			return nil, err
		}
		return SendMessage{Body: bp.text()}, nil
	case EventTyping:
		var isTyping bool
		if !isEmpty(in.Payload) {
			if err := json.Unmarshal(in.Payload, &isTyping); err != nil {
				return nil, errors.Join(ErrMalformedPayload, err)
			}
		}
		return Typing{IsTyping: isTyping}, nil
	case EventPrivateMessage:
		var bp bodyPayload
		if err := decodeObject(in.Payload, &bp); err != nil {
			return nil, err
		}
		return PrivateMessage{To: bp.To, Body: bp.text()}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, in.Type)
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeName accepts either a bare JSON string or an object carrying the name under key.
func decodeName(raw json.RawMessage, key string) (string, error) {
	if isEmpty(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Join(ErrMalformedPayload, err)
	}
	v, ok := obj[key]
	if !ok || isEmpty(v) {
		return "", nil
	}
	if err := json.Unmarshal(v, &s); err != nil {
		return "", errors.Join(ErrMalformedPayload, err)
	}
	return s, nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	if isEmpty(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	return nil
}
