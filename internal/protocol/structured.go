package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/manpreetbhatti/presence/internal/presence"
)

const (
	typeSync    = "sync"
	typeChanges = "changes"
	typeUpdate  = "update"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound shapes. Pointers distinguish a missing field from a zero value.

type wireCursor struct {
	X       *float64 `json:"x" msgpack:"x" validate:"required"`
	Y       *float64 `json:"y" msgpack:"y" validate:"required"`
	Pointer string   `json:"pointer" msgpack:"pointer" validate:"oneof=mouse touch"`
}

type wirePresence struct {
	Cursor *wireCursor `json:"cursor" msgpack:"cursor"`
}

type wireUser struct {
	Presence *wirePresence `json:"presence" msgpack:"presence" validate:"required"`
}

type wireServerMessage struct {
	MyID     *string                 `json:"myid" msgpack:"myid"`
	Type     string                  `json:"type" msgpack:"type"`
	Users    map[string]wireUser     `json:"users" msgpack:"users"`
	Add      map[string]wireUser     `json:"add" msgpack:"add"`
	Presence map[string]wirePresence `json:"presence" msgpack:"presence"`
	Remove   []string                `json:"remove" msgpack:"remove"`
}

type wireUpdate struct {
	Type     string        `json:"type" msgpack:"type" validate:"eq=update"`
	Presence *wirePresence `json:"presence" msgpack:"presence" validate:"required"`
}

// Outbound shapes

type identityEnvelope struct {
	MyID string `json:"myid" msgpack:"myid"`
}

type syncEnvelope struct {
	Type  string                   `json:"type" msgpack:"type"`
	Users map[string]presence.User `json:"users" msgpack:"users"`
}

type changesEnvelope struct {
	Type     string                       `json:"type" msgpack:"type"`
	Add      map[string]presence.User     `json:"add,omitempty" msgpack:"add,omitempty"`
	Presence map[string]presence.Presence `json:"presence,omitempty" msgpack:"presence,omitempty"`
	Remove   []string                     `json:"remove,omitempty" msgpack:"remove,omitempty"`
}

type updateEnvelope struct {
	Type     string            `json:"type" msgpack:"type"`
	Presence presence.Presence `json:"presence" msgpack:"presence"`
}

func envelope(m ServerMessage) (any, error) {
	switch msg := m.(type) {
	case Identity:
		return identityEnvelope{MyID: msg.ID}, nil
	case Sync:
		users := msg.Users
		if users == nil {
			users = map[string]presence.User{}
		}
		return syncEnvelope{Type: typeSync, Users: users}, nil
	case Changes:
		return changesEnvelope{Type: typeChanges, Add: msg.Add, Presence: msg.Presence, Remove: msg.Remove}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrEncoding, m)
	}
}

func MarshalServerJSON(m ServerMessage) ([]byte, error) {
	env, err := envelope(m)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func MarshalServerMsgpack(m ServerMessage) ([]byte, error) {
	env, err := envelope(m)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func UnmarshalServerJSON(data []byte) (ServerMessage, error) {
	var w wireServerMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return w.message()
}

func UnmarshalServerMsgpack(data []byte) (ServerMessage, error) {
	var w wireServerMessage
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return w.message()
}

func MarshalUpdateJSON(u Update) ([]byte, error) {
	data, err := json.Marshal(updateEnvelope{Type: typeUpdate, Presence: u.Presence})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func MarshalUpdateMsgpack(u Update) ([]byte, error) {
	data, err := msgpack.Marshal(updateEnvelope{Type: typeUpdate, Presence: u.Presence})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func UnmarshalUpdateJSON(data []byte) (Update, error) {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return w.update()
}

func UnmarshalUpdateMsgpack(data []byte) (Update, error) {
	var w wireUpdate
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return w.update()
}

func (w wireUpdate) update() (Update, error) {
	if err := validate.Struct(w); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	p, err := w.Presence.presence()
	if err != nil {
		return Update{}, err
	}
	return Update{Presence: p}, nil
}

func (w wireServerMessage) message() (ServerMessage, error) {
	if w.MyID != nil && w.Type == "" {
		return Identity{ID: *w.MyID}, nil
	}

	switch w.Type {
	case typeSync:
		if w.Users == nil {
			return nil, fmt.Errorf("%w: sync without users", ErrProtocol)
		}
		users, err := usersFromWire(w.Users)
		if err != nil {
			return nil, err
		}
		return Sync{Users: users}, nil

	case typeChanges:
		var (
			c   Changes
			err error
		)
		if w.Add != nil {
			if c.Add, err = usersFromWire(w.Add); err != nil {
				return nil, err
			}
		}
		if w.Presence != nil {
			c.Presence = make(map[string]presence.Presence, len(w.Presence))
			for id, wp := range w.Presence {
				p, err := wp.presence()
				if err != nil {
					return nil, err
				}
				c.Presence[id] = p
			}
		}
		c.Remove = w.Remove
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, w.Type)
	}
}

func usersFromWire(in map[string]wireUser) (map[string]presence.User, error) {
	out := make(map[string]presence.User, len(in))
	for id, wu := range in {
		if err := validate.Struct(wu); err != nil {
			return nil, fmt.Errorf("%w: user %s: %v", ErrProtocol, id, err)
		}
		p, err := wu.Presence.presence()
		if err != nil {
			return nil, err
		}
		out[id] = presence.User{Presence: p}
	}
	return out, nil
}

func (wp *wirePresence) presence() (presence.Presence, error) {
	if wp == nil || wp.Cursor == nil {
		return presence.Presence{}, nil
	}
	if err := validate.Struct(wp.Cursor); err != nil {
		return presence.Presence{}, fmt.Errorf("%w: cursor: %v", ErrProtocol, err)
	}
	if !finite(*wp.Cursor.X) || !finite(*wp.Cursor.Y) {
		return presence.Presence{}, fmt.Errorf("%w: non-finite cursor", ErrProtocol)
	}
	return presence.Presence{Cursor: &presence.Cursor{
		X:       *wp.Cursor.X,
		Y:       *wp.Cursor.Y,
		Pointer: presence.Pointer(wp.Cursor.Pointer),
	}}, nil
}
