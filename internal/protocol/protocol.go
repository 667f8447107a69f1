// Package protocol converts presence messages to and from their wire forms.
//
// Server to client messages use either a compact little-endian block layout
// or a tagged structured form (JSON text, msgpack binary). Client to server
// updates use either a fixed-size float buffer or the same structured form.
//
// Compact server frame, a sequence of blocks:
//
//	[kind: uint32][count: uint32][entries...]
//
//	kind 1 (add), 2 (presence), 4 (sync): entry = [id: uint32][x: float32][y: float32]
//	kind 3 (remove):                      entry = [id: uint32]
//
// Blocks with count 0 are omitted by the encoder, except the sync block.
// The pointer kind is not carried by the compact layout; decoded cursors
// always report PointerMouse. A cursor whose x and y are both NaN is absent.
package protocol

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/presence/internal/presence"
)

var (
	// Malformed inbound payload: wrong length, unknown block, failed schema validation
	ErrProtocol = errors.New("protocol violation")

	// Value cannot be represented in the requested wire format
	ErrEncoding = errors.New("encoding error")
)

// Represents the kind of a compact block
type BlockKind uint32

const (
	BlockAdd      BlockKind = 1
	BlockPresence BlockKind = 2
	BlockRemove   BlockKind = 3

	// Full snapshot. Same entry layout as BlockAdd.
	BlockSync BlockKind = 4
)

func (k BlockKind) String() string {
	switch k {
	case BlockAdd:
		return "add"
	case BlockPresence:
		return "presence"
	case BlockRemove:
		return "remove"
	case BlockSync:
		return "sync"
	default:
		return fmt.Sprintf("block(%d)", uint32(k))
	}
}

// Format selects the encoding used on one direction of a connection
type Format string

const (
	FormatCompact Format = "compact"
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCompact, FormatJSON, FormatMsgpack:
		return f, nil
	case "":
		return FormatCompact, nil
	default:
		return "", fmt.Errorf("unknown wire format %q", s)
	}
}

// Policy decides what happens to a connection that sends a malformed message
type Policy string

const (
	// Forcibly close the offending connection
	PolicyClose Policy = "close"

	// Drop the message and keep the connection
	PolicyIgnore Policy = "ignore"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyClose, PolicyIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown violation policy %q", s)
	}
}

// DefaultPolicy is close for the fixed-layout compact path and ignore for
// the schema-validated structured paths.
func (f Format) DefaultPolicy() Policy {
	if f == FormatCompact || f == "" {
		return PolicyClose
	}
	return PolicyIgnore
}

// A single websocket message
type Frame struct {
	Binary bool
	Data   []byte
}

// ServerMessage is one of Identity, Sync or Changes.
type ServerMessage interface {
	serverMessage()
}

// Out-of-band assignment of the receiving connection's id
type Identity struct {
	ID string
}

// Full snapshot of the room, including the receiver
type Sync struct {
	Users map[string]presence.User
}

// Delta relative to the previous broadcast
type Changes struct {
	Add      map[string]presence.User
	Presence map[string]presence.Presence
	Remove   []string
}

func (Identity) serverMessage() {}
func (Sync) serverMessage()     {}
func (Changes) serverMessage()  {}

func (c Changes) Empty() bool {
	return len(c.Add) == 0 && len(c.Presence) == 0 && len(c.Remove) == 0
}

// Client to server presence replacement
type Update struct {
	Presence presence.Presence
}
