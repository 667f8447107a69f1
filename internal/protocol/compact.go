package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/manpreetbhatti/presence/internal/presence"
)

const (
	blockHeaderSize  = 8
	cursorEntrySize  = 12
	removeEntrySize  = 4
	updateCursorSize = 8
	updateClearSize  = 12
)

var le = binary.LittleEndian

// ParseID converts a connection id to its compact numeric form.
func ParseID(id string) (uint32, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not a uint32", ErrEncoding, id)
	}
	return uint32(n), nil
}

type cursorEntry struct {
	id   uint32
	x, y float32
}

// narrow converts a cursor to float32 coordinates. An absent cursor is NaN.
// Coordinates beyond the float32 range have no compact form.
func narrow(c *presence.Cursor) (float32, float32, error) {
	if c == nil {
		return float32(math.NaN()), float32(math.NaN()), nil
	}
	x, y := float32(c.X), float32(c.Y)
	if math.IsInf(float64(x), 0) || math.IsInf(float64(y), 0) {
		return 0, 0, fmt.Errorf("%w: cursor (%g, %g) overflows float32", ErrEncoding, c.X, c.Y)
	}
	return x, y, nil
}

func cursorEntries[T any](m map[string]T, cursorOf func(T) *presence.Cursor) ([]cursorEntry, error) {
	entries := make([]cursorEntry, 0, len(m))
	for id, v := range m {
		n, err := ParseID(id)
		if err != nil {
			return nil, err
		}
		x, y, err := narrow(cursorOf(v))
		if err != nil {
			return nil, err
		}
		entries = append(entries, cursorEntry{id: n, x: x, y: y})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries, nil
}

func userCursor(u presence.User) *presence.Cursor        { return u.Presence.Cursor }
func presenceCursor(p presence.Presence) *presence.Cursor { return p.Cursor }

func appendCursorBlock(buf []byte, kind BlockKind, entries []cursorEntry) []byte {
	buf = le.AppendUint32(buf, uint32(kind))
	buf = le.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = le.AppendUint32(buf, e.id)
		buf = le.AppendUint32(buf, math.Float32bits(e.x))
		buf = le.AppendUint32(buf, math.Float32bits(e.y))
	}
	return buf
}

// EncodeCompact encodes a Sync or Changes message in the compact block layout.
// On error nothing is returned, so a partial buffer never reaches the wire.
func EncodeCompact(m ServerMessage) ([]byte, error) {
	switch msg := m.(type) {
	case Sync:
		entries, err := cursorEntries(msg.Users, userCursor)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, blockHeaderSize+len(entries)*cursorEntrySize)
		return appendCursorBlock(buf, BlockSync, entries), nil

	case Changes:
		add, err := cursorEntries(msg.Add, userCursor)
		if err != nil {
			return nil, err
		}
		pres, err := cursorEntries(msg.Presence, presenceCursor)
		if err != nil {
			return nil, err
		}
		remove := make([]uint32, 0, len(msg.Remove))
		for _, id := range msg.Remove {
			n, err := ParseID(id)
			if err != nil {
				return nil, err
			}
			remove = append(remove, n)
		}

		size := (len(add)+len(pres))*cursorEntrySize + len(remove)*removeEntrySize + 3*blockHeaderSize
		buf := make([]byte, 0, size)
		if len(add) > 0 {
			buf = appendCursorBlock(buf, BlockAdd, add)
		}
		if len(pres) > 0 {
			buf = appendCursorBlock(buf, BlockPresence, pres)
		}
		if len(remove) > 0 {
			buf = le.AppendUint32(buf, uint32(BlockRemove))
			buf = le.AppendUint32(buf, uint32(len(remove)))
			for _, id := range remove {
				buf = le.AppendUint32(buf, id)
			}
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: %T has no compact form", ErrEncoding, m)
	}
}

func readCursor(b []byte) (string, *presence.Cursor) {
	id := le.Uint32(b[0:4])
	x := math.Float32frombits(le.Uint32(b[4:8]))
	y := math.Float32frombits(le.Uint32(b[8:12]))
	key := strconv.FormatUint(uint64(id), 10)
	if math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
		return key, nil
	}
	return key, &presence.Cursor{X: float64(x), Y: float64(y), Pointer: presence.PointerMouse}
}

// DecodeCompact parses a compact server frame into a Sync or Changes.
func DecodeCompact(data []byte) (ServerMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: frame length %d is not word aligned", ErrProtocol, len(data))
	}

	var (
		changes Changes
		sync    *Sync
	)

	pos := 0
	for pos < len(data) {
		if len(data)-pos < blockHeaderSize {
			return nil, fmt.Errorf("%w: truncated block header at %d", ErrProtocol, pos)
		}
		kind := BlockKind(le.Uint32(data[pos:]))
		count := int(le.Uint32(data[pos+4:]))
		pos += blockHeaderSize

		entrySize := cursorEntrySize
		switch kind {
		case BlockAdd, BlockPresence, BlockSync:
		case BlockRemove:
			entrySize = removeEntrySize
		default:
			return nil, fmt.Errorf("%w: unknown block kind %d", ErrProtocol, uint32(kind))
		}
		if count > (len(data)-pos)/entrySize {
			return nil, fmt.Errorf("%w: %s block claims %d entries", ErrProtocol, kind, count)
		}

		if kind == BlockSync {
			if sync == nil {
				sync = &Sync{Users: make(map[string]presence.User, count)}
			}
		} else if count == 0 {
			continue
		}

		for i := 0; i < count; i++ {
			entry := data[pos : pos+entrySize]
			pos += entrySize
			switch kind {
			case BlockAdd:
				if changes.Add == nil {
					changes.Add = make(map[string]presence.User)
				}
				id, c := readCursor(entry)
				changes.Add[id] = presence.User{Presence: presence.Presence{Cursor: c}}
			case BlockPresence:
				if changes.Presence == nil {
					changes.Presence = make(map[string]presence.Presence)
				}
				id, c := readCursor(entry)
				changes.Presence[id] = presence.Presence{Cursor: c}
			case BlockSync:
				id, c := readCursor(entry)
				sync.Users[id] = presence.User{Presence: presence.Presence{Cursor: c}}
			case BlockRemove:
				changes.Remove = append(changes.Remove, strconv.FormatUint(uint64(le.Uint32(entry)), 10))
			}
		}
	}

	if sync != nil {
		if !changes.Empty() {
			return nil, fmt.Errorf("%w: sync block mixed with delta blocks", ErrProtocol)
		}
		return *sync, nil
	}
	return changes, nil
}

// EncodeCompactUpdate produces the fixed-size client buffer: 8 bytes of
// x, y when a cursor is shown, otherwise 12 zero bytes.
func EncodeCompactUpdate(p presence.Presence) []byte {
	if p.Cursor == nil {
		return make([]byte, updateClearSize)
	}
	buf := make([]byte, 0, updateCursorSize)
	buf = le.AppendUint32(buf, math.Float32bits(float32(p.Cursor.X)))
	buf = le.AppendUint32(buf, math.Float32bits(float32(p.Cursor.Y)))
	return buf
}

// DecodeCompactUpdate parses a fixed-size client buffer. A zero-length
// buffer is accepted as "no cursor".
func DecodeCompactUpdate(data []byte) (Update, error) {
	switch len(data) {
	case 0:
		return Update{}, nil
	case updateClearSize:
		for _, b := range data {
			if b != 0 {
				return Update{}, fmt.Errorf("%w: 12-byte update must be zero", ErrProtocol)
			}
		}
		return Update{}, nil
	case updateCursorSize:
		x := math.Float32frombits(le.Uint32(data[0:4]))
		y := math.Float32frombits(le.Uint32(data[4:8]))
		if !finite(float64(x)) || !finite(float64(y)) {
			return Update{}, fmt.Errorf("%w: non-finite cursor", ErrProtocol)
		}
		return Update{Presence: presence.Presence{Cursor: &presence.Cursor{
			X: float64(x), Y: float64(y), Pointer: presence.PointerMouse,
		}}}, nil
	default:
		return Update{}, fmt.Errorf("%w: update length %d", ErrProtocol, len(data))
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
