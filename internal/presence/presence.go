package presence

// Pointer is the kind of input device driving a cursor
type Pointer string

const (
	PointerMouse Pointer = "mouse"
	PointerTouch Pointer = "touch"
)

// Absolute position in the shared, caller-defined coordinate space
type Cursor struct {
	X       float64 `json:"x" msgpack:"x"`
	Y       float64 `json:"y" msgpack:"y"`
	Pointer Pointer `json:"pointer" msgpack:"pointer"`
}

// The user-controlled part of a participant's state.
// A nil Cursor means no cursor is currently shown.
type Presence struct {
	Cursor *Cursor `json:"cursor" msgpack:"cursor"`
}

// Server-visible record for one connection
type User struct {
	Presence Presence `json:"presence" msgpack:"presence"`
}

// Clone returns a deep copy so callers never share a Cursor pointer.
func (p Presence) Clone() Presence {
	if p.Cursor == nil {
		return Presence{}
	}
	c := *p.Cursor
	return Presence{Cursor: &c}
}

func (p Presence) Equal(o Presence) bool {
	if p.Cursor == nil || o.Cursor == nil {
		return p.Cursor == nil && o.Cursor == nil
	}
	return *p.Cursor == *o.Cursor
}

func (u User) Clone() User {
	return User{Presence: u.Presence.Clone()}
}

// Partial is a shallow patch over Presence. Fields not marked as set
// are left untouched by Merge.
type Partial struct {
	cursor    *Cursor
	cursorSet bool
}

// SetCursor returns a patch that moves the cursor to c.
func SetCursor(c Cursor) Partial {
	return Partial{cursor: &c, cursorSet: true}
}

// ClearCursor returns a patch that hides the cursor.
func ClearCursor() Partial {
	return Partial{cursorSet: true}
}

// Merge applies the patch to p and returns the result. p is not modified.
func (pt Partial) Merge(p Presence) Presence {
	out := p.Clone()
	if pt.cursorSet {
		if pt.cursor == nil {
			out.Cursor = nil
		} else {
			c := *pt.cursor
			out.Cursor = &c
		}
	}
	return out
}

// CloneUsers copies a user map, including every Cursor.
func CloneUsers(users map[string]User) map[string]User {
	out := make(map[string]User, len(users))
	for id, u := range users {
		out[id] = u.Clone()
	}
	return out
}
