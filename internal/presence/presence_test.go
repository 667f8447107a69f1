package presence

import "testing"

func TestPartialMerge(t *testing.T) {
	base := Presence{Cursor: &Cursor{X: 1, Y: 2, Pointer: PointerMouse}}

	tests := []struct {
		name  string
		patch Partial
		want  Presence
	}{
		{
			name:  "Empty patch leaves presence untouched",
			patch: Partial{},
			want:  base,
		},
		{
			name:  "Set cursor replaces it",
			patch: SetCursor(Cursor{X: 10, Y: 20, Pointer: PointerTouch}),
			want:  Presence{Cursor: &Cursor{X: 10, Y: 20, Pointer: PointerTouch}},
		},
		{
			name:  "Clear cursor removes it",
			patch: ClearCursor(),
			want:  Presence{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.patch.Merge(base)
			if !got.Equal(tt.want) {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}

	if base.Cursor.X != 1 {
		t.Error("Merge should not modify the input presence")
	}
}

func TestMergeDoesNotAlias(t *testing.T) {
	c := Cursor{X: 5, Y: 5, Pointer: PointerMouse}
	patch := SetCursor(c)

	first := patch.Merge(Presence{})
	first.Cursor.X = 99

	second := patch.Merge(Presence{})
	if second.Cursor.X != 5 {
		t.Errorf("Expected patch to be reusable, got X=%v", second.Cursor.X)
	}
}

func TestCloneUsers(t *testing.T) {
	users := map[string]User{
		"1": {Presence: Presence{Cursor: &Cursor{X: 1, Y: 1, Pointer: PointerMouse}}},
		"2": {},
	}

	cloned := CloneUsers(users)
	cloned["1"].Presence.Cursor.X = 42

	if users["1"].Presence.Cursor.X != 1 {
		t.Error("CloneUsers should deep copy cursors")
	}
	if len(cloned) != 2 {
		t.Errorf("Expected 2 users, got %d", len(cloned))
	}
}
