package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/manpreetbhatti/presence/internal/clock"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/presence"
	"github.com/manpreetbhatti/presence/internal/protocol"
)

// Records frames sent to a participant
type MockConn struct {
	id      string
	frames  []protocol.Frame
	closed  bool
	sendErr error
	mu      sync.Mutex
}

func NewMockConn(id string) *MockConn {
	return &MockConn{id: id}
}

func (m *MockConn) ID() string { return m.id }

func (m *MockConn) Send(f protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConn) Frames() []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Runs every room operation inline on the test goroutine
func newTestRoom(t *testing.T, cfg Config) (*Room, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1700000000, 0))
	cfg.Clock = fake
	r := New("test-room", cfg)
	r.dispatch = func(fn func()) bool {
		fn()
		return true
	}
	return r, fake
}

func decode(t *testing.T, f protocol.Frame) protocol.ServerMessage {
	t.Helper()
	msg, err := protocol.NewCodec(protocol.FormatCompact).DecodeServer(f)
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	return msg
}

// Returns the deltas a participant received after its identity and sync
func changesFor(t *testing.T, c *MockConn) []protocol.Changes {
	t.Helper()
	frames := c.Frames()
	if len(frames) < 2 {
		t.Fatalf("Connection %s should have received identity and sync, got %d frames", c.id, len(frames))
	}
	var out []protocol.Changes
	for _, f := range frames[2:] {
		ch, ok := decode(t, f).(protocol.Changes)
		if !ok {
			t.Fatalf("Expected Changes frame for %s", c.id)
		}
		out = append(out, ch)
	}
	return out
}

func cursorFrame(x, y float64) protocol.Frame {
	p := presence.Presence{Cursor: &presence.Cursor{X: x, Y: y, Pointer: presence.PointerMouse}}
	return protocol.Frame{Binary: true, Data: protocol.EncodeCompactUpdate(p)}
}

func TestJoinRepliesImmediately(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	a := NewMockConn("1")

	if err := r.Join(a); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	frames := a.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected identity and sync, got %d frames", len(frames))
	}

	id, ok := decode(t, frames[0]).(protocol.Identity)
	if !ok || id.ID != "1" {
		t.Errorf("Expected identity for 1, got %+v", decode(t, frames[0]))
	}
	if frames[0].Binary {
		t.Error("Identity should be a text frame")
	}

	sync, ok := decode(t, frames[1]).(protocol.Sync)
	if !ok {
		t.Fatalf("Expected Sync, got %T", decode(t, frames[1]))
	}
	if _, ok := sync.Users["1"]; !ok || len(sync.Users) != 1 {
		t.Errorf("Sync should contain only the joiner, got %v", sync.Users)
	}
}

func TestBroadcastCoalescing(t *testing.T) {
	r, fake := newTestRoom(t, Config{})
	a, b := NewMockConn("1"), NewMockConn("2")

	r.Join(a)
	r.Join(b)
	fake.Advance(5 * time.Millisecond)
	r.Receive(b, cursorFrame(1, 1))
	fake.Advance(5 * time.Millisecond)
	r.Receive(b, cursorFrame(100, 200))

	if fake.Pending() != 1 {
		t.Fatalf("Expected exactly one armed timer, got %d", fake.Pending())
	}

	fake.Advance(39 * time.Millisecond)
	if n := len(changesFor(t, a)); n != 0 {
		t.Fatalf("Expected no broadcast before the interval, got %d", n)
	}

	fake.Advance(time.Millisecond)
	changes := changesFor(t, a)
	if len(changes) != 1 {
		t.Fatalf("Expected exactly one broadcast, got %d", len(changes))
	}
	if len(changes[0].Add) != 2 {
		t.Errorf("Expected both joiners in add, got %v", changes[0].Add)
	}
	c := changes[0].Presence["2"].Cursor
	if c == nil || c.X != 100 || c.Y != 200 {
		t.Errorf("Expected last cursor (100,200), got %+v", c)
	}
	if len(changesFor(t, b)) != 1 {
		t.Error("Broadcast should reach every connection")
	}
}

func TestRequestBroadcastArmsOnce(t *testing.T) {
	r, fake := newTestRoom(t, Config{})
	start := fake.Now()

	a, b := NewMockConn("1"), NewMockConn("2")
	r.members["1"] = &member{conn: a}
	r.members["2"] = &member{conn: b}

	for i := 0; i < 3; i++ {
		r.recordPresence("2", presence.Presence{})
		r.requestBroadcast()
		fake.Advance(5 * time.Millisecond)
	}
	before := len(a.Frames())
	fake.Advance(100 * time.Millisecond)
	if len(a.Frames()) != before+1 {
		t.Fatalf("Expected exactly one flush, got %d", len(a.Frames())-before)
	}
	if at := r.sched.lastBroadcast.Sub(start); at != 50*time.Millisecond {
		t.Errorf("Expected flush at +50ms, got %v", at)
	}
}

func TestLastWriteWinsAndRemoveWins(t *testing.T) {
	r, fake := newTestRoom(t, Config{})
	a, b, c := NewMockConn("1"), NewMockConn("2"), NewMockConn("3")
	r.Join(a)
	r.Join(b)
	r.Join(c)
	fake.Advance(50 * time.Millisecond)

	fake.Advance(10 * time.Millisecond)
	r.Receive(b, cursorFrame(1, 1))
	r.Receive(b, cursorFrame(2, 2))
	r.Receive(c, cursorFrame(3, 3))
	r.Leave(c)

	fake.Advance(40 * time.Millisecond)

	changes := changesFor(t, a)
	if len(changes) != 2 {
		t.Fatalf("Expected 2 broadcasts, got %d", len(changes))
	}
	last := changes[1]
	if cur := last.Presence["2"].Cursor; cur == nil || cur.X != 2 || cur.Y != 2 {
		t.Errorf("Expected last write (2,2) for 2, got %+v", cur)
	}
	if _, ok := last.Presence["3"]; ok {
		t.Error("Removed id should not appear in presence")
	}
	if len(last.Remove) != 1 || last.Remove[0] != "3" {
		t.Errorf("Expected remove [3], got %v", last.Remove)
	}
}

func TestSingleConnectionSuppression(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, fake := newTestRoom(t, Config{Metrics: metrics.New(reg)})
	a := NewMockConn("1")
	r.Join(a)
	fake.Advance(50 * time.Millisecond)

	initial := len(changesFor(t, a))

	for i := 0; i < 5; i++ {
		fake.Advance(60 * time.Millisecond)
		r.Receive(a, cursorFrame(float64(i), float64(i)))
	}
	fake.Advance(time.Second)

	if got := len(changesFor(t, a)); got != initial {
		t.Errorf("Expected no echo broadcasts, got %d extra", got-initial)
	}
	if len(r.pending) != 0 {
		t.Error("Suppressed presence should be dropped")
	}

	snapshot, _ := r.Snapshot(context.Background())
	if cur := snapshot["1"].Presence.Cursor; cur == nil || cur.X != 4 {
		t.Errorf("Room view should still track the latest cursor, got %+v", cur)
	}
}

func TestLeaveFlushesWhenIdle(t *testing.T) {
	r, fake := newTestRoom(t, Config{})
	a, b := NewMockConn("1"), NewMockConn("2")
	r.Join(a)
	r.Join(b)
	fake.Advance(200 * time.Millisecond)

	before := len(changesFor(t, a))
	r.Leave(b)

	changes := changesFor(t, a)
	if len(changes) != before+1 {
		t.Fatalf("Leave should broadcast immediately, got %d new", len(changes)-before)
	}
	if rm := changes[len(changes)-1].Remove; len(rm) != 1 || rm[0] != "2" {
		t.Errorf("Expected remove [2], got %v", rm)
	}

	r.Leave(b)
	if len(r.remove) != 0 {
		t.Error("Leaving twice should not queue a second remove")
	}
}

func TestMalformedMessagePolicy(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		frame      protocol.Frame
		wantClosed bool
	}{
		{
			name:       "Compact path closes on text frame",
			cfg:        Config{Inbound: protocol.FormatCompact},
			frame:      protocol.Frame{Data: []byte("1,2,m")},
			wantClosed: true,
		},
		{
			name:       "Compact path closes on wrong length",
			cfg:        Config{Inbound: protocol.FormatCompact},
			frame:      protocol.Frame{Binary: true, Data: []byte{1, 2, 3}},
			wantClosed: true,
		},
		{
			name:       "JSON path ignores failed validation",
			cfg:        Config{Inbound: protocol.FormatJSON},
			frame:      protocol.Frame{Data: []byte(`{"type":"update","presence":{"cursor":{"x":1}}}`)},
			wantClosed: false,
		},
		{
			name:       "Msgpack path ignores garbage",
			cfg:        Config{Inbound: protocol.FormatMsgpack},
			frame:      protocol.Frame{Binary: true, Data: []byte{0xc1}},
			wantClosed: false,
		},
		{
			name:       "Explicit policy overrides the path default",
			cfg:        Config{Inbound: protocol.FormatCompact, OnViolation: protocol.PolicyIgnore},
			frame:      protocol.Frame{Data: []byte("junk")},
			wantClosed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRoom(t, tt.cfg)
			a := NewMockConn("1")
			r.Join(a)
			r.Receive(a, tt.frame)

			if a.IsClosed() != tt.wantClosed {
				t.Errorf("Expected closed=%v, got %v", tt.wantClosed, a.IsClosed())
			}
			if len(r.pending) != 0 {
				t.Error("Malformed message should not record presence")
			}
		})
	}
}

func TestStructuredInbound(t *testing.T) {
	r, fake := newTestRoom(t, Config{Inbound: protocol.FormatJSON})
	a, b := NewMockConn("1"), NewMockConn("2")
	r.Join(a)
	r.Join(b)

	r.Receive(b, protocol.Frame{Data: []byte(`{"type":"update","presence":{"cursor":{"x":3,"y":4,"pointer":"touch"}}}`)})
	fake.Advance(50 * time.Millisecond)

	changes := changesFor(t, a)
	if len(changes) != 1 {
		t.Fatalf("Expected one broadcast, got %d", len(changes))
	}
	if cur := changes[0].Presence["2"].Cursor; cur == nil || cur.X != 3 || cur.Y != 4 {
		t.Errorf("Expected cursor (3,4), got %+v", cur)
	}
}

func TestSendFailureClearsBatch(t *testing.T) {
	r, fake := newTestRoom(t, Config{})
	a, b := NewMockConn("1"), NewMockConn("2")
	r.Join(a)
	r.Join(b)
	a.sendErr = errors.New("broken pipe")

	r.Receive(b, cursorFrame(7, 7))
	fake.Advance(50 * time.Millisecond)

	if len(r.add) != 0 || len(r.pending) != 0 || len(r.remove) != 0 {
		t.Error("Pending sets should be cleared even when a send fails")
	}
	if len(changesFor(t, b)) != 1 {
		t.Error("Healthy connections should still receive the batch")
	}

	fake.Advance(time.Second)
	if len(changesFor(t, b)) != 1 {
		t.Error("Failed batch should not be resent")
	}
}

func TestCompactEncodingFallsBackToJSON(t *testing.T) {
	r, _ := newTestRoom(t, Config{Outbound: protocol.FormatCompact})
	a := NewMockConn("alice")
	r.Join(a)

	frames := a.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[1].Binary {
		t.Fatal("Non-numeric id should fall back to a JSON text frame")
	}
	sync, ok := decode(t, frames[1]).(protocol.Sync)
	if !ok {
		t.Fatalf("Expected Sync, got %T", decode(t, frames[1]))
	}
	if _, ok := sync.Users["alice"]; !ok {
		t.Error("Fallback sync should carry the string id")
	}
}

func TestOutOfRangeCursorFallsBackToJSON(t *testing.T) {
	r, fake := newTestRoom(t, Config{Inbound: protocol.FormatJSON})
	a, b := NewMockConn("1"), NewMockConn("2")
	r.Join(a)
	r.Join(b)

	r.Receive(b, protocol.Frame{Data: []byte(`{"type":"update","presence":{"cursor":{"x":1e39,"y":-1e300,"pointer":"mouse"}}}`)})
	fake.Advance(50 * time.Millisecond)

	if b.IsClosed() {
		t.Fatal("A finite cursor should be accepted on the JSON path")
	}
	frames := a.Frames()
	if len(frames) != 3 {
		t.Fatalf("Expected one broadcast, got %d frames", len(frames)-2)
	}
	if frames[2].Binary {
		t.Fatal("Cursor beyond float32 should fall back to a JSON text frame")
	}
	changes, ok := decode(t, frames[2]).(protocol.Changes)
	if !ok {
		t.Fatalf("Expected Changes, got %T", decode(t, frames[2]))
	}
	cur := changes.Presence["2"].Cursor
	if cur == nil || cur.X != 1e39 || cur.Y != -1e300 {
		t.Errorf("Expected cursor (1e39,-1e300), got %+v", cur)
	}
}

func TestRunAndClose(t *testing.T) {
	r := New("live", Config{Interval: 10 * time.Millisecond})
	exited := make(chan struct{})
	go func() {
		r.Run()
		close(exited)
	}()

	a := NewMockConn("1")
	if err := r.Join(a); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	users, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("Expected 1 user, got %d", len(users))
	}

	r.Close()
	r.Close()
	<-exited

	if _, err := r.Snapshot(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
