package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manpreetbhatti/presence/internal/clock"
	"github.com/manpreetbhatti/presence/internal/logging"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/presence"
	"github.com/manpreetbhatti/presence/internal/protocol"
)

var ErrClosed = errors.New("room closed")

// Conn is one participant's connection as seen by a room.
// Send must not block; the transport queues or drops.
type Conn interface {
	ID() string
	Send(f protocol.Frame) error
	Close() error
}

type Config struct {
	Interval time.Duration

	// Format of broadcasts and snapshots sent to clients
	Outbound protocol.Format

	// Format expected from clients
	Inbound protocol.Format

	// What to do with a malformed client message. Empty uses the inbound
	// path's default.
	OnViolation protocol.Policy

	Clock   clock.Clock
	Logger  hclog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type member struct {
	conn     Conn
	presence presence.Presence
}

// A presence session. All state below is owned by the goroutine in Run;
// other goroutines reach it through dispatch.
type Room struct {
	id      string
	out     protocol.Codec
	in      protocol.Codec
	policy  protocol.Policy
	clock   clock.Clock
	log     hclog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	members map[string]*member

	// pending changes since the last flush
	add     map[string]presence.User
	pending map[string]presence.Presence
	remove  []string
	sched   *Scheduler
	timer   clock.Timer
	timerID uint64

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	dispatch  func(fn func()) bool
}

// Creates a new room with the given ID
func New(id string, cfg Config) *Room {
	clk := clock.OrReal(cfg.Clock)
	if cfg.Outbound == "" {
		cfg.Outbound = protocol.FormatCompact
	}
	if cfg.Inbound == "" {
		cfg.Inbound = protocol.FormatCompact
	}
	policy := cfg.OnViolation
	if policy == "" {
		policy = cfg.Inbound.DefaultPolicy()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/manpreetbhatti/presence/internal/room")
	}

	r := &Room{
		id:      id,
		out:     protocol.NewCodec(cfg.Outbound),
		in:      protocol.NewCodec(cfg.Inbound),
		policy:  policy,
		clock:   clk,
		log:     logging.OrNull(cfg.Logger).With("room", id),
		metrics: cfg.Metrics,
		tracer:  tracer,
		members: make(map[string]*member),
		add:     make(map[string]presence.User),
		pending: make(map[string]presence.Presence),
		sched:   NewScheduler(cfg.Interval, clk.Now()),
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
	}
	r.dispatch = r.enqueue
	return r
}

func (r *Room) ID() string {
	return r.id
}

// Run processes room events until Close is called.
func (r *Room) Run() {
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.done:
			r.stopTimer()
			return
		}
	}
}

func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Room) enqueue(fn func()) bool {
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Join registers conn and immediately replies with its identity and a full snapshot.
func (r *Room) Join(conn Conn) error {
	if !r.dispatch(func() { r.join(conn) }) {
		return ErrClosed
	}
	return nil
}

// Receive handles one inbound frame from conn.
func (r *Room) Receive(conn Conn, f protocol.Frame) {
	r.dispatch(func() { r.receive(conn, f) })
}

func (r *Room) Leave(conn Conn) {
	id := conn.ID()
	r.dispatch(func() { r.leave(id) })
}

// Snapshot returns the current room view.
func (r *Room) Snapshot(ctx context.Context) (map[string]presence.User, error) {
	result := make(chan map[string]presence.User, 1)
	if !r.dispatch(func() { result <- r.users() }) {
		return nil, ErrClosed
	}
	select {
	case users := <-result:
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *Room) users() map[string]presence.User {
	users := make(map[string]presence.User, len(r.members))
	for id, m := range r.members {
		users[id] = presence.User{Presence: m.presence.Clone()}
	}
	return users
}

func (r *Room) join(conn Conn) {
	id := conn.ID()
	m := &member{conn: conn}
	r.members[id] = m
	r.add[id] = presence.User{Presence: m.presence}

	r.send(conn, protocol.Identity{ID: id})
	r.send(conn, protocol.Sync{Users: r.users()})

	r.log.Debug("participant joined", "conn", id, "members", len(r.members))
	r.requestBroadcast()
}

func (r *Room) receive(conn Conn, f protocol.Frame) {
	m, ok := r.members[conn.ID()]
	if !ok || m.conn != conn {
		return
	}

	update, err := r.in.DecodeUpdate(f)
	if err != nil {
		r.violation(conn, err)
		return
	}

	m.presence = update.Presence
	r.recordPresence(conn.ID(), update.Presence)
	r.requestBroadcast()
}

func (r *Room) violation(conn Conn, err error) {
	r.metrics.ProtocolViolation(string(r.policy))
	if r.policy == protocol.PolicyClose {
		r.log.Warn("closing connection after malformed message", "conn", conn.ID(), "error", err)
		if cerr := conn.Close(); cerr != nil {
			r.log.Debug("close failed", "conn", conn.ID(), "error", cerr)
		}
		return
	}
	r.log.Debug("ignoring malformed message", "conn", conn.ID(), "error", err)
}

// recordPresence replaces any pending presence for id.
func (r *Room) recordPresence(id string, p presence.Presence) {
	r.pending[id] = p
}

func (r *Room) leave(id string) {
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	delete(r.pending, id)
	r.remove = append(r.remove, id)

	r.log.Debug("participant left", "conn", id, "members", len(r.members))
	r.requestBroadcast()
}

func (r *Room) requestBroadcast() {
	decision, delay := r.sched.Request(r.clock.Now())
	switch decision {
	case FlushNow:
		r.stopTimer()
		r.flush()
	case Arm:
		r.timerID++
		id := r.timerID
		r.timer = r.clock.AfterFunc(delay, func() {
			r.dispatch(func() { r.onTimer(id) })
		})
	}
}

// onTimer ignores a firing whose timer was stopped or replaced after the
// callback had already been queued.
func (r *Room) onTimer(id uint64) {
	if r.timer == nil || id != r.timerID {
		return
	}
	r.timer = nil
	r.sched.Disarm()
	r.flush()
}

func (r *Room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.sched.Disarm()
}

// soleAuthorEcho reports whether the pending batch would only echo the
// single remaining connection's own presence back to it.
func (r *Room) soleAuthorEcho() bool {
	if len(r.members) != 1 || len(r.add) != 0 || len(r.remove) != 0 || len(r.pending) != 1 {
		return false
	}
	for id := range r.members {
		_, ok := r.pending[id]
		return ok
	}
	return false
}

func (r *Room) flush() {
	r.sched.Flushed(r.clock.Now())

	if r.soleAuthorEcho() {
		r.pending = make(map[string]presence.Presence)
		r.metrics.SuppressedEcho()
		return
	}

	changes := protocol.Changes{Add: r.add, Presence: r.pending, Remove: r.remove}
	r.add = make(map[string]presence.User)
	r.pending = make(map[string]presence.Presence)
	r.remove = nil

	if changes.Empty() {
		return
	}

	_, span := r.tracer.Start(context.Background(), "room.flush", trace.WithAttributes(
		attribute.String("room", r.id),
		attribute.Int("add", len(changes.Add)),
		attribute.Int("presence", len(changes.Presence)),
		attribute.Int("remove", len(changes.Remove)),
		attribute.Int("members", len(r.members)),
	))
	defer span.End()

	frame, format, err := r.encode(changes)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("dropping batch that cannot be encoded", "error", err)
		return
	}
	r.metrics.Broadcast(string(format), len(frame.Data))

	failed := 0
	for id, m := range r.members {
		if err := m.conn.Send(frame); err != nil {
			failed++
			r.metrics.SendError()
			r.log.Warn("broadcast send failed", "conn", id, "error", err)
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d sends failed", failed))
	}
}

// encode uses the outbound format and falls back to JSON text when the
// compact layout cannot represent the message.
func (r *Room) encode(msg protocol.ServerMessage) (protocol.Frame, protocol.Format, error) {
	frame, err := r.out.EncodeServer(msg)
	if err == nil {
		if _, ok := msg.(protocol.Identity); ok {
			return frame, protocol.FormatJSON, nil
		}
		return frame, r.out.Format, nil
	}
	if !errors.Is(err, protocol.ErrEncoding) || r.out.Format == protocol.FormatJSON {
		return protocol.Frame{}, "", err
	}

	r.metrics.EncodeFallback()
	r.log.Debug("falling back to JSON", "error", err)
	frame, err = protocol.EncodeServerJSON(msg)
	return frame, protocol.FormatJSON, err
}

func (r *Room) send(conn Conn, msg protocol.ServerMessage) {
	frame, _, err := r.encode(msg)
	if err != nil {
		r.log.Error("cannot encode message", "conn", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		r.metrics.SendError()
		r.log.Warn("send failed", "conn", conn.ID(), "error", err)
	}
}
