// Package client holds a participant's local view of a presence room and
// the websocket session that keeps it in step with the server.
//
// The Store is the reconciliation state: it applies identity, sync and
// delta messages from the server, takes optimistic local updates, and
// debounces them into outbound Update messages.
package client

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/manpreetbhatti/presence/internal/clock"
	"github.com/manpreetbhatti/presence/internal/logging"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/presence"
	"github.com/manpreetbhatti/presence/internal/protocol"
)

// DefaultDebounce is shorter than the server broadcast interval so each
// broadcast carries the freshest local cursor.
const DefaultDebounce = 25 * time.Millisecond

// Sender delivers an outbound update. It must not block.
type Sender func(protocol.Update) error

type StoreConfig struct {
	Debounce time.Duration

	// Sent once when the first sync arrives, unless an update already went out
	Initial presence.Presence

	Clock   clock.Clock
	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// View is an immutable snapshot of the store.
type View struct {
	MyID   string
	Myself *presence.User
	Synced bool
	Others map[string]presence.User
}

type Store struct {
	send     Sender
	debounce time.Duration
	initial  presence.Presence
	clock    clock.Clock
	log      hclog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	myID    string
	myself  *presence.User
	synced  bool
	others  map[string]presence.User
	pending *presence.Presence
	timer   clock.Timer
	sentAny bool
	closed  bool

	subs    map[int]func(View)
	nextSub int

	// One goroutine delivers views at a time; others mark dirty and leave
	// the latest state to it.
	dirty      bool
	delivering bool
}

func NewStore(send Sender, cfg StoreConfig) *Store {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Store{
		send:     send,
		debounce: cfg.Debounce,
		initial:  cfg.Initial.Clone(),
		clock:    clock.OrReal(cfg.Clock),
		log:      logging.OrNull(cfg.Logger),
		metrics:  cfg.Metrics,
		others:   make(map[string]presence.User),
		subs:     make(map[int]func(View)),
	}
}

// Handle applies one decoded server message.
func (s *Store) Handle(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.Identity:
		s.SetMyID(m.ID)
	case protocol.Sync:
		s.ApplySync(m.Users)
	case protocol.Changes:
		s.ApplyChanges(m)
	}
}

// SetMyID records the connection id the server assigned and resets myself
// to an empty presence. A new id means a new connection, so the store waits
// for a fresh sync before sending the initial presence again.
func (s *Store) SetMyID(id string) {
	s.mu.Lock()
	s.myID = id
	s.myself = &presence.User{}
	s.synced = false
	s.sentAny = false
	s.mu.Unlock()
	s.notify()
}

// ApplySync replaces the whole view. The entry for myID becomes myself;
// every other entry replaces the previous set of peers.
func (s *Store) ApplySync(users map[string]presence.User) {
	s.mu.Lock()
	others := make(map[string]presence.User, len(users))
	for id, u := range users {
		if s.myID != "" && id == s.myID {
			me := u.Clone()
			s.myself = &me
			continue
		}
		others[id] = u.Clone()
	}
	s.others = others

	first := !s.synced
	s.synced = true
	if first && !s.sentAny && !s.closed {
		s.sendLocked(s.initial.Clone())
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyChanges applies adds, then presence, then removes. Entries for myID
// are skipped; local state for myself is never overwritten by a delta.
func (s *Store) ApplyChanges(ch protocol.Changes) {
	s.mu.Lock()
	for id, u := range ch.Add {
		if id == s.myID {
			continue
		}
		s.others[id] = u.Clone()
	}
	for id, p := range ch.Presence {
		if id == s.myID {
			continue
		}
		if _, ok := s.others[id]; !ok {
			s.metrics.ImplicitAdd()
			s.log.Debug("presence for unknown user, adding implicitly", "id", id)
		}
		s.others[id] = presence.User{Presence: p.Clone()}
	}
	for _, id := range ch.Remove {
		if id == s.myID {
			continue
		}
		delete(s.others, id)
	}
	s.mu.Unlock()
	s.notify()
}

// UpdatePresence merges the patch into myself and schedules it for sending.
// It reports false when there is no identity yet or the store is closed.
func (s *Store) UpdatePresence(patch presence.Partial) bool {
	s.mu.Lock()
	if s.myself == nil || s.closed {
		s.mu.Unlock()
		return false
	}
	merged := patch.Merge(s.myself.Presence)
	s.myself = &presence.User{Presence: merged}
	out := merged.Clone()
	s.pending = &out

	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.debounce, s.fire)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timer = nil

	var p presence.Presence
	if s.pending != nil {
		p = *s.pending
	}
	s.pending = nil
	s.sendLocked(p)
}

func (s *Store) sendLocked(p presence.Presence) {
	s.sentAny = true
	if err := s.send(protocol.Update{Presence: p}); err != nil {
		s.log.Warn("failed to send update", "error", err)
		return
	}
	s.metrics.UpdateSent()
}

// Subscribe registers fn to be called with a fresh View after every change.
// The returned func removes the subscription.
func (s *Store) Subscribe(fn func(View)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify delivers the current view to subscribers. Views reach a subscriber
// in the order the changes happened, and a subscriber may call back into
// the store.
func (s *Store) notify() {
	s.mu.Lock()
	s.dirty = true
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for s.dirty {
		s.dirty = false
		if len(s.subs) == 0 {
			continue
		}
		view := s.viewLocked()
		subs := make([]func(View), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()

		for _, fn := range subs {
			fn(view)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() View {
	v := View{
		MyID:   s.myID,
		Synced: s.synced,
		Others: presence.CloneUsers(s.others),
	}
	if s.myself != nil {
		me := s.myself.Clone()
		v.Myself = &me
	}
	return v
}

// Close cancels any pending debounce. No update is sent after Close returns.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.subs = make(map[int]func(View))
}
