package ws

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/manpreetbhatti/presence/internal/logging"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/ratelimit"
	"github.com/manpreetbhatti/presence/internal/room"
)

const (
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	defaultUpgradesPerSecond = 10
	defaultUpgradeBurst      = 20
	defaultMaxViolations     = 1000
	defaultRoom              = "default"
)

type Config struct {
	// Template for every room the hub opens
	Room room.Config

	// Room used when a request names none
	DefaultRoom string

	// Handshake token expected in the "from" query parameter. Empty disables the check.
	Token string

	// Origins allowed to upgrade. Empty or "*" allows any.
	AllowedOrigins []string

	MessagesPerSecond float64
	MessageBurst      int
	UpgradesPerSecond float64
	UpgradeBurst      int

	// Rate limit violations tolerated before a connection is closed
	MaxViolations int

	Logger  hclog.Logger
	Metrics *metrics.Metrics

	// Called after a connection joins, with the room's connection count
	OnJoin func(roomID string, connections int)
}

type roomEntry struct {
	room    *room.Room
	clients int
}

// Routes connections to rooms. Rooms are opened on first join and closed
// when their last connection leaves.
type Hub struct {
	cfg      Config
	log      hclog.Logger
	metrics  *metrics.Metrics
	upgrades *ratelimit.ClientLimiters
	upgrader websocket.Upgrader

	rooms  map[string]*roomEntry
	nextID atomic.Uint64
	mu     sync.Mutex
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func NewHub(cfg Config) *Hub {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	if cfg.UpgradesPerSecond <= 0 {
		cfg.UpgradesPerSecond = defaultUpgradesPerSecond
	}
	if cfg.UpgradeBurst <= 0 {
		cfg.UpgradeBurst = defaultUpgradeBurst
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = defaultMaxViolations
	}
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = defaultRoom
	}

	root := logging.OrNull(cfg.Logger)
	if cfg.Room.Logger == nil {
		cfg.Room.Logger = root.Named("room")
	}
	if cfg.Room.Metrics == nil {
		cfg.Room.Metrics = cfg.Metrics
	}

	h := &Hub{
		cfg:      cfg,
		log:      root.Named("hub"),
		metrics:  cfg.Metrics,
		upgrades: ratelimit.NewClientLimiters(cfg.UpgradesPerSecond, cfg.UpgradeBurst),
		rooms:    make(map[string]*roomEntry),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// NextID returns a fresh connection id. Ids are decimal so the compact
// codec can carry them.
func (h *Hub) NextID() string {
	return strconv.FormatUint(h.nextID.Add(1), 10)
}

// acquire returns the room for roomID, opening it if needed, and counts
// one more connection against it.
func (h *Hub) acquire(roomID string) (*room.Room, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.rooms[roomID]
	if !ok {
		r := room.New(roomID, h.cfg.Room)
		go r.Run()
		entry = &roomEntry{room: r}
		h.rooms[roomID] = entry
		h.metrics.RoomOpened()
		h.log.Info("room opened", "room", roomID)
	}
	entry.clients++
	return entry.room, entry.clients
}

// release drops one connection from roomID and closes the room once empty.
func (h *Hub) release(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.rooms[roomID]
	if !ok {
		return
	}
	entry.clients--
	if entry.clients > 0 {
		h.log.Debug("client left room", "room", roomID, "remaining", entry.clients)
		return
	}
	delete(h.rooms, roomID)
	entry.room.Close()
	h.metrics.RoomClosed()
	h.log.Info("room closed", "room", roomID)
}

// Room returns the open room for roomID, if any.
func (h *Hub) Room(roomID string) (*room.Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

func (h *Hub) RoomIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveRooms maps each open room to its connection count.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	active := make(map[string]int, len(h.rooms))
	for id, entry := range h.rooms {
		active[id] = entry.clients
	}
	return active
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Rooms: len(h.rooms)}
	for _, entry := range h.rooms {
		s.Connections += entry.clients
	}
	return s
}

// Shutdown closes every open room. Connections still attached are left to
// their pumps, which exit when the server closes them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.rooms {
		entry.room.Close()
		delete(h.rooms, id)
		h.metrics.RoomClosed()
	}
	h.upgrades.Stop()
}
