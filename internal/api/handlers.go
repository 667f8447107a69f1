package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/presence/internal/db"
	"github.com/manpreetbhatti/presence/internal/logging"
	"github.com/manpreetbhatti/presence/internal/presence"
	"github.com/manpreetbhatti/presence/internal/room"
	"github.com/manpreetbhatti/presence/internal/ws"
)

const snapshotTimeout = 2 * time.Second

type API struct {
	hub      *ws.Hub
	database *db.Database
	gatherer prometheus.Gatherer
	log      hclog.Logger
}

func New(hub *ws.Hub, database *db.Database, gatherer prometheus.Gatherer, logger hclog.Logger) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{
		hub:      hub,
		database: database,
		gatherer: gatherer,
		log:      logging.OrNull(logger),
	}
}

// Router wires every endpoint behind the shared middleware stack.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)
	r.Get("/api/rooms", a.ListRoomsHandler)
	r.Get("/api/rooms/{id}", a.GetRoomHandler)
	r.Delete("/api/rooms/{id}", a.DeleteRoomHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		a.hub.ServeWs(w, r, r.URL.Query().Get("room"))
	})
	r.HandleFunc("/parties/{room}", a.PartyHandler)

	return r
}

// requestID tags each request with a uuid, reusing one supplied by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("error encoding JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	hubStats := a.hub.Stats()
	stats := map[string]interface{}{
		"active_rooms":       hubStats.Rooms,
		"active_connections": hubStats.Connections,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_joins"] = dbStats.TotalJoins
		} else {
			a.log.Warn("failed to read registry stats", "error", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room registry handlers

type RoomResponse struct {
	ID           string    `json:"id"`
	TotalJoins   int       `json:"total_joins"`
	PeakUsers    int       `json:"peak_users"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ActiveUsers  int       `json:"active_users"`
}

func roomResponse(room db.Room, active int) RoomResponse {
	return RoomResponse{
		ID:           room.ID,
		TotalJoins:   room.TotalJoins,
		PeakUsers:    room.PeakUsers,
		CreatedAt:    room.CreatedAt,
		LastActiveAt: room.LastActiveAt,
		ActiveUsers:  active,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.log.Error("failed to list rooms", "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.ActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = roomResponse(room, activeRooms[room.ID])
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		a.log.Error("failed to get room", "room", roomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	if room == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, roomResponse(*room, a.hub.ActiveRooms()[roomID]))
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	deleted, err := a.database.DeleteRoom(roomID)
	if err != nil {
		a.log.Error("failed to delete room", "room", roomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}
	if !deleted {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// Party endpoint

type SnapshotResponse struct {
	Users map[string]presence.User `json:"users"`
}

func setPartyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
}

// PartyHandler upgrades websocket requests into the room and otherwise
// serves a read-only snapshot of who is present.
func (a *API) PartyHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")

	if websocket.IsWebSocketUpgrade(r) {
		a.hub.ServeWs(w, r, roomID)
		return
	}

	setPartyCORS(w)

	switch r.Method {
	case http.MethodGet:
		a.snapshot(w, r, roomID)
	case http.MethodOptions:
		a.jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request, roomID string) {
	users := map[string]presence.User{}

	if rm, ok := a.hub.Room(roomID); ok {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()

		current, err := rm.Snapshot(ctx)
		switch {
		case err == nil:
			users = current
		case errors.Is(err, room.ErrClosed):
			// emptied between lookup and snapshot
		default:
			a.log.Warn("snapshot failed", "room", roomID, "error", err)
			a.errorResponse(w, http.StatusServiceUnavailable, "Snapshot unavailable")
			return
		}
	}

	a.jsonResponse(w, http.StatusOK, SnapshotResponse{Users: users})
}
