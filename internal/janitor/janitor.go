package janitor

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/manpreetbhatti/presence/internal/logging"
)

// Store is the part of the room registry the janitor prunes.
type Store interface {
	DeleteStaleRooms(cutoff time.Time, keep []string) (int, error)
}

// Rooms reports the rooms that currently have connections. Those are never
// pruned, however long ago their last join was.
type Rooms interface {
	ActiveRooms() map[string]int
}

type Config struct {
	Interval time.Duration

	// Rooms idle for longer than this are removed from the registry
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Retention: 30 * 24 * time.Hour,
	}
}

// Periodically prunes stale rows from the room registry
type Service struct {
	store  Store
	rooms  Rooms
	config Config
	log    hclog.Logger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(store Store, rooms Rooms, config Config, logger hclog.Logger) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	return &Service{
		store:  store,
		rooms:  rooms,
		config: config,
		log:    logging.OrNull(logger),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("janitor started", "interval", s.config.Interval, "retention", s.config.Retention)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.PruneNow()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PruneNow()
		}
	}
}

// PruneNow runs one pass and returns the number of rooms removed.
func (s *Service) PruneNow() int {
	cutoff := s.now().Add(-s.config.Retention)
	var keep []string
	if s.rooms != nil {
		for id := range s.rooms.ActiveRooms() {
			keep = append(keep, id)
		}
	}

	n, err := s.store.DeleteStaleRooms(cutoff, keep)
	if err != nil {
		s.log.Error("failed to prune rooms", "error", err)
		return 0
	}
	if n > 0 {
		s.log.Info("pruned stale rooms", "count", n, "cutoff", cutoff)
	}
	return n
}
