package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Supervisor owns every live connection.
//
// Pairing sessions hold connection ids, never connection objects; all
// liveness questions are answered by this table, so tearing a connection
// down can never leave a session pointing at freed state.
type Supervisor struct {
	log *slog.Logger

	idle  time.Duration
	scan  time.Duration
	slots *semaphore.Weighted

	mu    sync.RWMutex
	conns map[string]*Client
}

// NewSupervisor constructs a Supervisor with a global connection-slot cap.
func NewSupervisor(log *slog.Logger, maxConns int64, idle, scan time.Duration) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = maxConnections
	}
	if idle <= 0 {
		idle = idleTimeout
	}
	if scan <= 0 {
		scan = idleScan
	}
	return &Supervisor{
		log:   log,
		idle:  idle,
		scan:  scan,
		slots: semaphore.NewWeighted(maxConns),
		conns: make(map[string]*Client),
	}
}

// Acquire tries to take a connection slot; handshakes are refused when full.
func (s *Supervisor) Acquire() bool {
	return s.slots.TryAcquire(1)
}

// release returns a slot taken by Acquire when the handshake dies before
// Register. After Register, the slot is owned by Unregister.
func (s *Supervisor) release() {
	s.slots.Release(1)
}

// Register adds a client to the live table.
func (s *Supervisor) Register(c *Client) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()

	metricConnections.Inc()
}

// Unregister removes a client and releases its slot. Idempotent.
//
// Role-specific cleanup is deliberately nil on both sides: a mobile dying
// before AUTH leaves only a stale candidate id behind, and a browser dying
// before AUTHENTICATED keeps its session alive until TTL so it can resume.
func (s *Supervisor) Unregister(id string) {
	s.mu.Lock()
	_, existed := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if existed {
		s.slots.Release(1)
		metricConnections.Dec()
	}
}

// Get returns the live client for id, or nil.
func (s *Supervisor) Get(id string) *Client {
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// Touch records liveness for id at now.
func (s *Supervisor) Touch(id string, now time.Time) {
	if c := s.Get(id); c != nil {
		c.Touch(now)
	}
}

// Len returns the live connection count.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run evicts idle connections until ctx is done.
// Eviction only signals Close; the owning gateway handler observes it and
// performs the full teardown (including Unregister).
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.scan)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.evictIdle(now.UTC())
		}
	}
}

func (s *Supervisor) evictIdle(now time.Time) {
	s.mu.RLock()
	var stale []*Client
	for _, c := range s.conns {
		if now.Sub(c.LastSeen()) > s.idle {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		s.log.Info("ws.evict.idle", "conn_id", c.ID, "role", c.Role().String(), "last_seen", c.LastSeen())
		c.Close()
	}
}
