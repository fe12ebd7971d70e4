// Package session keeps per-visitor state between requests: the logged-in
// user and the filtered log set handed off to the map view. State lives
// under two fixed keys so every view reads and writes the same slots.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tanklog/internal/core"
)

const (
	// KeyCurrentUser holds the JSON-encoded logged-in user.
	KeyCurrentUser = "currentUser"
	// KeyMapLogs holds the JSON-encoded log subset the map view renders.
	KeyMapLogs = "mapLogs"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNoSession   = errors.New("no such session")
)

// Store is the raw key-value persistence behind a single session.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// MemoryStore is the in-process Store used in production and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Gate wraps a Store with the typed operations the views use. A corrupted
// stored value reads as "not logged in" rather than an error: the visitor
// is sent back through login instead of seeing a failure page.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// CurrentUser returns the logged-in user, or ErrNotLoggedIn when the slot
// is empty or unreadable.
func (g *Gate) CurrentUser() (core.User, error) {
	raw, ok := g.store.Get(KeyCurrentUser)
	if !ok {
		return core.User{}, ErrNotLoggedIn
	}
	var u core.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return core.User{}, ErrNotLoggedIn
	}
	return u, nil
}

func (g *Gate) SetCurrentUser(u core.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	g.store.Set(KeyCurrentUser, string(b))
	return nil
}

// UpdateCurrentUser applies a read-modify-write merge to the stored user.
// Profile edits and primary-car changes go through here so fields the
// caller does not touch survive the write.
func (g *Gate) UpdateCurrentUser(merge func(core.User) core.User) (core.User, error) {
	u, err := g.CurrentUser()
	if err != nil {
		return core.User{}, err
	}
	u = merge(u)
	if err := g.SetCurrentUser(u); err != nil {
		return core.User{}, err
	}
	return u, nil
}

// StashMapLogs records the filtered subset the map view should render.
func (g *Gate) StashMapLogs(logs []core.RefuelLog) error {
	b, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encoding map logs: %w", err)
	}
	g.store.Set(KeyMapLogs, string(b))
	return nil
}

// MapLogs returns the stashed subset. An empty or unreadable slot yields
// an empty slice, which the map view renders as the fallback center.
func (g *Gate) MapLogs() []core.RefuelLog {
	raw, ok := g.store.Get(KeyMapLogs)
	if !ok {
		return nil
	}
	var logs []core.RefuelLog
	if err := json.Unmarshal([]byte(raw), &logs); err != nil {
		return nil
	}
	return logs
}

// Clear wipes both slots. Only logout calls this; navigation between
// views never does.
func (g *Gate) Clear() {
	g.store.Delete(KeyCurrentUser)
	g.store.Delete(KeyMapLogs)
}

// Manager maps opaque cookie tokens to Gates. Sessions idle past the TTL
// are dropped by the reaper.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
}

type entry struct {
	gate     *Gate
	lastSeen time.Time
}

func NewManager(ttl time.Duration) *Manager {
	return &Manager{sessions: make(map[string]*entry), ttl: ttl}
}

// Begin creates a fresh session and returns its token.
func (m *Manager) Begin() (string, *Gate, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generating session token: %w", err)
	}
	token := "sess_" + hex.EncodeToString(buf)
	gate := NewGate(NewMemoryStore())

	m.mu.Lock()
	m.sessions[token] = &entry{gate: gate, lastSeen: time.Now()}
	m.mu.Unlock()
	return token, gate, nil
}

// Gate resolves a token to its session, refreshing its idle timer.
func (m *Manager) Gate(token string) (*Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[token]
	if !ok {
		return nil, ErrNoSession
	}
	if m.ttl > 0 && time.Since(e.lastSeen) > m.ttl {
		delete(m.sessions, token)
		return nil, ErrNoSession
	}
	e.lastSeen = time.Now()
	return e.gate, nil
}

// End drops a session entirely.
func (m *Manager) End(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Reap removes idle sessions and returns how many were dropped.
func (m *Manager) Reap() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, e := range m.sessions {
		if time.Since(e.lastSeen) > m.ttl {
			delete(m.sessions, token)
			n++
		}
	}
	return n
}

// StartReaper runs Reap on the given interval until stop is closed.
func (m *Manager) StartReaper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reap()
			case <-stop:
				return
			}
		}
	}()
}
