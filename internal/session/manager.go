package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/gallery/internal/chat"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

const closeTimeout = 5 * time.Second

type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Title             string    `json:"title"`
	Status            Status    `json:"status"`
	ActiveTurnID      string    `json:"active_turn_id"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// CoordinatorFactory builds the coordinator backing a new session.
type CoordinatorFactory func() (*chat.Coordinator, error)

// Manager tracks chat sessions. Every active session owns one coordinator;
// all of them share the interaction store the factory wires in.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	coordinators      map[string]*chat.Coordinator
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	newCoordinator    CoordinatorFactory
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, factory CoordinatorFactory) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		coordinators:      make(map[string]*chat.Coordinator),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		newCoordinator:    factory,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, title string) (*Session, error) {
	coord, err := m.newCoordinator()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.coordinators[s.ID] = coord
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ForUser returns the active session last created for userID.
func (m *Manager) ForUser(userID string) (*Session, error) {
	m.mu.RLock()
	id, ok := m.sessionByUser[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(id)
}

// Coordinator returns the coordinator of an active session.
func (m *Manager) Coordinator(sessionID string) (*chat.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	return m.coordinators[sessionID], nil
}

// update applies fn to the session under the write lock and stamps activity.
func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if fn != nil {
		fn(s)
	}
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, nil)
}

// StartTurn records turnID as the session's active turn.
func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		s.ActiveTurnID = turnID
		s.TurnCount++
	})
}

// FinishTurn clears the active turn if it is still turnID.
func (m *Manager) FinishTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
	})
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

// End marks the session ended and stops its coordinator.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	coord := m.endLocked(s, m.now())
	out := clone(s)
	m.mu.Unlock()

	closeCoordinator(coord)
	return out, nil
}

// OwnsInteraction reports whether a live turn is writing interactionID.
func (m *Manager) OwnsInteraction(interactionID int64) bool {
	m.mu.RLock()
	coords := make([]*chat.Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coords = append(coords, c)
	}
	m.mu.RUnlock()

	for _, c := range coords {
		st := c.Snapshot()
		if st.Phase != chat.PhaseIdle && st.InteractionID == interactionID {
			return true
		}
	}
	return false
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// Close ends every active session.
func (m *Manager) Close() {
	now := m.now()
	var coords []*chat.Coordinator

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if c := m.endLocked(s, now); c != nil {
			coords = append(coords, c)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *chat.Coordinator) {
			defer wg.Done()
			closeCoordinator(c)
		}(c)
	}
	wg.Wait()
}

func (m *Manager) expireInactive() {
	now := m.now()
	var (
		expired []*Session
		coords  []*chat.Coordinator
	)

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			// Ended sessions stay readable for a while, then go.
			if now.Sub(s.LastActivityAt) >= 10*m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if c := m.coordinators[id]; c != nil && c.Snapshot().Phase != chat.PhaseIdle {
			continue
		}
		if c := m.endLocked(s, now); c != nil {
			coords = append(coords, c)
		}
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range coords {
		closeCoordinator(c)
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// endLocked flips s to ended and detaches its coordinator.
func (m *Manager) endLocked(s *Session, now time.Time) *chat.Coordinator {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = now
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
	coord := m.coordinators[s.ID]
	delete(m.coordinators, s.ID)
	return coord
}

func closeCoordinator(c *chat.Coordinator) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = c.Close(ctx)
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
