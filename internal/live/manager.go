package live

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/safetrail/client/internal/storage/models"
)

const (
	// unregisterDelay is how long a finished session's delivery token stays
	// registered, leaving the server a window to deliver one last push.
	unregisterDelay = 3 * time.Second

	// debounceWindow drops repeated RestoreIfNeeded calls for the same trip.
	// Status transitions bypass it so overdue alerts are never delayed.
	debounceWindow = 2 * time.Second

	surfaceTimeout = 10 * time.Second
)

type phase string

const (
	phaseStarting phase = "starting"
	phaseActive   phase = "active"
	phaseEnding   phase = "ending"
)

// session tracks one OS-level display session.
type session struct {
	tripID       string
	phase        phase
	lastCount    int
	lastStatus   string
	lastUpdate   time.Time
	cancelTokens context.CancelFunc
	unregister   *time.Timer
}

type restoreMark struct {
	at     time.Time
	status string
}

// Manager owns the lifecycle of background display sessions: one per trip,
// with takeover, debounce and token handling tuned to the OS rate limits on
// live-display updates.
type Manager struct {
	surface   Surface
	registrar *Registrar
	api       TokenAPI

	// opMu serializes the decision portion of start/update/end across all
	// trips. It is never held across a surface or network call.
	opMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	restores map[string]restoreMark
	disabled bool

	// Overridable in tests.
	now             func() time.Time
	unregisterAfter time.Duration
	debounce        time.Duration
}

// NewManager creates a background display session manager.
func NewManager(surface Surface, registrar *Registrar, api TokenAPI) *Manager {
	return &Manager{
		surface:         surface,
		registrar:       registrar,
		api:             api,
		sessions:        make(map[string]*session),
		restores:        make(map[string]restoreMark),
		now:             time.Now,
		unregisterAfter: unregisterDelay,
		debounce:        debounceWindow,
	}
}

// Start opens a display session for the trip. A session for a different trip
// is ended first; a session for the same trip degrades the call to an
// update.
func (m *Manager) Start(trip models.Trip, checkinCount int) {
	m.opMu.Lock()

	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		m.opMu.Unlock()
		return
	}

	// Only one session may ever be active: evict sessions for other trips.
	var evicted []*session
	for id, s := range m.sessions {
		if id == trip.ID {
			continue
		}
		if s.cancelTokens != nil {
			s.cancelTokens()
		}
		delete(m.sessions, id)
		evicted = append(evicted, s)
	}

	existing := m.sessions[trip.ID]
	if existing != nil && existing.phase == phaseEnding {
		// Restarting a trip that is still winding down: cancel the pending
		// token unregistration and open fresh.
		if existing.unregister != nil {
			existing.unregister.Stop()
		}
		delete(m.sessions, trip.ID)
		existing = nil
	}

	var s *session
	if existing == nil {
		s = &session{
			tripID:     trip.ID,
			phase:      phaseStarting,
			lastCount:  checkinCount,
			lastStatus: trip.Status,
		}
		m.sessions[trip.ID] = s
	}
	m.mu.Unlock()
	m.opMu.Unlock()

	for _, old := range evicted {
		m.endSession(old, nil)
	}

	if existing != nil {
		m.Update(trip, checkinCount)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	tokens, err := m.surface.Request(ctx, contentFor(trip, checkinCount, m.now()), trip.StaleAt())
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.sessions, trip.ID)
		m.mu.Unlock()
		m.handleSurfaceError(trip.ID, err)
		return
	}

	m.mu.Lock()
	if m.sessions[trip.ID] != s || s.phase == phaseEnding {
		// Ended while the surface request was in flight; the end pass owns
		// the wind-down from here.
		m.mu.Unlock()
		cancel()
		return
	}
	s.phase = phaseActive
	s.cancelTokens = cancel
	s.lastUpdate = m.now()
	m.mu.Unlock()

	go m.observeTokens(ctx, trip.ID, tokens)
	log.Printf("Started display session for trip %s", trip.ID)
}

// Update pushes fresh content to the trip's session, starting one if none
// exists. A zero check-in count never overwrites a known positive count; a
// concurrent caller without the latest count must not clobber it.
func (m *Manager) Update(trip models.Trip, checkinCount int) {
	m.opMu.Lock()

	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		m.opMu.Unlock()
		return
	}

	s := m.sessions[trip.ID]
	if s == nil || s.phase == phaseEnding {
		m.mu.Unlock()
		m.opMu.Unlock()
		m.Start(trip, checkinCount)
		return
	}

	if checkinCount > 0 {
		s.lastCount = checkinCount
	}
	count := s.lastCount
	s.lastStatus = trip.Status
	s.lastUpdate = m.now()
	m.mu.Unlock()
	m.opMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), surfaceTimeout)
	defer cancel()

	if err := m.surface.Update(ctx, trip.ID, contentFor(trip, count, m.now()), trip.StaleAt()); err != nil {
		m.handleSurfaceError(trip.ID, err)
	}
}

// End closes the trip's session, pushing a final completed snapshot and
// scheduling token unregistration after a grace delay. End(nil) closes every
// session. A repeated End for the same trip replaces the pending
// unregistration instead of duplicating it.
func (m *Manager) End(trip *models.Trip) {
	m.opMu.Lock()

	m.mu.Lock()
	var toEnd []*session
	var finals []*Content

	if trip == nil {
		for _, s := range m.sessions {
			toEnd = append(toEnd, s)
			finals = append(finals, nil)
		}
	} else if s := m.sessions[trip.ID]; s != nil {
		ended := *trip
		ended.Status = models.TripStatusCompleted
		final := contentFor(ended, s.lastCount, m.now())
		toEnd = append(toEnd, s)
		finals = append(finals, &final)
	}

	for _, s := range toEnd {
		s.phase = phaseEnding
		if s.cancelTokens != nil {
			s.cancelTokens()
			s.cancelTokens = nil
		}
	}
	m.mu.Unlock()
	m.opMu.Unlock()

	for i, s := range toEnd {
		m.endSession(s, finals[i])
	}
}

// RestoreIfNeeded reconciles the display session after a relaunch or an
// external state change. Calls within the debounce window for an unchanged
// status are dropped; a status transition always goes through.
func (m *Manager) RestoreIfNeeded(trip *models.Trip) {
	if trip == nil {
		m.End(nil)
		return
	}

	if trip.IsFinished() {
		m.End(trip)
		return
	}

	now := m.now()

	m.mu.Lock()
	mark, seen := m.restores[trip.ID]
	if seen && mark.status == trip.Status && now.Sub(mark.at) < m.debounce {
		m.mu.Unlock()
		return
	}
	m.restores[trip.ID] = restoreMark{at: now, status: trip.Status}
	m.mu.Unlock()

	m.Start(*trip, trip.CheckinCount)
}

// Disabled reports whether the surface rejected us for this process
// lifetime.
func (m *Manager) Disabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// ActiveTrip returns the trip id of the active session, if any.
func (m *Manager) ActiveTrip() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.phase == phaseActive || s.phase == phaseStarting {
			return id, true
		}
	}
	return "", false
}

// Stop tears down every session without waiting for pending unregistrations.
func (m *Manager) Stop() {
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.cancelTokens != nil {
			s.cancelTokens()
		}
		if s.unregister != nil {
			s.unregister.Stop()
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// endSession pushes the final content (if any) and schedules the delayed
// token unregistration.
func (m *Manager) endSession(s *session, final *Content) {
	ctx, cancel := context.WithTimeout(context.Background(), surfaceTimeout)
	defer cancel()

	if err := m.surface.End(ctx, s.tripID, final); err != nil {
		log.Printf("Failed to end display session for trip %s: %v", s.tripID, err)
	}

	m.mu.Lock()
	if s.unregister != nil {
		s.unregister.Stop()
	}
	s.unregister = time.AfterFunc(m.unregisterAfter, func() {
		m.unregisterToken(s.tripID)
	})
	m.mu.Unlock()

	log.Printf("Ended display session for trip %s", s.tripID)
}

func (m *Manager) unregisterToken(tripID string) {
	ctx, cancel := context.WithTimeout(context.Background(), surfaceTimeout)
	defer cancel()

	if err := m.api.UnregisterDeliveryToken(ctx, tripID); err != nil {
		log.Printf("Failed to unregister delivery token for trip %s: %v", tripID, err)
	}
	m.registrar.Forget(tripID)

	m.mu.Lock()
	if s := m.sessions[tripID]; s != nil && s.phase == phaseEnding {
		delete(m.sessions, tripID)
	}
	m.mu.Unlock()
}

// observeTokens forwards rotating delivery tokens from the OS to the
// registrar queue. It never blocks on network I/O.
func (m *Manager) observeTokens(ctx context.Context, tripID string, tokens <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case token, ok := <-tokens:
			if !ok {
				return
			}
			m.registrar.Enqueue(tripID, token)
		}
	}
}

func (m *Manager) handleSurfaceError(tripID string, err error) {
	if errors.Is(err, ErrNotAuthorized) {
		m.mu.Lock()
		already := m.disabled
		m.disabled = true
		m.mu.Unlock()
		if !already {
			log.Printf("Background display disabled by user; feature off for this session")
		}
		return
	}
	log.Printf("Display surface error for trip %s: %v", tripID, err)
}
