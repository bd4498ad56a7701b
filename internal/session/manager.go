package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrEnded             = errors.New("session ended")
	ErrThresholdDecrease = errors.New("threshold must not decrease")
)

// Manager is the session registry. All session fields are guarded by mu;
// each entry additionally carries a gate that serializes request processing
// for one identity.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	defaultThreshold  int
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	historyLimit      int
	onExpire          func(*Session)
	now               func() time.Time
	epoch             uint64
}

type entry struct {
	gate chan struct{}
	// notifyMu orders interjections against End: whatever is delivered
	// under IfActive lands before End returns. Lock order: notifyMu, then mu.
	notifyMu sync.Mutex
	s        *Session
	seq     int
	scanned int
}

func NewManager(defaultThreshold int) *Manager {
	if defaultThreshold <= 0 {
		defaultThreshold = 2
	}
	return &Manager{
		entries:          make(map[string]*entry),
		defaultThreshold: defaultThreshold,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetInactivityTimeout makes the janitor end active sessions idle for longer than d. Zero disables.
func (m *Manager) SetInactivityTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactivityTimeout = d
}

// SetEndedRetention makes the janitor drop ended sessions after d. Zero keeps them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

// SetHistoryLimit caps in-memory history per session. Only records already
// consumed by Scan are ever dropped.
func (m *Manager) SetHistoryLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyLimit = n
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) DefaultThreshold() int {
	return m.defaultThreshold
}

// Register returns the live session for identity, or creates one. isNew is
// true only when a session was created; an ended session under the same
// identity is replaced.
func (m *Manager) Register(identity string, md Metadata) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[identity]; ok && e.s.Active() {
		return clone(e.s), false
	}
	now := m.now()
	m.epoch++
	s := &Session{
		ID:             identity,
		Epoch:          m.epoch,
		Metadata:       md,
		Status:         StatusActive,
		Threshold:      m.defaultThreshold,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.entries[identity] = &entry{gate: make(chan struct{}, 1), s: s}
	return clone(s), true
}

// End marks the session inactive. ended is true only for the active to ended
// transition; unknown or already ended identities are a no-op.
func (m *Manager) End(identity string) (*Session, bool) {
	m.mu.RLock()
	e, ok := m.entries[identity]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.s.Active() {
		return nil, false
	}
	m.endLocked(e)
	return clone(e.s), true
}

// IfActive runs fn only while the session identified by identity and epoch is
// still active, and holds off End until fn returns. fn must not block and must
// not end the same session.
func (m *Manager) IfActive(identity string, epoch uint64, fn func()) bool {
	m.mu.RLock()
	e, ok := m.entries[identity]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	m.mu.RLock()
	live := e.s.Active() && e.s.Epoch == epoch
	m.mu.RUnlock()
	if !live {
		return false
	}
	fn()
	return true
}

func (m *Manager) Get(identity string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[identity]
	if !ok {
		return nil, false
	}
	return clone(e.s), true
}

// Live returns snapshots of active sessions ordered by identity.
func (m *Manager) Live() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.entries))
	for _, id := range m.sortedIDsLocked() {
		if e := m.entries[id]; e.s.Active() {
			out = append(out, clone(e.s))
		}
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.s.Active() {
			count++
		}
	}
	return count
}

// Len counts tracked sessions, tombstones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Lease is an accepted request slot for one session. Holders must call Release.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

// Accept waits for earlier requests on identity to finish and admits the
// caller if the session is live at that point.
func (m *Manager) Accept(ctx context.Context, identity string) (*Lease, error) {
	m.mu.RLock()
	e, ok := m.entries[identity]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	active := e.s.Active()
	m.mu.RUnlock()
	if !active {
		<-e.gate
		return nil, ErrEnded
	}
	return &Lease{m: m, e: e}, nil
}

func (l *Lease) SessionID() string {
	return l.e.s.ID
}

// Append records rec in the leased session's history. A request accepted
// before End still lands in history.
func (l *Lease) Append(rec Record) Record {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	e := l.e
	e.seq++
	rec.Seq = e.seq
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	e.s.History = append(e.s.History, rec)
	e.s.LastActivityAt = rec.CreatedAt
	m.trimLocked(e)
	return rec
}

func (l *Lease) Release() {
	l.once.Do(func() { <-l.e.gate })
}

// ScanFunc inspects a session copy plus the records appended since the last
// successful scan, and may update Threshold, MatchesSinceEscalation and
// Escalations on the copy. It runs under the registry lock and must not block.
type ScanFunc func(s *Session, fresh []Record) error

// Fault reports a session whose scan failed and was rolled back.
type Fault struct {
	SessionID string
	Err       error
}

// Scan applies fn to every active session. Changes commit only when fn
// succeeds; a failing or panicking session is reported and skipped so the
// remaining sessions are still scanned.
func (m *Manager) Scan(fn ScanFunc) (scanned int, faults []Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedIDsLocked() {
		e := m.entries[id]
		if !e.s.Active() {
			continue
		}
		scanned++
		snapshot := *e.s
		snapshot.History = nil
		fresh := append([]Record(nil), e.s.History[e.scanned:]...)

		if err := safeScan(fn, &snapshot, fresh); err != nil {
			faults = append(faults, Fault{SessionID: id, Err: err})
			continue
		}
		if snapshot.Threshold < e.s.Threshold {
			faults = append(faults, Fault{
				SessionID: id,
				Err:       fmt.Errorf("%w: %d -> %d", ErrThresholdDecrease, e.s.Threshold, snapshot.Threshold),
			})
			continue
		}
		e.s.Threshold = snapshot.Threshold
		e.s.MatchesSinceEscalation = snapshot.MatchesSinceEscalation
		e.s.Escalations = snapshot.Escalations
		e.scanned = len(e.s.History)
		m.trimLocked(e)
	}
	return scanned, faults
}

func safeScan(fn ScanFunc, s *Session, fresh []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return fn(s, fresh)
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
				m.Sweep()
			}
		}
	}()
}

// Sweep expires idle sessions and drops ended ones past retention. It returns
// the sessions expired by this call.
func (m *Manager) Sweep() []*Session {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, e := range m.entries {
		s := e.s
		switch {
		case s.Active() && m.inactivityTimeout > 0 && now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			m.endLocked(e)
			expired = append(expired, clone(s))
		case !s.Active() && m.endedRetention > 0 && s.EndedAt != nil && now.Sub(*s.EndedAt) >= m.endedRetention:
			delete(m.entries, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return expired
}

func (m *Manager) endLocked(e *entry) {
	now := m.now()
	e.s.Status = StatusEnded
	e.s.EndedAt = &now
	e.s.LastActivityAt = now
}

func (m *Manager) trimLocked(e *entry) {
	if m.historyLimit <= 0 {
		return
	}
	excess := len(e.s.History) - m.historyLimit
	if excess > e.scanned {
		excess = e.scanned
	}
	if excess <= 0 {
		return
	}
	e.s.History = append([]Record(nil), e.s.History[excess:]...)
	e.scanned -= excess
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clone(s *Session) *Session {
	c := *s
	c.History = append([]Record(nil), s.History...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
