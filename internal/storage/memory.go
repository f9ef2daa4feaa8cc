package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"questd/internal/domain"
)

type memUser struct {
	active bool
	score  *domain.ScoreRecord
}

type memDef struct {
	def       domain.ChallengeDefinition
	published bool
}

type memSession struct {
	userID    string
	expiresAt time.Time
}

type assignmentKey struct {
	userID string
	date   domain.Date
}

// Memory is a process-local Store. Readers of the leaderboard never block
// on a publish: the current snapshot is swapped as a single pointer.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]*memUser
	defs        map[string]memDef
	assignments map[assignmentKey]domain.ChallengeAssignment
	sessions    map[string]memSession

	// Publishes are serialized so the version check and the swap are one step.
	pubMu   sync.Mutex
	current atomic.Pointer[domain.LeaderboardSnapshot]

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:       map[string]*memUser{},
		defs:        map[string]memDef{},
		assignments: map[assignmentKey]domain.ChallengeAssignment{},
		sessions:    map[string]memSession{},
		now:         time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ActiveUserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for id, u := range m.users {
		if u.active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListScores(ctx context.Context) ([]domain.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ScoreRecord, 0, len(m.users))
	for _, u := range m.users {
		if u.active && u.score != nil {
			out = append(out, *u.score)
		}
	}
	return out, nil
}

func (m *Memory) ListDefinitions(ctx context.Context) ([]domain.ChallengeDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChallengeDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		if d.published {
			out = append(out, d.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAssignment(ctx context.Context, userID string, date domain.Date) (domain.ChallengeAssignment, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChallengeAssignment{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey{userID, date}]
	if !ok {
		return domain.ChallengeAssignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, a domain.ChallengeAssignment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkAssignment(a); err != nil {
		return false, err
	}
	k := assignmentKey{a.UserID, a.Date}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[k]; ok {
		return false, nil
	}
	m.assignments[k] = a
	return true, nil
}

func (m *Memory) History(ctx context.Context, userID string, limit int) ([]domain.ChallengeAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]domain.ChallengeAssignment, 0)
	for k, a := range m.assignments {
		if k.userID == userID {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[j].Date.Before(out[i].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ExpirePending(ctx context.Context, before domain.Date) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, a := range m.assignments {
		if a.Status == domain.StatusPending && a.Date.Before(before) {
			a.Status = domain.StatusExpired
			m.assignments[k] = a
			n++
		}
	}
	return n, nil
}

func (m *Memory) Publish(ctx context.Context, snap domain.LeaderboardSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if cur := m.current.Load(); cur != nil && snap.Version <= cur.Version {
		return ErrStaleSnapshot
	}
	cp := snap
	cp.Entries = append([]domain.LeaderboardEntry(nil), snap.Entries...)
	m.current.Store(&cp)
	return nil
}

func (m *Memory) Current(ctx context.Context) (domain.LeaderboardSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	cur := m.current.Load()
	if cur == nil {
		return domain.LeaderboardSnapshot{}, ErrNotFound
	}
	return *cur, nil
}

func (m *Memory) ResolveToken(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok || token == "" {
		return "", ErrNotFound
	}
	if !s.expiresAt.IsZero() && !m.now().Before(s.expiresAt) {
		return "", ErrNotFound
	}
	return s.userID, nil
}

func (m *Memory) UpsertUser(ctx context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	if u == nil {
		u = &memUser{}
		m.users[userID] = u
	}
	u.active = active
	return nil
}

// PutScore also registers the user as active when unknown.
func (m *Memory) PutScore(ctx context.Context, rec domain.ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[rec.UserID]
	if u == nil {
		u = &memUser{active: true}
		m.users[rec.UserID] = u
	}
	r := rec
	u.score = &r
	return nil
}

func (m *Memory) PutDefinition(ctx context.Context, def domain.ChallengeDefinition, published bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = memDef{def: def, published: published}
	return nil
}

func (m *Memory) PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = memSession{userID: userID, expiresAt: expiresAt}
	return nil
}
