package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/clock"
	"questd/internal/domain"
	"questd/internal/orchestrator"
	"questd/internal/storage"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

type fakeOps struct {
	loc   *time.Location
	runs  []string
	runFn func(name string) error
}

func (f *fakeOps) RunNow(name string) error {
	f.runs = append(f.runs, name)
	if f.runFn != nil {
		return f.runFn(name)
	}
	return nil
}

func (f *fakeOps) Snapshot() orchestrator.Snapshot {
	return orchestrator.Snapshot{Tasks: map[string]orchestrator.TaskStats{"leaderboard_refresh": {Runs: 2}}}
}

func (f *fakeOps) Location() *time.Location { return f.loc }

type fixture struct {
	store *storage.Memory
	ops   *fakeOps
	clk   *clock.Fake
	h     http.Handler
}

func newFixture(t *testing.T, opt RouterOptions) *fixture {
	t.Helper()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutSession(ctx, "tok-alice", "alice", time.Time{}))
	require.NoError(t, st.PutSession(ctx, "tok-old", "bob", time.Now().Add(-time.Hour)))

	// 2026-03-01 23:30 UTC is already 2026-03-02 in Tokyo.
	clk := clock.NewFake(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	ops := &fakeOps{loc: tokyo}
	h := NewRouter(Deps{Tokens: st, Assignments: st, Leaderboard: st, Ops: ops, Clock: clk}, opt, logx.Nop())
	return &fixture{store: st, ops: ops, clk: clk, h: h}
}

func (f *fixture) do(t *testing.T, method, path, token string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var body APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func decodeData(t *testing.T, body APIResponse, out any) {
	t.Helper()
	b, err := json.Marshal(body.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
}

func TestTodayRequiresAuth(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	rec, _ := f.do(t, http.MethodGet, "/challenges/today", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec, _ = f.do(t, http.MethodGet, "/challenges/today", "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/challenges/today", "tok-old")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "expired session")
}

func TestTodayUsesReferenceTimezone(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	ctx := context.Background()

	rec, _ := f.do(t, http.MethodGet, "/challenges/today", "tok-alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	day, err := domain.ParseDate("2026-03-02")
	require.NoError(t, err)
	_, err = f.store.CreateIfAbsent(ctx, domain.ChallengeAssignment{
		ID: "a1", UserID: "alice", Date: day, DefinitionID: "pushups", Status: domain.StatusPending, CreatedAt: f.clk.Now(),
	})
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/challenges/today", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.ChallengeAssignment
	decodeData(t, body, &got)
	assert.Equal(t, "pushups", got.DefinitionID)
	assert.Equal(t, "2026-03-02", got.Date.String())
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	ctx := context.Background()
	start, err := domain.ParseDate("2026-01-01")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := f.store.CreateIfAbsent(ctx, domain.ChallengeAssignment{
			ID: fmt.Sprintf("a%d", i), UserID: "alice", Date: start.AddDays(i), DefinitionID: "d", Status: domain.StatusPending,
		})
		require.NoError(t, err)
	}

	var items []domain.ChallengeAssignment
	rec, body := f.do(t, http.MethodGet, "/challenges/history", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, body, &items)
	require.Len(t, items, defaultHistoryLimit)
	assert.Equal(t, "2026-01-10", items[0].Date.String(), "most recent first")

	rec, body = f.do(t, http.MethodGet, "/challenges/history?limit=3", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, body, &items)
	assert.Len(t, items, 3)

	rec, body = f.do(t, http.MethodGet, "/challenges/history?limit=1000", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, body, &items)
	assert.Len(t, items, 10)

	for _, bad := range []string{"0", "-1", "ten"} {
		rec, body = f.do(t, http.MethodGet, "/challenges/history?limit="+bad, "tok-alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.False(t, body.Success)
	}
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	rec, body := f.do(t, http.MethodGet, "/leaderboard", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, body.Success)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Publish(context.Background(), domain.LeaderboardSnapshot{
		Version:    7,
		ComputedAt: at,
		Entries: []domain.LeaderboardEntry{
			{UserID: "alice", Rank: 1, Score: 100, ComputedAt: at},
			{UserID: "bob", Rank: 2, Score: 100, ComputedAt: at},
			{UserID: "carol", Rank: 3, Score: 80, ComputedAt: at},
		},
	}))

	rec, body = f.do(t, http.MethodGet, "/leaderboard?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view leaderboardView
	decodeData(t, body, &view)
	assert.Equal(t, uint64(7), view.Version)
	assert.Equal(t, 3, view.Total)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "alice", view.Entries[0].UserID)
	assert.Equal(t, 2, view.Entries[1].Rank)
}

func TestOpsRequiresAdminToken(t *testing.T) {
	closed := newFixture(t, RouterOptions{})
	rec, _ := closed.do(t, http.MethodGet, "/ops/status", "anything")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f := newFixture(t, RouterOptions{AdminToken: "admin"})
	rec, _ = f.do(t, http.MethodGet, "/ops/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/ops/status", "tok-alice")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/ops/status", "admin")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.Snapshot
	decodeData(t, body, &snap)
	assert.Equal(t, uint64(2), snap.Tasks["leaderboard_refresh"].Runs)
}

func TestRunTask(t *testing.T) {
	f := newFixture(t, RouterOptions{AdminToken: "admin"})
	f.ops.runFn = func(name string) error {
		switch name {
		case "leaderboard_refresh":
			return nil
		case "challenge_generation":
			return fmt.Errorf("dispatch: %w", orchestrator.ErrInFlight)
		case "stopped":
			return engine.ErrStopped
		default:
			return fmt.Errorf("%w: %s", orchestrator.ErrUnknownTask, name)
		}
	}

	cases := []struct {
		name string
		want int
	}{
		{"leaderboard_refresh", http.StatusAccepted},
		{"challenge_generation", http.StatusConflict},
		{"stopped", http.StatusServiceUnavailable},
		{"nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec, _ := f.do(t, http.MethodPost, "/ops/tasks/"+tc.name+"/run", "admin")
		assert.Equal(t, tc.want, rec.Code, tc.name)
	}
	assert.Equal(t, []string{"leaderboard_refresh", "challenge_generation", "stopped", "nope"}, f.ops.runs)

	rec, _ := f.do(t, http.MethodGet, "/ops/tasks/leaderboard_refresh/run", "admin")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	off := newFixture(t, RouterOptions{AdminToken: "admin"})
	rec, _ := off.do(t, http.MethodGet, "/debug/pprof/", "admin")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := newFixture(t, RouterOptions{AdminToken: "admin", Pprof: true})
	rec, _ = on.do(t, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = on.do(t, http.MethodGet, "/debug/pprof/cmdline", "admin")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	st := storage.NewMemory()
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{
		Tokens: st, Assignments: st, Leaderboard: st, Ops: &fakeOps{loc: time.UTC},
	}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Start(ctx)
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		t.Fatal("server did not bind")
	}
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, srv.Addr())
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Enabled: true}
	assert.False(t, needsRestart(base, Config{Enabled: true, Addr: defaultAddr}))
	assert.True(t, needsRestart(base, Config{Enabled: true, AdminToken: "x"}))
	assert.True(t, needsRestart(base, Config{Enabled: true, Pprof: true}))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.False(t, isLoopbackAddr(":8080"))
}

func TestChallengesRateLimit(t *testing.T) {
	f := newFixture(t, RouterOptions{RatePerSec: 2})

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/challenges/history", "tok-alice")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := f.do(t, http.MethodGet, "/challenges/history", "tok-alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.False(t, body.Success)

	// unauthenticated requests are rejected before the limiter
	rec, _ = f.do(t, http.MethodGet, "/challenges/history", "tok-old")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// the health probe is never limited
	rec, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserLimiterPrunesIdleUsers(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lim := newUserLimiter(1)
	lim.now = func() time.Time { return now }

	assert.True(t, lim.allow("alice"))
	assert.False(t, lim.allow("alice"))
	for i := 0; i < 50; i++ {
		lim.allow(fmt.Sprintf("user-%d", i))
	}
	assert.Equal(t, 51, lim.size())

	now = now.Add(limiterIdleTTL / 2)
	assert.True(t, lim.allow("alice"))

	// Everyone but alice has been idle for a full ttl.
	now = now.Add(limiterIdleTTL / 2)
	assert.True(t, lim.allow("bob"))
	assert.Equal(t, 2, lim.size())
	assert.False(t, lim.allow("bob"))
}
