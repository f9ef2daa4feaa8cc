// Package api serves the read-only challenge and leaderboard surface plus
// the admin-only operational routes.
package api

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/gorilla/mux"

	"questd/internal/clock"
	"questd/internal/domain"
	"questd/internal/orchestrator"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

const (
	defaultHistoryLimit = 7
	maxHistoryLimit     = 100
)

// Assignments is the part of the challenge store the API reads.
type Assignments interface {
	GetAssignment(ctx context.Context, userID string, date domain.Date) (domain.ChallengeAssignment, error)
	History(ctx context.Context, userID string, limit int) ([]domain.ChallengeAssignment, error)
}

// Leaderboard returns the last published snapshot, storage.ErrNotFound before the first.
type Leaderboard interface {
	Current(ctx context.Context) (domain.LeaderboardSnapshot, error)
}

// Operations is the orchestrator surface exposed to admins.
type Operations interface {
	RunNow(name string) error
	Snapshot() orchestrator.Snapshot
	Location() *time.Location
}

type Deps struct {
	Tokens      storage.TokenResolver
	Assignments Assignments
	Leaderboard Leaderboard
	Ops         Operations
	Clock       clock.Clock
}

// RouterOptions are the per-server settings baked into a router.
type RouterOptions struct {
	AdminToken string
	Pprof      bool
	// RatePerSec caps requests per user on /challenges. 0 disables it.
	RatePerSec int
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps, opt RouterOptions, log logx.Logger) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	h := &handlers{deps: d, log: log}

	r := mux.NewRouter()
	r.Use(requestLogger(log))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failure(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failure(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)

	user := r.PathPrefix("/challenges").Subrouter()
	user.Use(requireUser(d.Tokens), rateLimit(opt.RatePerSec))
	user.HandleFunc("/today", h.today).Methods(http.MethodGet)
	user.HandleFunc("/history", h.history).Methods(http.MethodGet)

	admin := r.PathPrefix("/ops").Subrouter()
	admin.Use(requireAdmin(opt.AdminToken))
	admin.HandleFunc("/status", h.status).Methods(http.MethodGet)
	admin.HandleFunc("/tasks/{name}/run", h.runTask).Methods(http.MethodPost)

	if opt.Pprof {
		dbg := r.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(requireAdmin(opt.AdminToken))
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		// Index also serves the named profiles (heap, goroutine, ...).
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	return r
}
