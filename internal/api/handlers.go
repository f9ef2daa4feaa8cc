package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"questd/internal/challenge"
	"questd/internal/domain"
	"questd/internal/orchestrator"
	"questd/internal/storage"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

type handlers struct {
	deps Deps
	log  logx.Logger
}

type leaderboardView struct {
	Version    uint64                    `json:"version"`
	ComputedAt time.Time                 `json:"computed_at"`
	Total      int                       `json:"total"`
	Entries    []domain.LeaderboardEntry `json:"entries"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	success(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryLimit reads ?limit. Missing means def; values above ceiling are clamped.
func queryLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

func (h *handlers) today(w http.ResponseWriter, r *http.Request) {
	uid := userIDFrom(r)
	date := challenge.ReferenceDate(h.deps.Clock.Now(), h.deps.Ops.Location())
	a, err := h.deps.Assignments.GetAssignment(r.Context(), uid, date)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			failure(w, http.StatusNotFound, "no challenge assigned for "+date.String())
			return
		}
		h.log.Warn("assignment lookup failed", logx.String("user_id", uid), logx.Err(err))
		failure(w, http.StatusInternalServerError, "assignment lookup failed")
		return
	}
	success(w, http.StatusOK, a)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		failure(w, http.StatusBadRequest, err.Error())
		return
	}
	uid := userIDFrom(r)
	items, err := h.deps.Assignments.History(r.Context(), uid, limit)
	if err != nil {
		h.log.Warn("history lookup failed", logx.String("user_id", uid), logx.Err(err))
		failure(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	if items == nil {
		items = []domain.ChallengeAssignment{}
	}
	success(w, http.StatusOK, items)
}

func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0, 0)
	if err != nil {
		failure(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.deps.Leaderboard.Current(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			failure(w, http.StatusServiceUnavailable, "leaderboard not computed yet")
			return
		}
		h.log.Warn("leaderboard read failed", logx.Err(err))
		failure(w, http.StatusInternalServerError, "leaderboard read failed")
		return
	}
	entries := snap.Top(limit)
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	success(w, http.StatusOK, leaderboardView{
		Version:    snap.Version,
		ComputedAt: snap.ComputedAt,
		Total:      len(snap.Entries),
		Entries:    entries,
	})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	success(w, http.StatusOK, h.deps.Ops.Snapshot())
}

func (h *handlers) runTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := h.deps.Ops.RunNow(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, APIResponse{Success: true, Message: "run dispatched", Data: map[string]string{"task": name}})
	case errors.Is(err, orchestrator.ErrUnknownTask):
		failure(w, http.StatusNotFound, "unknown task: "+name)
	case errors.Is(err, orchestrator.ErrInFlight):
		failure(w, http.StatusConflict, "task already in flight: "+name)
	case errors.Is(err, engine.ErrDisabled), errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrQueueFull):
		failure(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Warn("manual run failed", logx.String("task", name), logx.Err(err))
		failure(w, http.StatusInternalServerError, err.Error())
	}
}
