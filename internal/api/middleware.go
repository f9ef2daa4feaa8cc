package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"questd/internal/storage"
	logx "questd/pkg/logx"
)

type contextKey string

const userIDKey = contextKey("user_id")

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	ah := strings.TrimSpace(r.Header.Get("Authorization"))
	const p = "Bearer "
	if len(ah) <= len(p) || !strings.EqualFold(ah[:len(p)], p) {
		return ""
	}
	return strings.TrimSpace(ah[len(p):])
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	failure(w, http.StatusUnauthorized, msg)
}

// requireUser resolves the bearer token to a user id and stores it in the
// request context.
func requireUser(tokens storage.TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			uid, err := tokens.ResolveToken(r.Context(), tok)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					unauthorized(w, "invalid or expired token")
					return
				}
				failure(w, http.StatusInternalServerError, "token lookup failed")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin guards operational routes. Without a configured token they
// are closed.
func requireAdmin(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				failure(w, http.StatusForbidden, "admin surface disabled: no admin token configured")
				return
			}
			got := []byte(bearerToken(r))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				unauthorized(w, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterIdleTTL is how long a user's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// userLimiter throttles each authenticated user to rps requests per second
// with a burst of rps. It must run after requireUser. Idle users are pruned
// at most once per ttl.
type userLimiter struct {
	mu        sync.Mutex
	rps       int
	ttl       time.Duration
	now       func() time.Time
	m         map[string]*userLimit
	lastSweep time.Time
}

type userLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(rps int) *userLimiter {
	return &userLimiter{rps: rps, ttl: limiterIdleTTL, now: time.Now, m: map[string]*userLimit{}}
}

func (u *userLimiter) allow(userID string) bool {
	u.mu.Lock()
	now := u.now()
	if now.Sub(u.lastSweep) >= u.ttl {
		for id, e := range u.m {
			if now.Sub(e.lastSeen) >= u.ttl {
				delete(u.m, id)
			}
		}
		u.lastSweep = now
	}
	e := u.m[userID]
	if e == nil {
		e = &userLimit{lim: rate.NewLimiter(rate.Limit(u.rps), u.rps)}
		u.m[userID] = e
	}
	e.lastSeen = now
	u.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (u *userLimiter) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.m)
}

func rateLimit(rps int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := newUserLimiter(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.allow(userIDFrom(r)) {
				w.Header().Set("Retry-After", "1")
				failure(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", sw.status),
				logx.Duration("dur", time.Since(start)),
			)
		})
	}
}
