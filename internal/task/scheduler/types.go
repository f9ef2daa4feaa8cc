package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"questd/internal/clock"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// JobFunc is a scheduled unit of work. firedAt is the nominal fire time on
// the reference clock, which is what jobs derive their calendar day from.
type JobFunc func(ctx context.Context, firedAt time.Time) error

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Dispatcher is the execution side. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
	StateFor(name string) *engine.RunState
}

type scheduleDef struct {
	name    string
	spec    string
	parsed  ParsedSpec
	sched   cron.Schedule
	timeout time.Duration
	job     JobFunc
	opt     TaskOptions

	next  time.Time
	prev  time.Time
	fires uint64
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	clock clock.Clock
	disp  Dispatcher

	parser cron.Parser
	defs   map[string]*scheduleDef
	order  []string

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// Enqueue warning throttling: key is schedule name.
	enqMu       sync.Mutex
	enqLimiters map[string]*rate.Limiter
	suppressed  map[string]uint64
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Kind    string        `json:"kind"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev,omitempty"`
	Fires   uint64        `json:"fires"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Now       time.Time      `json:"now"`
	Schedules []ScheduleInfo `json:"schedules"`
}
