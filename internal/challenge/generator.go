// Package challenge generates the daily challenge assignment for every
// active user.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"questd/internal/clock"
	"questd/internal/domain"
	"questd/internal/eventbus"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

// ErrNoDefinitions aborts a run that has users but nothing to assign.
var ErrNoDefinitions = errors.New("no published challenge definitions")

const defaultHistoryDepth = 7

type Config struct {
	// HistoryDepth is how many recent assignments the policy sees per user.
	HistoryDepth int
	// ExpirePrevious marks pending assignments from earlier days as expired
	// after each run.
	ExpirePrevious bool
}

// Report summarizes one run. Attempted = Created + Skipped + Failed.
type Report struct {
	Date      domain.Date   `json:"date"`
	Attempted int           `json:"attempted"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Expired   int64         `json:"expired"`
	Took      time.Duration `json:"took"`
}

type Deps struct {
	Users       storage.UserStore
	Definitions storage.DefinitionStore
	Challenges  storage.ChallengeStore
	Policy      Policy       // defaults to WeightedPolicy
	Bus         eventbus.Bus // optional
	Clock       clock.Clock  // defaults to clock.Real
}

type Generator struct {
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	cfg Config
}

func NewGenerator(deps Deps, cfg Config, log logx.Logger) *Generator {
	if deps.Policy == nil {
		deps.Policy = WeightedPolicy{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{deps: deps, cfg: cfg, log: log}
}

func (g *Generator) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Generator) config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.cfg
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = defaultHistoryDepth
	}
	return c
}

// ReferenceDate is the calendar day of the trigger time in the reference timezone.
func ReferenceDate(firedAt time.Time, loc *time.Location) domain.Date {
	return domain.DateOf(firedAt, loc)
}

// GenerateForAllUsers gives every active user without an assignment for date
// exactly one. Per-user faults are counted in the report and do not stop the
// batch; failing to list users or definitions aborts before anything is written.
func (g *Generator) GenerateForAllUsers(ctx context.Context, date domain.Date) (Report, error) {
	start := time.Now()
	cfg := g.config()
	rep := Report{Date: date}
	log := g.log.With(logx.String("date", date.String()))

	users, err := g.deps.Users.ActiveUserIDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active users: %w", err)
	}
	if len(users) == 0 {
		rep.Took = time.Since(start)
		log.Info("no active users; nothing to generate")
		g.publish(rep)
		return rep, nil
	}

	defs, err := g.deps.Definitions.ListDefinitions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list definitions: %w", err)
	}
	if len(defs) == 0 {
		return rep, ErrNoDefinitions
	}

	for _, uid := range users {
		if err := ctx.Err(); err != nil {
			rep.Took = time.Since(start)
			log.Warn("generation interrupted", logx.Int("attempted", rep.Attempted), logx.Int("remaining", len(users)-rep.Attempted), logx.Err(err))
			return rep, err
		}
		rep.Attempted++
		created, err := g.generateOne(ctx, uid, date, defs, cfg.HistoryDepth)
		switch {
		case err != nil:
			rep.Failed++
			log.Warn("challenge generation failed for user", logx.String("user", uid), logx.Err(err))
		case created:
			rep.Created++
		default:
			rep.Skipped++
		}
	}

	if cfg.ExpirePrevious {
		n, err := g.deps.Challenges.ExpirePending(ctx, date)
		if err != nil {
			log.Warn("expire previous assignments failed", logx.Err(err))
		}
		rep.Expired = n
	}

	rep.Took = time.Since(start)
	log.Info("challenges generated",
		logx.Int("attempted", rep.Attempted),
		logx.Int("created", rep.Created),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Int64("expired", rep.Expired),
		logx.Duration("took", rep.Took),
	)
	g.publish(rep)
	return rep, nil
}

func (g *Generator) generateOne(ctx context.Context, userID string, date domain.Date, defs []domain.ChallengeDefinition, depth int) (bool, error) {
	_, err := g.deps.Challenges.GetAssignment(ctx, userID, date)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("check existing: %w", err)
	}

	hist, err := g.deps.Challenges.History(ctx, userID, depth)
	if err != nil {
		return false, fmt.Errorf("read history: %w", err)
	}
	def, err := g.deps.Policy.Select(ctx, SelectInput{UserID: userID, Date: date, Definitions: defs, History: hist})
	if err != nil {
		return false, fmt.Errorf("select definition: %w", err)
	}

	// A concurrent writer may win the key between the check and the insert;
	// the unique key turns that into a skip.
	created, err := g.deps.Challenges.CreateIfAbsent(ctx, domain.ChallengeAssignment{
		ID:           uuid.NewString(),
		UserID:       userID,
		Date:         date,
		DefinitionID: def.ID,
		Status:       domain.StatusPending,
		CreatedAt:    g.deps.Clock.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("create assignment: %w", err)
	}
	return created, nil
}

func (g *Generator) publish(rep Report) {
	if g.deps.Bus == nil {
		return
	}
	g.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicChallengesGenerated, Time: g.deps.Clock.Now(), Data: rep})
}
