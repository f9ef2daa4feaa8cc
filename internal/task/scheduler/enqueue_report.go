package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a rejected trigger. Warnings are rate limited per
// schedule; suppressed ones are counted into the next emitted line.
func (s *Service) reportEnqueueError(name, source string, err error) {
	if err == nil {
		return
	}

	s.enqMu.Lock()
	lim := s.enqLimiters[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		s.enqLimiters[name] = lim
	}
	if !lim.Allow() {
		s.suppressed[name]++
		s.enqMu.Unlock()
		return
	}
	suppressed := s.suppressed[name]
	s.suppressed[name] = 0
	s.enqMu.Unlock()

	fields := []logx.Field{logx.String("schedule", name), logx.String("source", source), logx.Err(err)}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Warn("trigger dropped: previous run still in flight", fields...)
		return
	}
	s.log.Warn("schedule failed to enqueue task", fields...)
}
