package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

// DefaultSweepSchedule is used when no schedule is configured
const DefaultSweepSchedule = "@every 10m"

// LiveSessions lists the sessions currently held in memory
type LiveSessions interface {
	LiveKeys() []string
	Get(ctx context.Context, key string) (*session.Session, error)
}

// Sweeper periodically runs the automatic trigger over every live session, so a
// session whose automatic compaction failed gets another chance without waiting
// for its next turn.
type Sweeper struct {
	dispatcher *Dispatcher
	sessions   LiveSessions
	schedule   string

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(dispatcher *Dispatcher, sessions LiveSessions, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		dispatcher: dispatcher,
		sessions:   sessions,
		schedule:   schedule,
	}
}

// Start schedules the sweep. A sweep still running when the next tick fires is not overlapped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c
	s.running = true
	L_info("compaction: sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cancel()
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	L_info("compaction: sweeper stopped")
}

// Sweep evaluates every live session once and returns how many were compacted
func (s *Sweeper) Sweep(ctx context.Context) int {
	keys := s.sessions.LiveKeys()
	applied := 0

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		sess, err := s.sessions.Get(ctx, key)
		if err != nil {
			L_debug("compaction: sweep skipping session", "session", key, "error", err)
			continue
		}
		res, fired := s.dispatcher.auto(ctx, key, sess.UsageRatio(), false, TriggerSweep)
		if fired && res.Applied() {
			applied++
		}
	}

	L_debug("compaction: sweep complete", "sessions", len(keys), "applied", applied)
	return applied
}

// cronLogger routes cron's logging through ours
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	L_trace("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	L_error("cron: "+msg, append(keysAndValues, "error", err)...)
}
