// Package jobs runs periodic housekeeping on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/shellgate/internal/database"
	"github.com/robfig/cron/v3"
)

// LoginSessions is the admin session store.
type LoginSessions interface {
	Cleanup() int
}

// IdleReaper destroys terminal sessions nobody has used for a while.
type IdleReaper interface {
	ReapIdle(maxIdle time.Duration) int
}

// Maintenance purges expired credentials and idle terminal sessions.
type Maintenance struct {
	Sessions    LoginSessions
	Terminals   IdleReaper
	IdleTimeout time.Duration

	now func() time.Time
}

// Result counts what one run removed.
type Result struct {
	SessionTokens   int64
	LoginSessions   int
	TerminalsReaped int
}

// RunOnce performs a single maintenance pass. A failing step is logged and
// does not stop the others; the first error is returned.
func (m *Maintenance) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var firstErr error

	now := time.Now
	if m.now != nil {
		now = m.now
	}

	n, err := database.PurgeExpiredSessionTokens(ctx, now())
	if err != nil {
		log.Printf("[jobs] purge expired session tokens: %v", err)
		firstErr = fmt.Errorf("purge session tokens: %w", err)
	}
	res.SessionTokens = n

	if m.Sessions != nil {
		res.LoginSessions = m.Sessions.Cleanup()
	}
	if m.Terminals != nil {
		res.TerminalsReaped = m.Terminals.ReapIdle(m.IdleTimeout)
	}

	if res.SessionTokens > 0 || res.LoginSessions > 0 || res.TerminalsReaped > 0 {
		log.Printf("[jobs] maintenance removed %d session tokens, %d login sessions, %d idle terminals",
			res.SessionTokens, res.LoginSessions, res.TerminalsReaped)
	}
	return res, firstErr
}

// Start schedules RunOnce on schedule (standard cron syntax or descriptors such
// as "@every 10m") and starts the scheduler. Call Stop on the returned cron
// to end it.
func (m *Maintenance) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		m.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[jobs] maintenance scheduled (%s)", schedule)
	return c, nil
}
