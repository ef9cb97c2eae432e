// Package reaper implements the periodic TTL sweep over the session store.
//
// The reaper runs on a fixed interval (configuration, not a compile-time
// constant). Each sweep removes every session idle beyond the TTL and
// publishes session:expired to any connections still bound to it. Those
// connections are left open; their registry entries clear on the next
// natural disconnect.
//
// Scheduling uses robfig/cron with an @every expression. Each Reaper owns its
// own cron runner, and the sweep is the only job scheduled on it.
package reaper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace-dev/potluck/internal/logger"
	"github.com/streamspace-dev/potluck/internal/session"
)

// Notifier publishes expiry events for reaped sessions. Implemented by the
// command dispatcher.
type Notifier interface {
	ExpireSession(sessionID string)
}

// Reaper periodically deletes idle sessions.
type Reaper struct {
	store    *session.Store
	notifier Notifier
	interval time.Duration
	cron     *cron.Cron
}

// New creates a reaper sweeping at the given interval. Call Start to begin.
func New(store *session.Store, notifier Notifier, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		notifier: notifier,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and starts the cron runner.
func (r *Reaper) Start() error {
	expr := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(expr, r.Sweep); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()

	logger.Reaper().Info().
		Str("interval", r.interval.String()).
		Str("ttl", r.store.TTL().String()).
		Msg("Reaper started")
	return nil
}

// Stop halts the cron runner. Running sweeps finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep removes expired sessions and notifies lingering connections.
// Exported so tests can trigger a sweep without waiting on the schedule.
func (r *Reaper) Sweep() {
	expired := r.store.RemoveExpired()
	if len(expired) == 0 {
		return
	}

	for _, sessionID := range expired {
		logger.Reaper().Info().
			Str("sessionId", sessionID).
			Msg("Session expired")
		r.notifier.ExpireSession(sessionID)
	}
}
