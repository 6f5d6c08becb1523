// Package housekeeping runs the coordinator's periodic maintenance: the
// detached-session grace-period sweep and the log ring's cooldown reset,
// both on a github.com/robfig/cron/v3 schedule.
package housekeeping

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"midterm/internal/logging"
	"midterm/internal/registry"
)

// DefaultGracePeriod is how long a detached (host unreachable, not yet
// reclaimed) session is kept around before its record is removed.
const DefaultGracePeriod = 30 * time.Second

// sweepSchedule runs the detached-session sweep every 10 seconds, finer
// grained than the grace period itself so expiry is never more than one
// sweep interval late.
const sweepSchedule = "@every 10s"

// cooldownResetSchedule periodically clears the log ring's flush cooldown
// so a quiet period after an error burst doesn't leave future bursts
// under-flushed indefinitely.
const cooldownResetSchedule = "@every 1m"

// Scheduler owns the cron runner and the sweep state needed to detect how
// long a session has been continuously detached.
type Scheduler struct {
	cron        *cron.Cron
	reg         *registry.Registry
	ring        *logging.Ring
	gracePeriod time.Duration

	detachedSince map[string]time.Time
}

// New builds a Scheduler. Call Start to begin running jobs.
func New(reg *registry.Registry, ring *logging.Ring, gracePeriod time.Duration) *Scheduler {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Scheduler{
		cron:          cron.New(),
		reg:           reg,
		ring:          ring,
		gracePeriod:   gracePeriod,
		detachedSince: make(map[string]time.Time),
	}
}

// Start registers jobs and begins the cron scheduler's background loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweepDetached); err != nil {
		return err
	}
	if s.ring != nil {
		if _, err := s.cron.AddFunc(cooldownResetSchedule, s.ring.ResetCooldown); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight job to finish, then halts the scheduler.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// sweepDetached removes sessions that have been continuously detached for
// longer than the grace period. A session that reattaches (Detached flips
// back to false) clears its tracked detach time.
func (s *Scheduler) sweepDetached() {
	now := time.Now()
	for _, sess := range s.reg.List() {
		if !sess.Detached {
			delete(s.detachedSince, sess.ID)
			continue
		}
		since, tracked := s.detachedSince[sess.ID]
		if !tracked {
			s.detachedSince[sess.ID] = now
			continue
		}
		if now.Sub(since) >= s.gracePeriod {
			slog.Info("housekeeping: removing session past detach grace period", "session", sess.ID, "detachedFor", now.Sub(since))
			s.reg.Remove(sess.ID)
			delete(s.detachedSince, sess.ID)
		}
	}
}
