package sshmanager

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often the sweeper scans the registry.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts dead connections from a Registry.
type Sweeper struct {
	reg       *Registry
	interval  time.Duration
	onEvicted func(ids []string)
}

// NewSweeper creates a sweeper for reg. onEvicted, when non-nil, receives the
// IDs evicted by each run that evicted anything.
func NewSweeper(reg *Registry, interval time.Duration, onEvicted func(ids []string)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{reg: reg, interval: interval, onEvicted: onEvicted}
}

// Schedule registers the sweep on c at the sweeper's interval. The caller
// owns c and starts and stops it.
func (s *Sweeper) Schedule(c *cron.Cron) (cron.EntryID, error) {
	id, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.RunOnce() })
	if err != nil {
		return 0, fmt.Errorf("schedule sweep: %w", err)
	}
	log.Printf("[sweeper] scheduled every %s", s.interval)
	return id, nil
}

// RunOnce performs one sweep and returns the evicted IDs. A failure inside
// the sweep is logged and reported as no evictions.
func (s *Sweeper) RunOnce() (evicted []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sweeper] sweep failed: %v", r)
			evicted = nil
		}
	}()

	evicted = s.reg.Cleanup()
	if len(evicted) == 0 {
		return nil
	}
	log.Printf("[sweeper] evicted %d inactive connection(s): %v", len(evicted), evicted)
	if s.onEvicted != nil {
		s.onEvicted(evicted)
	}
	return evicted
}

// NewScheduler returns a cron scheduler whose jobs recover from panics and
// never overlap with themselves.
func NewScheduler() *cron.Cron {
	logger := cron.PrintfLogger(log.Default())
	return cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
}
