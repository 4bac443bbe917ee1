// Package maintenance runs the periodic housekeeping jobs: sweeping expired
// dedup fingerprints and keeping the persisted log tails within their cap.
package maintenance

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/internal/boardstore"
	"github.com/flowdeck/flowdeck/internal/dedup"
)

// Default schedules
const (
	DefaultSweepSpec = "@every 1m"
	DefaultPruneSpec = "@every 1h"
)

// Config holds the cron specs for each job.
type Config struct {
	SweepSpec string
	PruneSpec string
}

// Jobs owns the scheduler.
type Jobs struct {
	cron   *cron.Cron
	cache  *dedup.Cache
	store  *boardstore.Store
	logCap int
}

// New creates the maintenance jobs. Empty specs fall back to defaults.
func New(config Config, cache *dedup.Cache, store *boardstore.Store, logCap int) (*Jobs, error) {
	if config.SweepSpec == "" {
		config.SweepSpec = DefaultSweepSpec
	}
	if config.PruneSpec == "" {
		config.PruneSpec = DefaultPruneSpec
	}

	j := &Jobs{
		cron:   cron.New(),
		cache:  cache,
		store:  store,
		logCap: logCap,
	}

	if cache != nil {
		if _, err := j.cron.AddFunc(config.SweepSpec, j.runSweep); err != nil {
			return nil, err
		}
	}
	if store != nil {
		if _, err := j.cron.AddFunc(config.PruneSpec, j.runPrune); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Start begins the schedule.
func (j *Jobs) Start() {
	j.cron.Start()
}

// Stop halts the schedule; running jobs finish.
func (j *Jobs) Stop() {
	j.cron.Stop()
}

// Entries returns the number of scheduled jobs.
func (j *Jobs) Entries() int {
	return len(j.cron.Entries())
}

func (j *Jobs) runSweep() {
	if removed := j.cache.Sweep(); removed > 0 {
		log.Printf("maintenance: swept %d expired fingerprints", removed)
	}
}

func (j *Jobs) runPrune() {
	if err := j.store.PruneAllLogs(j.logCap); err != nil {
		log.Printf("maintenance: pruning logs: %v", err)
	}
}
