package metacache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSchedule re-checks stored countries every 30 minutes.
const DefaultRefreshSchedule = "*/30 * * * *"

// Refresher periodically re-runs Load for every country with a stored
// record, so version bumps on the server are picked up before a user asks.
type Refresher struct {
	cache       *Cache
	cron        *cron.Cron
	timeout     time.Duration
	refreshMu   sync.Mutex // serializes RefreshNow calls
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	cronEntryID cron.EntryID
}

// NewRefresher schedules refreshes on the given cron expression. An invalid
// expression is logged and leaves the refresher with manual RefreshNow only.
func NewRefresher(cache *Cache, schedule string, timeout time.Duration) *Refresher {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	r := &Refresher{
		cache:      cache,
		cron:       cron.New(),
		timeout:    timeout,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	entryID, err := r.cron.AddFunc(schedule, func() {
		if err := r.RefreshNow(); err != nil {
			log.Printf("[metacache] scheduled refresh failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("[metacache] invalid refresh schedule %q: %v", schedule, err)
	} else {
		r.cronEntryID = entryID
	}
	return r
}

// Start starts the cron scheduler.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop cancels any in-flight refresh and waits for the scheduler to stop.
func (r *Refresher) Stop() {
	r.lifeCancel()
	<-r.cron.Stop().Done()
}

// NextRun returns the next scheduled refresh, or the zero time when no
// schedule is active.
func (r *Refresher) NextRun() time.Time {
	entry := r.cron.Entry(r.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Time{}
	}
	return entry.Schedule.Next(time.Now())
}

// RefreshNow loads every known country once. Failures of individual
// countries do not stop the others; they are joined into the result.
func (r *Refresher) RefreshNow() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	countries, err := r.cache.KnownCountries()
	if err != nil {
		return fmt.Errorf("list countries: %w", err)
	}

	var errs []error
	refreshed := 0
	for _, id := range countries {
		if r.lifeCtx.Err() != nil {
			errs = append(errs, r.lifeCtx.Err())
			break
		}
		ctx, cancel := context.WithTimeout(r.lifeCtx, r.timeout)
		_, fromCache, err := r.cache.Load(ctx, id)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if !fromCache {
			refreshed++
		}
	}
	if refreshed > 0 {
		log.Printf("[metacache] refresh reloaded %d of %d countries", refreshed, len(countries))
	}
	return errors.Join(errs...)
}
