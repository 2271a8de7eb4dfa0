package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Refresher is a background service that keeps the cache warm so readers
// rarely wait for an update cycle.
type Refresher interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Refresher = (*refresher)(nil)

type refresher struct {
	log      logrus.FieldLogger
	cache    *Cache
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRefresher creates a Refresher that checks the cache every interval
// and runs an update cycle when it is stale.
func NewRefresher(
	log logrus.FieldLogger,
	cache *Cache,
	interval time.Duration,
) Refresher {
	return &refresher{
		log:      log.WithField("component", "refresher"),
		cache:    cache,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine. It runs one pass immediately
// and then ticks at the configured interval; the caller is not blocked.
func (r *refresher) Start(ctx context.Context) error {
	r.log.WithField("interval", r.interval.String()).
		Info("Starting refresher")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the refresher goroutine to stop and waits for it.
func (r *refresher) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()

	r.log.Info("Refresher stopped")

	return nil
}

func (r *refresher) runPass(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-r.done:
		return
	default:
	}

	if !r.cache.IsStale() {
		return
	}

	// Snapshot logs the failure and keeps the previous state.
	if _, err := r.cache.Snapshot(ctx); err != nil {
		r.log.WithError(err).Debug("Background refresh failed")
	}
}
