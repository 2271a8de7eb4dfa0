// Package cache holds the in-memory view of every testsuite result pulled
// from the CI system. Reads refresh the view when it has gone stale; a
// refresh either commits completely or leaves the previous view untouched.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rust-gcc/bottlecache/pkg/archive"
	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
	"github.com/rust-gcc/bottlecache/pkg/history"
	"github.com/rust-gcc/bottlecache/pkg/result"
	"github.com/rust-gcc/bottlecache/pkg/upstream"
)

const (
	// DefaultTTL is how long a refreshed view stays fresh.
	DefaultTTL = 24 * time.Hour
	// DefaultConcurrency is the number of archives extracted in parallel.
	DefaultConcurrency = 4
)

// ErrPinned is returned by Refresh on a pinned cache.
var ErrPinned = errors.New("cache is pinned")

// Fetcher lists upstream runs and downloads their result archives.
type Fetcher interface {
	ListRuns(ctx context.Context) ([]upstream.RunID, error)
	FetchArchives(ctx context.Context, runs []upstream.RunID) ([]upstream.Archive, error)
}

// Store persists records across restarts.
type Store interface {
	Write(rec result.Record) error
	ReadAll() ([]result.Record, error)
}

// Mirror receives the records stored by each committed cycle.
type Mirror interface {
	Mirror(ctx context.Context, records []result.Record) error
}

// History records every update cycle.
type History interface {
	RecordCycle(ctx context.Context, cycle *history.Cycle) error
}

// Options configures a Cache.
type Options struct {
	TTL         time.Duration
	Pinned      bool
	Concurrency int
	Clock       func() time.Time
	Metrics     *Metrics
	Mirror      Mirror
	History     History
}

// Snapshot is a copy of the cached records.
type Snapshot struct {
	Records     []result.Record `json:"records"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Status describes the cache without triggering an update.
type Status struct {
	LastRefresh   time.Time `json:"last_refresh"`
	Stale         bool      `json:"stale"`
	Pinned        bool      `json:"pinned"`
	Records       int       `json:"records"`
	ProcessedRuns int       `json:"processed_runs"`
	TTL           string    `json:"ttl"`
	LastError     string    `json:"last_error,omitempty"`
}

// CycleStats summarizes a committed update cycle.
type CycleStats struct {
	NewRuns   int
	Stored    int
	Invalid   int
	EmptyRuns int
}

// Cache serves result records and keeps them up to date.
type Cache struct {
	log         logrus.FieldLogger
	fetcher     Fetcher
	store       Store
	ttl         time.Duration
	pinned      bool
	concurrency int
	now         func() time.Time
	metrics     *Metrics
	mirror      Mirror
	history     History

	// mu serializes snapshots and update cycles.
	mu sync.Mutex
	// lastReload is when a pinned cache last read its store. Guarded by mu.
	lastReload time.Time

	// stateMu guards the committed state below so Status can be read while
	// an update cycle holds mu.
	stateMu     sync.RWMutex
	records     map[result.Key]result.Record
	processed   map[upstream.RunID]struct{}
	lastRefresh time.Time
	lastErr     error
}

// New creates a Cache and seeds it from store. store may be nil, in which
// case records live in memory only. fetcher may be nil only when pinned.
func New(
	log logrus.FieldLogger,
	opts Options,
	fetcher Fetcher,
	store Store,
) (*Cache, error) {
	if fetcher == nil && !opts.Pinned {
		return nil, errors.New("a fetcher is required unless the cache is pinned")
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Cache{
		log:         log.WithField("component", "cache"),
		fetcher:     fetcher,
		store:       store,
		ttl:         opts.TTL,
		pinned:      opts.Pinned,
		concurrency: opts.Concurrency,
		now:         opts.Clock,
		metrics:     opts.Metrics,
		mirror:      opts.Mirror,
		history:     opts.History,
		records:     make(map[result.Key]result.Record),
		processed:   make(map[upstream.RunID]struct{}),
	}

	if store != nil {
		records, err := c.readStore()
		if err != nil {
			return nil, fmt.Errorf("rehydrating cache: %w", err)
		}

		c.records = records
	}

	c.lastReload = c.now()
	c.metrics.setState(len(c.records), 0)

	c.log.WithFields(logrus.Fields{
		"records": len(c.records),
		"ttl":     c.ttl.String(),
		"pinned":  c.pinned,
	}).Info("Cache initialized")

	return c, nil
}

// IsStale reports whether the next Snapshot will run an update cycle.
func (c *Cache) IsStale() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.isStaleLocked()
}

func (c *Cache) isStaleLocked() bool {
	if c.pinned {
		return false
	}

	return c.now().Sub(c.lastRefresh) > c.ttl
}

// Snapshot returns every cached record, running an update cycle first when
// the cache is stale. An update failure is returned and leaves the cache
// as it was; the next call retries. A pinned cache instead re-reads its
// store once per TTL.
func (c *Cache) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pinned {
		if err := c.reload(); err != nil {
			return Snapshot{}, err
		}
	} else if c.IsStale() {
		if _, err := c.update(ctx); err != nil {
			return Snapshot{}, err
		}
	}

	return c.snapshot(), nil
}

// Current returns the committed records without triggering an update. It
// does not wait for a running update cycle.
func (c *Cache) Current() Snapshot {
	return c.snapshot()
}

// Refresh runs an update cycle regardless of staleness.
func (c *Cache) Refresh(ctx context.Context) (CycleStats, error) {
	if c.pinned {
		return CycleStats{}, ErrPinned
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.update(ctx)
}

// Status returns the cache state without triggering an update.
func (c *Cache) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	status := Status{
		LastRefresh:   c.lastRefresh,
		Stale:         c.isStaleLocked(),
		Pinned:        c.pinned,
		Records:       len(c.records),
		ProcessedRuns: len(c.processed),
		TTL:           c.ttl.String(),
	}

	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}

	return status
}

func (c *Cache) readStore() (map[result.Key]result.Record, error) {
	recs, err := c.store.ReadAll()
	if err != nil {
		return nil, err
	}

	records := make(map[result.Key]result.Record, len(recs))
	for _, rec := range recs {
		records[rec.Key()] = rec
	}

	return records, nil
}

// reload replaces the records of a pinned cache with the store's content
// once the TTL has passed since the last read. Callers hold mu.
func (c *Cache) reload() error {
	if c.store == nil || c.now().Sub(c.lastReload) <= c.ttl {
		return nil
	}

	records, err := c.readStore()

	c.stateMu.Lock()
	c.lastErr = err
	if err == nil {
		c.records = records
	}
	c.stateMu.Unlock()

	if err != nil {
		c.log.WithError(err).Error("Reloading pinned records failed, keeping previous state")

		return fmt.Errorf("reloading pinned cache: %w", err)
	}

	c.lastReload = c.now()
	c.metrics.setState(len(records), 0)

	c.log.WithField("records", len(records)).Debug("Reloaded pinned records")

	return nil
}

func (c *Cache) snapshot() Snapshot {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	records := make([]result.Record, 0, len(c.records))
	for _, rec := range c.records {
		records = append(records, rec)
	}

	result.Sort(records)

	return Snapshot{Records: records, RefreshedAt: c.lastRefresh}
}

// parsed is the outcome of extracting one archive.
type parsed struct {
	rec result.Record
	err error
}

// update runs one update cycle. Callers hold mu.
func (c *Cache) update(ctx context.Context) (CycleStats, error) {
	started := c.now()

	var stats CycleStats

	stored, err := c.runCycle(ctx, &stats)

	finished := c.now()
	c.finishCycle(ctx, started, finished, stats, stored, err)

	if err != nil {
		return CycleStats{}, err
	}

	return stats, nil
}

func (c *Cache) runCycle(
	ctx context.Context, stats *CycleStats,
) ([]result.Record, error) {
	runs, err := c.fetcher.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	c.stateMu.RLock()
	fresh := make([]upstream.RunID, 0, len(runs))
	seen := make(map[upstream.RunID]struct{}, len(runs))

	for _, run := range runs {
		if _, ok := c.processed[run]; ok {
			continue
		}

		if _, ok := seen[run]; ok {
			continue
		}

		seen[run] = struct{}{}
		fresh = append(fresh, run)
	}
	c.stateMu.RUnlock()

	stats.NewRuns = len(fresh)

	c.log.WithFields(logrus.Fields{
		"listed_runs": len(runs),
		"new_runs":    len(fresh),
	}).Info("Update cycle started")

	archives, err := c.fetcher.FetchArchives(ctx, fresh)
	if err != nil {
		return nil, err
	}

	results, err := c.extractAll(ctx, archives)
	if err != nil {
		return nil, err
	}

	// Stage on copies so an abort leaves the committed state untouched.
	c.stateMu.RLock()
	records := make(map[result.Key]result.Record, len(c.records)+len(archives))
	for k, v := range c.records {
		records[k] = v
	}

	processed := make(map[upstream.RunID]struct{}, len(c.processed)+len(fresh))
	for k := range c.processed {
		processed[k] = struct{}{}
	}
	c.stateMu.RUnlock()

	withArchive := make(map[upstream.RunID]struct{}, len(archives))

	// stored holds one record per key, the last one written this cycle.
	var stored []result.Record

	storedAt := make(map[result.Key]int, len(archives))

	for i, a := range archives {
		withArchive[a.Run] = struct{}{}

		runLog := c.log.WithFields(logrus.Fields{
			"run_id":   a.Run,
			"artifact": a.Artifact.Name,
		})

		if err := results[i].err; err != nil {
			c.logInvalid(runLog, a, err)
			stats.Invalid++

			continue
		}

		rec := results[i].rec

		for _, anomaly := range result.Anomalies(rec) {
			runLog.WithFields(logrus.Fields{
				"key":     rec.Key().String(),
				"anomaly": anomaly,
			}).Warn("Inconsistent result counters")
		}

		if c.store != nil {
			if err := c.store.Write(rec); err != nil {
				return nil, err
			}
		}

		if prev, ok := records[rec.Key()]; ok && prev != rec {
			runLog.WithField("key", rec.Key().String()).
				Debug("Replacing record with the same key")
		}

		records[rec.Key()] = rec
		stats.Stored++

		if at, ok := storedAt[rec.Key()]; ok {
			stored[at] = rec

			continue
		}

		storedAt[rec.Key()] = len(stored)
		stored = append(stored, rec)
	}

	for _, run := range fresh {
		processed[run] = struct{}{}

		if _, ok := withArchive[run]; !ok {
			stats.EmptyRuns++
		}
	}

	c.stateMu.Lock()
	c.records = records
	c.processed = processed
	c.lastRefresh = c.now()
	c.stateMu.Unlock()

	return stored, nil
}

// extractAll extracts and parses every archive concurrently. Results keep
// the archive order.
func (c *Cache) extractAll(
	ctx context.Context, archives []upstream.Archive,
) ([]parsed, error) {
	results := make([]parsed, len(archives))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, a := range archives {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			payload, err := archive.Extract(a.Data)
			if err != nil {
				results[i] = parsed{err: err}

				return nil
			}

			rec, err := result.Parse(payload)
			results[i] = parsed{rec: rec, err: err}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extracting archives: %w", err)
	}

	return results, nil
}

func (c *Cache) logInvalid(
	log logrus.FieldLogger, a upstream.Archive, err error,
) {
	entry := log.WithError(err).WithField("kind", cacheerr.KindOf(err).String())

	if errors.Is(err, archive.ErrNoPayload) {
		if names, nerr := archive.EntryNames(a.Data); nerr == nil {
			entry = entry.WithField("entries", names)
		}
	}

	entry.Warn("Skipping run with unusable result artifact")
}

func (c *Cache) finishCycle(
	ctx context.Context,
	started, finished time.Time,
	stats CycleStats,
	stored []result.Record,
	cycleErr error,
) {
	took := finished.Sub(started)
	outcome := outcomeOf(cycleErr)

	// Side effects run even when the caller's request was canceled.
	ctx = context.WithoutCancel(ctx)

	c.stateMu.Lock()
	c.lastErr = cycleErr
	nRecords, nProcessed := len(c.records), len(c.processed)
	c.stateMu.Unlock()

	c.metrics.observeCycle(outcome, took)

	if cycleErr != nil {
		c.log.WithError(cycleErr).
			WithField("outcome", outcome).
			Error("Update cycle failed, keeping previous state")
	} else {
		c.metrics.observeRuns(runOutcomeStored, stats.Stored)
		c.metrics.observeRuns(runOutcomeInvalid, stats.Invalid)
		c.metrics.observeRuns(runOutcomeNoArtifact, stats.EmptyRuns)
		c.metrics.setState(nRecords, nProcessed)
		c.metrics.markSuccess(finished)

		c.log.WithFields(logrus.Fields{
			"new_runs":   stats.NewRuns,
			"stored":     stats.Stored,
			"invalid":    stats.Invalid,
			"empty_runs": stats.EmptyRuns,
			"records":    nRecords,
			"duration":   took.Round(time.Millisecond),
		}).Info("Update cycle completed")

		if c.mirror != nil && len(stored) > 0 {
			if err := c.mirror.Mirror(ctx, stored); err != nil {
				c.log.WithError(err).Warn("Failed to mirror stored records")
			}
		}
	}

	if c.history != nil {
		cycle := &history.Cycle{
			StartedAt:  started,
			FinishedAt: finished,
			Outcome:    outcome,
			NewRuns:    stats.NewRuns,
			Stored:     stats.Stored,
			Invalid:    stats.Invalid,
			EmptyRuns:  stats.EmptyRuns,
		}
		if cycleErr != nil {
			cycle.Error = cycleErr.Error()
		}

		if err := c.history.RecordCycle(ctx, cycle); err != nil {
			c.log.WithError(err).Warn("Failed to record update cycle")
		}
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return history.OutcomeSuccess
	}

	switch cacheerr.KindOf(err) {
	case cacheerr.KindUpstream:
		return history.OutcomeUpstreamError
	case cacheerr.KindDisk:
		return history.OutcomeDiskError
	default:
		return history.OutcomeError
	}
}
