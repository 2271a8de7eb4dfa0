package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rust-gcc/bottlecache/pkg/blobcache"
	"github.com/rust-gcc/bottlecache/pkg/cache"
	"github.com/rust-gcc/bottlecache/pkg/config"
	"github.com/rust-gcc/bottlecache/pkg/diskstore"
	"github.com/rust-gcc/bottlecache/pkg/history"
	"github.com/rust-gcc/bottlecache/pkg/mirror"
	"github.com/rust-gcc/bottlecache/pkg/upstream"
)

// components is the wired cache with everything it depends on.
type components struct {
	cache    *cache.Cache
	history  history.Store
	registry *prometheus.Registry
	closers  []func() error
}

// buildComponents wires the cache from the configuration. The caller must
// Close the result.
func buildComponents(
	ctx context.Context,
	cfg *config.Config,
) (_ *components, err error) {
	c := &components{registry: prometheus.NewRegistry()}

	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ttl, err := cfg.Cache.TTLDuration()
	if err != nil {
		return nil, err
	}

	opts := cache.Options{
		TTL:         ttl,
		Pinned:      cfg.Cache.Pinned,
		Concurrency: cfg.Cache.Concurrency,
	}

	var fetcher cache.Fetcher

	if !cfg.Cache.Pinned {
		f, err := c.buildFetcher(&cfg.Upstream)
		if err != nil {
			return nil, err
		}

		fetcher = f
	}

	var store cache.Store

	if cfg.Cache.Directory != "" {
		ds := diskstore.NewOS(log, cfg.Cache.Directory)

		if cfg.Mirror.S3.Enabled {
			m, err := buildMirror(ctx, &cfg.Mirror.S3, ds)
			if err != nil {
				return nil, err
			}

			opts.Mirror = m
		}

		store = ds
	} else {
		if cfg.Cache.Pinned {
			log.Warn("Pinned cache without a directory serves no records")
		}

		if cfg.Mirror.S3.Enabled {
			log.Warn("S3 mirror needs cache.directory, mirroring disabled")
		}
	}

	if cfg.History.Enabled {
		h := history.NewStore(log, &cfg.History.Database)
		if err := h.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting history store: %w", err)
		}

		c.history = h
		c.closers = append(c.closers, h.Stop)
		opts.History = h
	}

	metrics, err := cache.NewMetrics(c.registry)
	if err != nil {
		return nil, fmt.Errorf("registering cache metrics: %w", err)
	}

	opts.Metrics = metrics

	c.cache, err = cache.New(log, opts, fetcher, store)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	return c, nil
}

func (c *components) buildFetcher(
	cfg *config.UpstreamConfig,
) (*upstream.Fetcher, error) {
	source, err := upstream.NewGitHubSource(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating upstream source: %w", err)
	}

	opts := upstream.FetcherOptions{ArtifactSuffix: cfg.ArtifactSuffix}

	if cfg.ArchiveCache.Enabled {
		bc, err := blobcache.Open(log, cfg.ArchiveCache.Path)
		if err != nil {
			return nil, err
		}

		c.closers = append(c.closers, bc.Close)
		opts.Cache = bc
	}

	return upstream.NewFetcher(log, source, opts), nil
}

// buildMirror checks the bucket is writable and, when asked to, seeds an
// empty result directory from it.
func buildMirror(
	ctx context.Context,
	cfg *config.S3Config,
	ds diskstore.Store,
) (mirror.Mirror, error) {
	m, err := mirror.NewS3(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating s3 mirror: %w", err)
	}

	if err := m.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("s3 mirror preflight: %w", err)
	}

	if !cfg.RestoreOnStart {
		return m, nil
	}

	existing, err := ds.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading result directory: %w", err)
	}

	if len(existing) > 0 {
		log.WithField("records", len(existing)).
			Info("Result directory not empty, skipping restore")

		return m, nil
	}

	if _, err := m.Restore(ctx, ds); err != nil {
		return nil, fmt.Errorf("restoring from s3 mirror: %w", err)
	}

	return m, nil
}

// Close releases everything buildComponents opened, in reverse order.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.WithError(err).Warn("Failed to close component")
		}
	}

	c.closers = nil
}
