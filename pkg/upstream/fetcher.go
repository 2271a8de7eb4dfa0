package upstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
)

// DefaultArtifactSuffix selects the artifacts holding result files.
const DefaultArtifactSuffix = ".json"

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// ArtifactSuffix is matched case-insensitively against artifact names.
	ArtifactSuffix string
	// Cache is consulted before every download. Optional.
	Cache ArchiveCache
}

// Fetcher lists candidate runs and downloads their result archives.
type Fetcher struct {
	log    logrus.FieldLogger
	source Source
	suffix string
	cache  ArchiveCache
}

// NewFetcher creates a Fetcher on top of source.
func NewFetcher(
	log logrus.FieldLogger,
	source Source,
	opts FetcherOptions,
) *Fetcher {
	suffix := opts.ArtifactSuffix
	if suffix == "" {
		suffix = DefaultArtifactSuffix
	}

	return &Fetcher{
		log:    log.WithField("component", "fetcher"),
		source: source,
		suffix: strings.ToLower(suffix),
		cache:  opts.Cache,
	}
}

// ListRuns returns the identifiers of the workflow's runs.
func (f *Fetcher) ListRuns(ctx context.Context) ([]RunID, error) {
	runs, err := f.source.ListRuns(ctx)
	if err != nil {
		return nil, asUpstream("listing runs", err)
	}

	f.log.WithField("runs", len(runs)).Debug("Listed upstream runs")

	return runs, nil
}

// FetchArchives downloads every matching artifact of the given runs. The
// result follows the order of runs, then the upstream artifact order. A run
// without matching artifacts contributes nothing. The first listing or
// download failure aborts the whole batch.
func (f *Fetcher) FetchArchives(
	ctx context.Context, runs []RunID,
) ([]Archive, error) {
	var archives []Archive

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return nil, cacheerr.Upstream("fetching archives", err)
		}

		artifacts, err := f.source.ListArtifacts(ctx, run)
		if err != nil {
			return nil, asUpstream(
				fmt.Sprintf("listing artifacts of run %s", run), err,
			)
		}

		for _, artifact := range artifacts {
			if !f.Matches(artifact.Name) {
				continue
			}

			if artifact.Expired {
				f.log.WithFields(logrus.Fields{
					"run_id":   run,
					"artifact": artifact.Name,
				}).Debug("Skipping expired artifact")

				continue
			}

			data, err := f.download(ctx, artifact)
			if err != nil {
				return nil, asUpstream(
					fmt.Sprintf("downloading artifact %d of run %s", artifact.ID, run),
					err,
				)
			}

			archives = append(archives, Archive{
				Run:      run,
				Artifact: artifact,
				Data:     data,
			})
		}
	}

	f.log.WithFields(logrus.Fields{
		"runs":     len(runs),
		"archives": len(archives),
	}).Debug("Fetched archives")

	return archives, nil
}

// Matches reports whether an artifact name follows the result file convention.
func (f *Fetcher) Matches(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), f.suffix)
}

func (f *Fetcher) download(
	ctx context.Context, artifact Artifact,
) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(artifact.ID); ok {
			f.log.WithField("artifact_id", artifact.ID).
				Debug("Archive cache hit")

			return data, nil
		}
	}

	data, err := f.source.Download(ctx, artifact)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Put(artifact.ID, data); err != nil {
			f.log.WithError(err).WithField("artifact_id", artifact.ID).
				Warn("Failed to store archive in cache")
		}
	}

	return data, nil
}

// asUpstream classifies err as KindUpstream unless it already carries a kind.
func asUpstream(op string, err error) error {
	if cacheerr.KindOf(err) == cacheerr.KindUnknown {
		return cacheerr.Upstream(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
