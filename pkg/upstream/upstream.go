// Package upstream talks to the CI system that produces result artifacts.
//
// Source is the raw collaborator (list runs, list artifacts, download);
// Fetcher builds the two operations the cache needs on top of it.
package upstream

import (
	"context"
	"strconv"
)

// RunID identifies one execution of the CI workflow.
type RunID int64

// String formats the run id in decimal.
func (r RunID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// Artifact is a file attached to a run.
type Artifact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SizeInBytes int64  `json:"size_in_bytes"`
	Expired     bool   `json:"expired"`
	DownloadURL string `json:"archive_download_url"`
}

// Archive is the raw bytes of a downloaded artifact.
type Archive struct {
	Run      RunID
	Artifact Artifact
	Data     []byte
}

// Source is the upstream CI collaborator. Implementations map their
// failures to cacheerr.KindUpstream.
type Source interface {
	// ListRuns returns the completed runs of the configured workflow.
	ListRuns(ctx context.Context) ([]RunID, error)

	// ListArtifacts returns the artifacts attached to a run.
	ListArtifacts(ctx context.Context, run RunID) ([]Artifact, error)

	// Download returns the raw archive bytes of an artifact.
	Download(ctx context.Context, artifact Artifact) ([]byte, error)
}

// ArchiveCache stores downloaded archives by artifact id. A read error is
// reported as a miss.
type ArchiveCache interface {
	Get(artifactID int64) ([]byte, bool)
	Put(artifactID int64, data []byte) error
}
