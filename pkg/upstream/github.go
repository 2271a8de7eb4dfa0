package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
	"github.com/rust-gcc/bottlecache/pkg/config"
)

const (
	githubAcceptHeader = "application/vnd.github+json"
	githubAPIVersion   = "2022-11-28"

	// maxArchiveSize bounds a single artifact download.
	maxArchiveSize = 256 << 20

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 1024

	// artifactsPerPage is the page size used when listing run artifacts.
	artifactsPerPage = 100
)

// StatusError is returned when the CI API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
	// RateLimitReset is set when the API reported an exhausted rate limit.
	RateLimitReset time.Time
}

func (e *StatusError) Error() string {
	if !e.RateLimitReset.IsZero() {
		return fmt.Sprintf(
			"github api returned status %d for %s: rate limited until %s",
			e.StatusCode, e.URL, e.RateLimitReset.UTC().Format(time.RFC3339),
		)
	}

	if e.Body == "" {
		return fmt.Sprintf("github api returned status %d for %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf(
		"github api returned status %d for %s: %s", e.StatusCode, e.URL, e.Body,
	)
}

type githubWorkflowRuns struct {
	TotalCount   int         `json:"total_count"`
	WorkflowRuns []githubRun `json:"workflow_runs"`
}

type githubRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type githubArtifacts struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

type githubSource struct {
	log      logrus.FieldLogger
	client   *http.Client
	baseURL  string
	owner    string
	repo     string
	workflow string
	token    string
	perPage  int
	maxPages int
}

// Compile-time interface check.
var _ Source = (*githubSource)(nil)

// NewGitHubSource creates a Source backed by the GitHub Actions REST API.
// Requests are not retried; a failed request fails the operation.
func NewGitHubSource(
	log logrus.FieldLogger,
	cfg *config.UpstreamConfig,
) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	log = log.WithField("component", "github")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = leveledLogger{log: log}
	retryClient.CheckRetry = noRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient.Timeout = timeout

	return &githubSource{
		log:      log,
		client:   retryClient.StandardClient(),
		baseURL:  strings.TrimSuffix(cfg.APIURL, "/"),
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		workflow: cfg.Workflow,
		token:    cfg.Token,
		perPage:  cfg.PerPage,
		maxPages: cfg.MaxPages,
	}, nil
}

// ListRuns returns the completed runs of the workflow, newest first, reading
// at most maxPages pages.
func (g *githubSource) ListRuns(ctx context.Context) ([]RunID, error) {
	runs := make([]RunID, 0, g.perPage)

	for page := 1; page <= g.maxPages; page++ {
		query := url.Values{
			"status":   {"completed"},
			"per_page": {strconv.Itoa(g.perPage)},
			"page":     {strconv.Itoa(page)},
		}

		var resp githubWorkflowRuns
		if err := g.getJSON(ctx, g.repoURL(
			"actions", "workflows", g.workflow, "runs",
		)+"?"+query.Encode(), &resp); err != nil {
			return nil, cacheerr.Upstream("listing workflow runs", err)
		}

		for _, run := range resp.WorkflowRuns {
			// The status filter is applied server side; this guards
			// against API versions that ignore it.
			if run.Status != "" && run.Status != "completed" {
				continue
			}

			runs = append(runs, RunID(run.ID))
		}

		if len(resp.WorkflowRuns) < g.perPage {
			break
		}
	}

	return runs, nil
}

// ListArtifacts returns every artifact attached to a run.
func (g *githubSource) ListArtifacts(
	ctx context.Context, run RunID,
) ([]Artifact, error) {
	var artifacts []Artifact

	for page := 1; ; page++ {
		query := url.Values{
			"per_page": {strconv.Itoa(artifactsPerPage)},
			"page":     {strconv.Itoa(page)},
		}

		var resp githubArtifacts
		if err := g.getJSON(ctx, g.repoURL(
			"actions", "runs", run.String(), "artifacts",
		)+"?"+query.Encode(), &resp); err != nil {
			return nil, cacheerr.Upstream(
				fmt.Sprintf("listing artifacts of run %s", run), err,
			)
		}

		artifacts = append(artifacts, resp.Artifacts...)

		if len(resp.Artifacts) < artifactsPerPage ||
			len(artifacts) >= resp.TotalCount {
			break
		}
	}

	return artifacts, nil
}

// Download fetches the zip archive of an artifact.
func (g *githubSource) Download(
	ctx context.Context, artifact Artifact,
) ([]byte, error) {
	target := g.repoURL(
		"actions", "artifacts", strconv.FormatInt(artifact.ID, 10), "zip",
	)

	op := fmt.Sprintf("downloading artifact %d", artifact.ID)

	resp, err := g.do(ctx, target)
	if err != nil {
		return nil, cacheerr.Upstream(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return nil, cacheerr.Upstream(op, fmt.Errorf("reading body: %w", err))
	}

	if len(data) > maxArchiveSize {
		return nil, cacheerr.Upstream(
			op, fmt.Errorf("archive exceeds %d bytes", maxArchiveSize),
		)
	}

	g.log.WithFields(logrus.Fields{
		"artifact_id": artifact.ID,
		"bytes":       len(data),
	}).Debug("Downloaded artifact")

	return data, nil
}

// noRetry never retries and leaves status handling to the caller, so error
// responses reach newStatusError intact.
func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	return false, ctx.Err()
}

func (g *githubSource) repoURL(segments ...string) string {
	parts := make([]string, 0, len(segments)+3)
	parts = append(parts, "repos", url.PathEscape(g.owner), url.PathEscape(g.repo))

	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}

	return g.baseURL + "/" + strings.Join(parts, "/")
}

func (g *githubSource) getJSON(
	ctx context.Context, target string, out any,
) error {
	resp, err := g.do(ctx, target)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", target, err)
	}

	return nil
}

// do performs a GET and returns the response when the status is 2xx. The
// caller closes the body.
func (g *githubSource) do(
	ctx context.Context, target string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", githubAcceptHeader)
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)

	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", target, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()

	return nil, newStatusError(resp, target)
}

func newStatusError(resp *http.Response, target string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		URL:        target,
		Body:       strings.TrimSpace(string(body)),
	}

	if resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
			if err == nil {
				statusErr.RateLimitReset = time.Unix(reset, 0)
			}
		}
	}

	return statusErr
}

// IsRateLimited reports whether err was caused by an exhausted API rate limit.
func IsRateLimited(err error) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && !statusErr.RateLimitReset.IsZero()
}

// leveledLogger routes retryablehttp's request logging through logrus.
type leveledLogger struct {
	log logrus.FieldLogger
}

// Compile-time interface check.
var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.log.WithFields(toFields(keysAndValues)).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.log.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.log.WithFields(toFields(keysAndValues)).Warn(msg)
}

func toFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	return fields
}
