package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
	"github.com/rust-gcc/bottlecache/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testUpstreamConfig(apiURL string) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		APIURL:         apiURL,
		Owner:          "rust-gcc",
		Repo:           "testing",
		Workflow:       "nightly_run.yml",
		Timeout:        "5s",
		ArtifactSuffix: ".json",
		PerPage:        2,
		MaxPages:       3,
	}
}

func newTestSource(t *testing.T, handler http.Handler) Source {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	src, err := NewGitHubSource(testLogger(), testUpstreamConfig(srv.URL))
	require.NoError(t, err)

	return src
}

func TestGitHubSource_ListRuns(t *testing.T) {
	var requests atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/workflows/nightly_run.yml/runs",
		func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)

			assert.Equal(t, "completed", r.URL.Query().Get("status"))
			assert.Equal(t, "2", r.URL.Query().Get("per_page"))
			assert.Equal(t, githubAcceptHeader, r.Header.Get("Accept"))
			assert.Empty(t, r.Header.Get("Authorization"))

			switch r.URL.Query().Get("page") {
			case "1":
				_, _ = io.WriteString(w, `{"total_count":3,"workflow_runs":[
					{"id":30,"status":"completed","conclusion":"success"},
					{"id":20,"status":"completed","conclusion":"failure"}]}`)
			case "2":
				_, _ = io.WriteString(w, `{"total_count":3,"workflow_runs":[
					{"id":10,"status":"completed","conclusion":"success"}]}`)
			default:
				t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			}
		})

	src := newTestSource(t, mux)

	runs, err := src.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []RunID{30, 20, 10}, runs)
	assert.Equal(t, int32(2), requests.Load(), "a short page ends pagination")
}

func TestGitHubSource_ListRunsRespectsMaxPages(t *testing.T) {
	var next atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/workflows/nightly_run.yml/runs",
		func(w http.ResponseWriter, _ *http.Request) {
			a, b := next.Add(1), next.Add(1)
			_, _ = fmt.Fprintf(w,
				`{"workflow_runs":[{"id":%d,"status":"completed"},{"id":%d,"status":"completed"}]}`,
				a, b)
		})

	src := newTestSource(t, mux)

	runs, err := src.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 6)
}

func TestGitHubSource_ListRunsSkipsIncomplete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/workflows/nightly_run.yml/runs",
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"workflow_runs":[{"id":2,"status":"in_progress"}]}`)
		})

	src := newTestSource(t, mux)

	runs, err := src.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGitHubSource_SendsToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/runs/7/artifacts",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"total_count":0,"artifacts":[]}`)
		})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testUpstreamConfig(srv.URL)
	cfg.Token = "ghp_test"

	src, err := NewGitHubSource(testLogger(), cfg)
	require.NoError(t, err)

	artifacts, err := src.ListArtifacts(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestGitHubSource_ListArtifactsAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/runs/42/artifacts",
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"total_count":2,"artifacts":[
				{"id":1,"name":"gccrs-results.json","size_in_bytes":120,"expired":false},
				{"id":2,"name":"build-logs","size_in_bytes":5000,"expired":true}]}`)
		})
	mux.HandleFunc("/repos/rust-gcc/testing/actions/artifacts/1/zip",
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "zip-bytes")
		})

	src := newTestSource(t, mux)

	artifacts, err := src.ListArtifacts(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, Artifact{
		ID: 1, Name: "gccrs-results.json", SizeInBytes: 120,
	}, artifacts[0])
	assert.True(t, artifacts[1].Expired)

	data, err := src.Download(context.Background(), artifacts[0])
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))
}

func TestGitHubSource_ErrorsAreUpstream(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/workflows/nightly_run.yml/runs",
		func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			http.Error(w, "boom", http.StatusBadGateway)
		})
	mux.HandleFunc("/repos/rust-gcc/testing/actions/runs/1/artifacts",
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{not json`)
		})
	mux.HandleFunc("/repos/rust-gcc/testing/actions/artifacts/9/zip",
		func(w http.ResponseWriter, _ *http.Request) {
			http.NotFound(w, nil)
		})

	src := newTestSource(t, mux)

	_, err := src.ListRuns(context.Background())
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(1), calls.Load(), "requests are not retried")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)

	_, err = src.ListArtifacts(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))

	_, err = src.Download(context.Background(), Artifact{ID: 9})
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))
}

func TestGitHubSource_RateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/rust-gcc/testing/actions/workflows/nightly_run.yml/runs",
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(1700000000))
			w.WriteHeader(http.StatusForbidden)
		})

	src := newTestSource(t, mux)

	_, err := src.ListRuns(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))
	assert.Contains(t, err.Error(), "rate limited until")
}

func TestGitHubSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src, err := NewGitHubSource(testLogger(), testUpstreamConfig(url))
	require.NoError(t, err)

	_, err = src.ListRuns(context.Background())
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))
}

func TestNewGitHubSource_InvalidConfig(t *testing.T) {
	cfg := testUpstreamConfig("https://api.github.com")
	cfg.Workflow = ""

	_, err := NewGitHubSource(testLogger(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow")
}
