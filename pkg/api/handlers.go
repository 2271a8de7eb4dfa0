package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rust-gcc/bottlecache/pkg/cache"
	"github.com/rust-gcc/bottlecache/pkg/history"
	"github.com/rust-gcc/bottlecache/pkg/result"
)

// degradedHeader is set when a response carries the last committed records
// because updating them failed. Its value is the update error.
const degradedHeader = "X-Bottlecache-Degraded"

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// snapshot returns the records to answer from. When the update fails it
// falls back to the committed records and marks the response degraded; with
// nothing committed it writes a 503 and returns false.
func (s *server) snapshot(
	w http.ResponseWriter, r *http.Request,
) (cache.Snapshot, bool) {
	snap, err := s.results.Snapshot(r.Context())
	if err == nil {
		return snap, true
	}

	current := s.results.Current()
	if len(current.Records) == 0 && current.RefreshedAt.IsZero() {
		s.log.WithError(err).Warn("No results to serve")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{err.Error()})

		return cache.Snapshot{}, false
	}

	s.log.WithError(err).Warn("Serving last known results")
	w.Header().Set(degradedHeader, headerSafe(err.Error()))

	return current, true
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}

		return r
	}, s)
}

// nameParam returns the unescaped {name} path parameter. chi routes on
// RawPath when the request has one and on the decoded Path otherwise, so
// only the former still needs unescaping.
func nameParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name, nil
	}

	name, err := url.PathUnescape(name)
	if err != nil {
		return "", fmt.Errorf("invalid test suite name: %w", err)
	}

	return name, nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public upstream and cache settings.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	up := s.cfg.Upstream

	writeJSON(w, http.StatusOK, map[string]any{
		"upstream": map[string]any{
			"owner":           up.Owner,
			"repo":            up.Repo,
			"workflow":        up.Workflow,
			"artifact_suffix": up.ArtifactSuffix,
		},
		"cache": map[string]any{
			"ttl":              s.cfg.Cache.TTL,
			"pinned":           s.cfg.Cache.Pinned,
			"persistent":       s.cfg.Cache.Directory != "",
			"refresh_interval": s.cfg.Cache.RefreshInterval,
		},
		"mirror":  map[string]any{"s3_enabled": s.cfg.Mirror.S3.Enabled},
		"history": map[string]any{"enabled": s.cycles != nil},
	})
}

// handleStatus reports the cache state without updating it.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.results.Status())
}

func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleTestsuites lists the distinct test suite names.
func (s *server) handleTestsuites(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, snap.Names())
}

// handleTestsuite lists every record of one test suite, oldest first.
func (s *server) handleTestsuite(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, snap.ByName(name))
}

// handleTestsuiteOnDate returns the record of one test suite on one date.
func (s *server) handleTestsuiteOnDate(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	date, err := result.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	key := result.Key{Name: name, Date: date}

	rec, found := snap.Get(key)
	if !found {
		writeJSON(w, http.StatusNotFound,
			errorResponse{fmt.Sprintf("no result for %s", key)})

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleDates lists the distinct run dates.
func (s *server) handleDates(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, snap.Dates())
}

// handleRun lists every record of one date.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	date, err := result.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, snap.ByDate(date))
}

// handleCycles lists recent update cycles.
func (s *server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a non-negative integer"})

			return
		}

		limit = n
	}

	cycles, err := s.cycles.ListCycles(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list cycles")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing cycles failed"})

		return
	}

	if cycles == nil {
		cycles = []history.Cycle{}
	}

	writeJSON(w, http.StatusOK, cycles)
}
