// Package result defines the testsuite result record served by the cache
// and the validation applied to every payload pulled from upstream.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/civil"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
)

// Results holds the counters reported by a testsuite run.
type Results struct {
	Tests    uint64 `json:"tests"`
	Passes   uint64 `json:"passes"`
	Failures uint64 `json:"failures"`
}

// Record is the result of one testsuite on one day.
type Record struct {
	Name    string     `json:"name"`
	Commit  string     `json:"commit"`
	Date    civil.Date `json:"date"`
	Results Results    `json:"results"`
}

// Key identifies a record. Two records with the same key describe the same
// testsuite on the same day.
type Key struct {
	Name string
	Date civil.Date
}

// String renders the key as name@date.
func (k Key) String() string {
	return k.Name + "@" + k.Date.String()
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Name: r.Name, Date: r.Date}
}

type wireResults struct {
	Tests    *uint64 `json:"tests"`
	Passes   *uint64 `json:"passes"`
	Failures *uint64 `json:"failures"`
}

type wireRecord struct {
	Name    *string      `json:"name"`
	Commit  *string      `json:"commit"`
	Date    *civil.Date  `json:"date"`
	Results *wireResults `json:"results"`
}

// Parse decodes and validates a JSON payload. Every field is required;
// unknown fields are ignored. Failures are KindValidation errors.
func Parse(payload []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return Record{}, cacheerr.Validation("decoding record", err)
	}

	var missing []string

	if w.Name == nil {
		missing = append(missing, "name")
	}

	if w.Commit == nil {
		missing = append(missing, "commit")
	}

	if w.Date == nil {
		missing = append(missing, "date")
	}

	if w.Results == nil {
		missing = append(missing, "results")
	} else {
		if w.Results.Tests == nil {
			missing = append(missing, "results.tests")
		}

		if w.Results.Passes == nil {
			missing = append(missing, "results.passes")
		}

		if w.Results.Failures == nil {
			missing = append(missing, "results.failures")
		}
	}

	if len(missing) > 0 {
		return Record{}, cacheerr.Validation(
			"decoding record", fmt.Errorf("missing fields %v", missing),
		)
	}

	rec := Record{
		Name:   *w.Name,
		Commit: *w.Commit,
		Date:   *w.Date,
		Results: Results{
			Tests:    *w.Results.Tests,
			Passes:   *w.Results.Passes,
			Failures: *w.Results.Failures,
		},
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// Validate checks the hard invariants of a record.
func (r Record) Validate() error {
	switch {
	case r.Name == "":
		return cacheerr.Validation("validating record", errors.New("name is empty"))
	case r.Commit == "":
		return cacheerr.Validation("validating record", errors.New("commit is empty"))
	case !r.Date.IsValid():
		return cacheerr.Validation(
			"validating record", fmt.Errorf("invalid date %q", r.Date.String()),
		)
	}

	return nil
}

// Anomalies returns soft inconsistencies that are logged but never cause a
// record to be rejected, since upstream data can be sloppy.
func Anomalies(r Record) []string {
	var out []string

	if r.Results.Passes+r.Results.Failures > r.Results.Tests {
		out = append(out, fmt.Sprintf(
			"passes (%d) + failures (%d) exceed tests (%d)",
			r.Results.Passes, r.Results.Failures, r.Results.Tests,
		))
	}

	return out
}

// ParseDate parses an ISO calendar date.
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}

	return d, nil
}

// Sort orders records by name, then date.
func Sort(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}

		return records[i].Date.Before(records[j].Date)
	})
}
