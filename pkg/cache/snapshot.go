package cache

import (
	"sort"

	"cloud.google.com/go/civil"

	"github.com/rust-gcc/bottlecache/pkg/result"
)

// Names returns the distinct testsuite names, sorted.
func (s Snapshot) Names() []string {
	names := make([]string, 0)

	for i, rec := range s.Records {
		// Records are sorted by name.
		if i > 0 && s.Records[i-1].Name == rec.Name {
			continue
		}

		names = append(names, rec.Name)
	}

	return names
}

// Dates returns the distinct dates that have at least one record, sorted.
func (s Snapshot) Dates() []civil.Date {
	seen := make(map[civil.Date]struct{})
	dates := make([]civil.Date, 0)

	for _, rec := range s.Records {
		if _, ok := seen[rec.Date]; ok {
			continue
		}

		seen[rec.Date] = struct{}{}
		dates = append(dates, rec.Date)
	}

	sort.Slice(dates, func(i, j int) bool {
		return dates[i].Before(dates[j])
	})

	return dates
}

// ByName returns the records of one testsuite ordered by date.
func (s Snapshot) ByName(name string) []result.Record {
	out := make([]result.Record, 0)

	for _, rec := range s.Records {
		if rec.Name == name {
			out = append(out, rec)
		}
	}

	return out
}

// ByDate returns the records of one day ordered by name.
func (s Snapshot) ByDate(date civil.Date) []result.Record {
	out := make([]result.Record, 0)

	for _, rec := range s.Records {
		if rec.Date == date {
			out = append(out, rec)
		}
	}

	return out
}

// Get returns the record with the given key.
func (s Snapshot) Get(key result.Key) (result.Record, bool) {
	for _, rec := range s.Records {
		if rec.Key() == key {
			return rec, true
		}
	}

	return result.Record{}, false
}
