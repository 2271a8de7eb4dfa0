package diskstore

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
	"github.com/rust-gcc/bottlecache/pkg/result"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func record(name, commit string, day int, tests uint64) result.Record {
	return result.Record{
		Name:    name,
		Commit:  commit,
		Date:    civil.Date{Year: 2022, Month: 3, Day: day},
		Results: result.Results{Tests: tests, Passes: tests, Failures: 0},
	}
}

func TestFileName(t *testing.T) {
	day := civil.Date{Year: 2022, Month: 3, Day: 14}

	tests := []struct {
		name   string
		prefix string
	}{
		{name: "gccrs", prefix: "gccrs-"},
		{name: "rust/ui tests", prefix: "rust%2Fui%20tests-"},
		{name: "..", prefix: "%2E.-"},
		{name: ".hidden-suite", prefix: "%2Ehidden-suite-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FileName(result.Key{Name: tt.name, Date: day})
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			assert.True(t, strings.HasSuffix(got, "_2022-03-14.json"), got)
			assert.NotContains(t, got, "/")
		})
	}

	// Names that sanitize naively to the same string stay distinct.
	a := FileName(result.Key{Name: "a/b", Date: day})
	b := FileName(result.Key{Name: "a_b", Date: day})
	assert.NotEqual(t, a, b)

	// Case-only differences stay distinct on case-insensitive filesystems.
	upper := FileName(result.Key{Name: "Foo", Date: day})
	lower := FileName(result.Key{Name: "foo", Date: day})
	assert.NotEqual(t, strings.ToLower(upper), strings.ToLower(lower))
}

func TestFileName_Bounded(t *testing.T) {
	day := civil.Date{Year: 2022, Month: 3, Day: 14}

	long := strings.Repeat("x", 300)
	a := FileName(result.Key{Name: long, Date: day})
	b := FileName(result.Key{Name: long + "y", Date: day})

	assert.LessOrEqual(t, len(a), 128)
	assert.NotEqual(t, a, b, "names sharing a truncated prefix stay distinct")

	// Truncation never splits an escape sequence.
	escaped := FileName(result.Key{Name: strings.Repeat("/", 100), Date: day})
	prefix, _, _ := strings.Cut(escaped, "-")
	assert.Zero(t, len(prefix)%3, prefix)
	assert.LessOrEqual(t, len(prefix), maxPrefixLen)
}

func TestStore_WriteReadAll(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(testLogger(), fs, "/data/results")

	recs := []result.Record{
		record("gccrs", "c1", 15, 10),
		record("blake3", "c2", 14, 3),
		record("gccrs", "c3", 14, 7),
	}

	for _, rec := range recs {
		require.NoError(t, s.Write(rec))
	}

	got, err := s.ReadAll()
	require.NoError(t, err)

	// Ordered by file name.
	assert.Equal(t, []result.Record{recs[1], recs[2], recs[0]}, got)

	data, err := afero.ReadFile(fs, filepath.Join("/data/results", FileName(recs[0].Key())))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"name\": \"gccrs\"")
}

func TestStore_WriteOverwritesSameKey(t *testing.T) {
	s := New(testLogger(), afero.NewMemMapFs(), "/results")

	require.NoError(t, s.Write(record("gccrs", "old", 14, 1)))
	require.NoError(t, s.Write(record("gccrs", "new", 14, 2)))

	got, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Commit)
}

func TestStore_WriteLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(testLogger(), fs, "/results")

	require.NoError(t, s.Write(record("gccrs", "c", 14, 1)))

	entries, err := afero.ReadDir(fs, "/results")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName(result.Key{Name: "gccrs", Date: civil.Date{Year: 2022, Month: 3, Day: 14}}),
		entries[0].Name())
}

func TestStore_ReadAllMissingDirectory(t *testing.T) {
	s := New(testLogger(), afero.NewMemMapFs(), "/does/not/exist")

	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ReadAllSkipsInvalidFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(testLogger(), fs, "/results")

	require.NoError(t, s.Write(record("gccrs", "c", 14, 1)))
	require.NoError(t, afero.WriteFile(fs, "/results/broken.json", []byte("{"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/results/empty-name.json",
		[]byte(`{"name":"","commit":"c","date":"2022-03-14","results":{"tests":1,"passes":1,"failures":0}}`),
		0o644))
	require.NoError(t, afero.WriteFile(fs, "/results/notes.txt", []byte("hello"), 0o644))
	require.NoError(t, fs.MkdirAll("/results/nested.json", 0o755))

	got, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gccrs", got[0].Name)
}

func TestStore_WriteFailureIsDiskError(t *testing.T) {
	s := New(testLogger(), afero.NewReadOnlyFs(afero.NewMemMapFs()), "/results")

	err := s.Write(record("gccrs", "c", 14, 1))
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindDisk))
}

func TestStore_OSRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s := NewOS(testLogger(), dir)

	assert.Equal(t, dir, s.Dir())

	want := record("rust/ui", "deadbeef", 1, 42)
	require.NoError(t, s.Write(want))

	got, err := NewOS(testLogger(), dir).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []result.Record{want}, got)
}

func TestStore_RoundTripUnusualNames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	s := NewOS(testLogger(), dir)

	want := []result.Record{
		record(".hidden-suite", "c1", 14, 1),
		record(strings.Repeat("x", 300), "c2", 14, 2),
		record("Foo", "c3", 14, 3),
		record("foo", "c4", 14, 4),
		record("100%", "c5", 14, 5),
	}

	for _, rec := range want {
		require.NoError(t, s.Write(rec))
	}

	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)
}
