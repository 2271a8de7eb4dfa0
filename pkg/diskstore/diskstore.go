// Package diskstore persists result records as one JSON file per record.
package diskstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
	"github.com/rust-gcc/bottlecache/pkg/result"
)

const (
	fileExt  = ".json"
	tempExt  = ".tmp"
	dirPerm  = 0o755
	filePerm = 0o644

	// maxPrefixLen bounds the readable part of a file name so any test
	// suite name fits within NAME_MAX.
	maxPrefixLen = 64
)

// Store reads and writes record files in a single directory.
type Store interface {
	// Write persists a record, replacing the file of a record with the
	// same key.
	Write(rec result.Record) error
	// ReadAll returns every valid record in the directory ordered by file
	// name. Files that do not hold a valid record are logged and skipped.
	ReadAll() ([]result.Record, error)
	// Dir returns the directory the store writes to.
	Dir() string
}

type store struct {
	log logrus.FieldLogger
	fs  afero.Fs
	dir string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// New creates a Store rooted at dir on the given filesystem.
func New(log logrus.FieldLogger, fs afero.Fs, dir string) Store {
	return &store{
		log: log.WithField("component", "diskstore"),
		fs:  fs,
		dir: dir,
	}
}

// NewOS creates a Store on the operating system filesystem.
func NewOS(log logrus.FieldLogger, dir string) Store {
	return New(log, afero.NewOsFs(), dir)
}

// FileName returns the file name a record with the given key is stored
// under. The name is an escaped, truncated prefix of the test suite name
// followed by a hash of the full name, so names differing only in case or
// beyond the prefix still map to distinct files.
func FileName(key result.Key) string {
	return fmt.Sprintf("%s-%016x_%s%s",
		namePrefix(key.Name), xxhash.Sum64String(key.Name), key.Date, fileExt)
}

// namePrefix escapes name for use in a file name. It never starts with a dot
// and never splits an escape sequence when truncated.
func namePrefix(name string) string {
	escaped := url.PathEscape(name)

	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}

	if len(escaped) <= maxPrefixLen {
		return escaped
	}

	cut := maxPrefixLen
	if i := strings.LastIndexByte(escaped[:cut], '%'); i >= cut-2 {
		cut = i
	}

	return escaped[:cut]
}

func (s *store) Dir() string {
	return s.dir
}

func (s *store) Write(rec result.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return cacheerr.Disk("encoding record", err)
	}

	data = append(data, '\n')

	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return cacheerr.Disk("creating result directory", err)
	}

	name := FileName(rec.Key())
	target := filepath.Join(s.dir, name)

	tmp, err := afero.TempFile(s.fs, s.dir, name+".*"+tempExt)
	if err != nil {
		return cacheerr.Disk("creating temp file", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)

		return cacheerr.Disk(fmt.Sprintf("writing %s", name), err)
	}

	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)

		return cacheerr.Disk(fmt.Sprintf("closing %s", name), err)
	}

	if err := s.fs.Chmod(tmpName, filePerm); err != nil {
		s.log.WithError(err).WithField("file", name).
			Debug("Failed to set record file permissions")
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)

		return cacheerr.Disk(fmt.Sprintf("renaming %s", name), err)
	}

	s.log.WithFields(logrus.Fields{
		"file": name,
		"key":  rec.Key().String(),
	}).Debug("Record persisted")

	return nil
}

func (s *store) ReadAll() ([]result.Record, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, cacheerr.Disk("listing result directory", err)
	}

	records := make([]result.Record, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() || strings.HasPrefix(name, ".") ||
			!strings.EqualFold(filepath.Ext(name), fileExt) {
			continue
		}

		entryLog := s.log.WithField("file", name)

		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
		if err != nil {
			entryLog.WithError(err).Warn("Skipping unreadable record file")

			continue
		}

		rec, err := result.Parse(data)
		if err != nil {
			entryLog.WithError(err).Warn("Skipping invalid record file")

			continue
		}

		records = append(records, rec)
	}

	s.log.WithFields(logrus.Fields{
		"dir":     s.dir,
		"records": len(records),
	}).Debug("Read persisted records")

	return records, nil
}
