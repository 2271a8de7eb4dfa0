// Package blobcache keeps downloaded artifact archives in a LevelDB
// database keyed by artifact id, so a restarted service does not download
// the archives of runs it has already seen.
package blobcache

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/rust-gcc/bottlecache/pkg/upstream"
)

var archivePrefix = []byte("a:")

// Cache is an archive cache backed by LevelDB.
type Cache struct {
	log logrus.FieldLogger
	db  *leveldb.DB
}

// Compile-time interface check.
var _ upstream.ArchiveCache = (*Cache)(nil)

// Open opens or creates the database at path.
func Open(log logrus.FieldLogger, path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening archive cache %s: %w", path, err)
	}

	c := &Cache{
		log: log.WithField("component", "blobcache"),
		db:  db,
	}

	c.log.WithField("path", path).Info("Archive cache opened")

	return c, nil
}

func archiveKey(artifactID int64) []byte {
	return append(append([]byte(nil), archivePrefix...),
		strconv.FormatInt(artifactID, 10)...)
}

// Get returns the cached archive of an artifact. Read errors other than a
// missing key are logged and reported as a miss.
func (c *Cache) Get(artifactID int64) ([]byte, bool) {
	data, err := c.db.Get(archiveKey(artifactID), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.log.WithError(err).WithField("artifact_id", artifactID).
				Warn("Failed to read cached archive")
		}

		return nil, false
	}

	return data, true
}

// Put stores the archive of an artifact.
func (c *Cache) Put(artifactID int64, data []byte) error {
	if err := c.db.Put(archiveKey(artifactID), data, nil); err != nil {
		return fmt.Errorf("storing archive %d: %w", artifactID, err)
	}

	return nil
}

// Len returns the number of cached archives.
func (c *Cache) Len() (int, error) {
	it := c.db.NewIterator(util.BytesPrefix(archivePrefix), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}

	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("iterating archive cache: %w", err)
	}

	return n, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
