// Package archive pulls the result payload out of a downloaded artifact.
//
// GitHub serves every artifact as a zip container. The payload is the first
// entry, in central directory order, whose name ends in ".json"
// (case-insensitive). Directory entries and other files are ignored, so an
// artifact that also carries logs still yields its result file.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
)

// PayloadExt is the extension of the entry holding the result payload.
const PayloadExt = ".json"

// MaxPayloadSize bounds the decompressed size of the payload entry.
const MaxPayloadSize = 16 << 20

// ErrNoPayload is returned when the container has no payload entry.
var ErrNoPayload = errors.New("no " + PayloadExt + " entry in archive")

// Extract returns the decompressed bytes of the payload entry of a zip
// archive. All failures are KindArchive errors.
func Extract(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, cacheerr.Archive("opening archive", err)
	}

	entry := findPayload(zr.File)
	if entry == nil {
		return nil, cacheerr.Archive("locating payload", ErrNoPayload)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, cacheerr.Archive(
			"opening entry "+entry.Name, err,
		)
	}
	defer func() { _ = rc.Close() }()

	payload, err := io.ReadAll(io.LimitReader(rc, MaxPayloadSize+1))
	if err != nil {
		return nil, cacheerr.Archive(
			"decompressing entry "+entry.Name, err,
		)
	}

	if len(payload) > MaxPayloadSize {
		return nil, cacheerr.Archive(
			"decompressing entry "+entry.Name,
			fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize),
		)
	}

	return payload, nil
}

// EntryNames lists the names of all file entries, in container order.
func EntryNames(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, cacheerr.Archive("opening archive", err)
	}

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}

	return names, nil
}

func findPayload(files []*zip.File) *zip.File {
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}

		if strings.EqualFold(path.Ext(f.Name), PayloadExt) {
			return f
		}
	}

	return nil
}
