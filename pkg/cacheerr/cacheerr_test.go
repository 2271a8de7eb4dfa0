package cacheerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rust-gcc/bottlecache/pkg/cacheerr"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want cacheerr.Kind
	}{
		{name: "nil", err: nil, want: cacheerr.KindUnknown},
		{name: "plain error", err: cause, want: cacheerr.KindUnknown},
		{name: "upstream", err: cacheerr.Upstream("listing runs", cause), want: cacheerr.KindUpstream},
		{name: "archive", err: cacheerr.Archive("opening zip", cause), want: cacheerr.KindArchive},
		{name: "validation", err: cacheerr.Validation("parsing record", cause), want: cacheerr.KindValidation},
		{name: "disk", err: cacheerr.Disk("writing record", cause), want: cacheerr.KindDisk},
		{
			name: "wrapped with fmt.Errorf",
			err:  fmt.Errorf("update cycle: %w", cacheerr.Disk("writing record", cause)),
			want: cacheerr.KindDisk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cacheerr.KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("cycle: %w", cacheerr.Upstream("download", errors.New("timeout")))

	assert.True(t, cacheerr.Is(err, cacheerr.KindUpstream))
	assert.False(t, cacheerr.Is(err, cacheerr.KindDisk))
	assert.False(t, cacheerr.Is(nil, cacheerr.KindUnknown))
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := cacheerr.Archive("reading entry", cause)

	assert.Equal(t, "archive error: reading entry: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "disk error: flush", cacheerr.Disk("flush", nil).Error())
}

func TestKind_Aborting(t *testing.T) {
	assert.True(t, cacheerr.KindUpstream.Aborting())
	assert.True(t, cacheerr.KindDisk.Aborting())
	assert.False(t, cacheerr.KindArchive.Aborting())
	assert.False(t, cacheerr.KindValidation.Aborting())
}
