package offsets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-vmi/winvmi/internal/offsets"
)

func TestGetKnownVersions(t *testing.T) {
	cases := []struct {
		version uint16
		build   uint32
	}{
		{502, 0},
		{601, 7600},
		{601, 7601},
		{602, 0},
		{603, 0},
		{1000, 10240},
		{1000, 18362},
	}

	for _, c := range cases {
		_, ok := offsets.Get(c.version, c.build)
		assert.Truef(t, ok, "expected a table for version %d build %d", c.version, c.build)
	}
}

func TestGetUnknownVersionFails(t *testing.T) {
	_, ok := offsets.Get(9999, 0)
	assert.False(t, ok)
}

func TestWindows7ServicePack1Overrides(t *testing.T) {
	base, ok := offsets.Get(601, 7600)
	assert.True(t, ok)

	sp1, ok := offsets.Get(601, 7601)
	assert.True(t, ok)

	assert.NotEqual(t, base.ImageFileName, sp1.ImageFileName)
	assert.NotEqual(t, base.ThreadListEntry, sp1.ThreadListEntry)
	assert.Equal(t, int64(0x2d8), sp1.ImageFileName)
	assert.Equal(t, int64(0x428), sp1.ThreadListEntry)
}

func TestWindows10Build18362Overrides(t *testing.T) {
	base, ok := offsets.Get(1000, 10240)
	assert.True(t, ok)
	assert.Equal(t, int64(0x2e8), base.ActiveProcessLinks)

	nineteenOThree, ok := offsets.Get(1000, 18362)
	assert.True(t, ok)
	assert.Equal(t, int64(0x2f0), nineteenOThree.ActiveProcessLinks)
	assert.Equal(t, int64(0x6b8), nineteenOThree.ThreadListEntry)
}
