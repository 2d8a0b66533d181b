package binary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHashable(t *testing.T) {
	assert.True(t, Hashable("/usr/bin/cc"))
	assert.False(t, Hashable("cc"))
	assert.False(t, Hashable("/proc/self/exe"))
	assert.False(t, Hashable("/dev/null"))
}

func TestRecordArchivesOnce(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(img, []byte("hello"), 0755))

	bins := filepath.Join(dir, "bins")
	c, err := NewCache(4, bins, zaptest.NewLogger(t))
	require.NoError(t, err)

	hash, err := c.Record(img)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hash)
	assert.True(t, c.HasBinary(hash))

	stored := c.GetBinaryPath(hash)
	assert.Equal(t, filepath.Join(bins, "5d", hash+".bin"), stored)
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	again, err := c.Record(img)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	_, err = c.Record(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = c.Record("relative")
	assert.Error(t, err)
}

func TestRecordWithoutArchive(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(img, []byte("hello"), 0755))

	c, err := NewCache(4, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	hash, err := c.Record(img)
	require.NoError(t, err)
	assert.True(t, c.HasBinary(hash))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
