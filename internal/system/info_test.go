package system

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/logger"
)

func TestCollect(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host sections are only asserted on linux")
	}

	dir := t.TempDir()
	c := NewCollector(dir, 0, logger.Discard())

	info, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Positive(t, info.Goroutines)
	assert.False(t, info.Timestamp.IsZero())

	require.NotNil(t, info.Memory)
	assert.NotZero(t, info.Memory.TotalBytes)

	require.NotNil(t, info.Disk)
	assert.Equal(t, dir, info.Disk.Path)
	assert.NotZero(t, info.Disk.TotalBytes)
}

func TestCollectMissingDataDir(t *testing.T) {
	c := NewCollector(t.TempDir()+"/does-not-exist", 0, logger.Discard())

	info, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info.Disk)
}

func TestNewCollectorDefaults(t *testing.T) {
	c := NewCollector("", 0, nil)
	assert.Equal(t, ".", c.dataDir)
	assert.NotNil(t, c.logger)
}
