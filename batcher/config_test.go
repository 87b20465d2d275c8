package batcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, DefaultConfig(), *c)
	assert.Equal(t, StrategyContinuousBatching, c.Strategy)
}

func TestNewConfigPanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { NewConfig(WithMaxBatchSize(0)) })
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name string
		opts []ConfigOption
	}{
		{"batch size", []ConfigOption{WithMaxBatchSize(0)}},
		{"queue", []ConfigOption{WithMaxWaitingQueueLen(0)}},
		{"input not below token num", []ConfigOption{WithMaxInputLen(2048)}},
		{"block tokens", []ConfigOption{WithBlockTokenNum(0)}},
		{"block bytes", []ConfigOption{WithBlockBytes(0)}},
		{"max request does not fit", []ConfigOption{WithDeviceBlocks(64)}},
		{"host", []ConfigOption{WithHostBlocks(-1)}},
		{"tensor parallel", []ConfigOption{WithTensorParallelSize(9)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			for _, opt := range tc.opts {
				opt(&c)
			}
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batcher.yaml")
	data := []byte(`
model: llama-7b
max_batch_size: 16
block_token_num: 32
device_blocks: 256
host_blocks: 0
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "llama-7b", c.Model)
	assert.Equal(t, 16, c.MaxBatchSize)
	assert.Equal(t, 32, c.BlockTokenNum)
	assert.Equal(t, 256, c.DeviceBlocks)
	assert.Equal(t, 0, c.HostBlocks)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultConfig().MaxTokenNum, c.MaxTokenNum)
	assert.Equal(t, DefaultConfig().EOS, c.EOS)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_batch_size: [1"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("device_blocks: 2\n"), 0o644))
	_, err = LoadConfig(invalid)
	assert.Error(t, err)
}
