package batcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the batch scheduler
type Config struct {
	Model              string `yaml:"model"`
	MaxBatchSize       int    `yaml:"max_batch_size"`
	MaxWaitingQueueLen int    `yaml:"max_waiting_queue_len"`
	MaxInputLen        int    `yaml:"max_input_len"`
	MaxTokenNum        int    `yaml:"max_token_num"`
	BlockTokenNum      int    `yaml:"block_token_num"`
	BlockBytes         int    `yaml:"block_bytes"`
	DeviceBlocks       int    `yaml:"device_blocks"`
	HostBlocks         int    `yaml:"host_blocks"`
	TensorParallelSize int    `yaml:"tensor_parallel_size"`
	EOS                int    `yaml:"eos"`
	Strategy           string `yaml:"strategy"`
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// DefaultConfig returns the configuration used when no option overrides a field.
func DefaultConfig() Config {
	return Config{
		Model:              "default",
		MaxBatchSize:       128,
		MaxWaitingQueueLen: 1024,
		MaxInputLen:        1024,
		MaxTokenNum:        2048,
		BlockTokenNum:      16,
		BlockBytes:         1 << 20,
		DeviceBlocks:       1024,
		HostBlocks:         2048,
		TensorParallelSize: 1,
		EOS:                2,
		Strategy:           StrategyContinuousBatching,
	}
}

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) *Config {
	c := DefaultConfig()

	for _, opt := range opts {
		opt(&c)
	}

	if err := c.Validate(); err != nil {
		panic(err)
	}

	return &c
}

// LoadConfig reads a YAML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.MaxWaitingQueueLen < 1 {
		return fmt.Errorf("max_waiting_queue_len must be positive")
	}

	if c.MaxInputLen < 1 || c.MaxInputLen >= c.MaxTokenNum {
		return fmt.Errorf("max_input_len must be in [1, max_token_num)")
	}

	if c.BlockTokenNum < 1 {
		return fmt.Errorf("block_token_num must be positive")
	}

	if c.BlockBytes < 1 {
		return fmt.Errorf("block_bytes must be positive")
	}

	if c.DeviceBlocks < 1 {
		return fmt.Errorf("device_blocks must be positive")
	}

	if need := (c.MaxTokenNum + c.BlockTokenNum - 1) / c.BlockTokenNum; need > c.DeviceBlocks {
		return fmt.Errorf("a request of max_token_num needs %d blocks, more than device_blocks %d", need, c.DeviceBlocks)
	}

	if c.HostBlocks < 0 {
		return fmt.Errorf("host_blocks must not be negative")
	}

	if c.TensorParallelSize < 1 || c.TensorParallelSize > 8 {
		return fmt.Errorf("tensor_parallel_size must be between 1 and 8")
	}

	return nil
}

// WithModel sets the served model name
func WithModel(name string) ConfigOption {
	return func(c *Config) {
		c.Model = name
	}
}

// WithMaxBatchSize sets the maximum number of requests in one step
func WithMaxBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.MaxBatchSize = n
	}
}

// WithMaxWaitingQueueLen sets the waiting queue capacity
func WithMaxWaitingQueueLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxWaitingQueueLen = n
	}
}

// WithMaxInputLen sets the maximum input length
func WithMaxInputLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxInputLen = n
	}
}

// WithMaxTokenNum sets the maximum total sequence length
func WithMaxTokenNum(n int) ConfigOption {
	return func(c *Config) {
		c.MaxTokenNum = n
	}
}

// WithBlockTokenNum sets the number of tokens per block
func WithBlockTokenNum(n int) ConfigOption {
	return func(c *Config) {
		c.BlockTokenNum = n
	}
}

// WithBlockBytes sets the size of one block in bytes
func WithBlockBytes(n int) ConfigOption {
	return func(c *Config) {
		c.BlockBytes = n
	}
}

// WithDeviceBlocks sets the device tier capacity
func WithDeviceBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.DeviceBlocks = n
	}
}

// WithHostBlocks sets the host tier capacity
func WithHostBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.HostBlocks = n
	}
}

// WithTensorParallelSize sets the number of ranks
func WithTensorParallelSize(n int) ConfigOption {
	return func(c *Config) {
		c.TensorParallelSize = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithStrategy selects the schedule strategy by name
func WithStrategy(name string) ConfigOption {
	return func(c *Config) {
		c.Strategy = name
	}
}
