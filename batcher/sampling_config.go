package batcher

import "fmt"

// MaxTopK is the largest top-k the sampler supports
const MaxTopK = 1024

// SamplingConfig holds the sampling parameters for generation
type SamplingConfig struct {
	BeamWidth   int
	TopK        int
	TopP        float64
	Temperature float64
	// MaxTokens caps generated tokens; zero means only MaxTokenNum applies.
	MaxTokens int
	IgnoreEOS bool
}

// SamplingOption is a functional option for SamplingConfig
type SamplingOption func(*SamplingConfig)

// NewSamplingConfig creates a new SamplingConfig with greedy defaults
func NewSamplingConfig(opts ...SamplingOption) SamplingConfig {
	sc := SamplingConfig{
		BeamWidth:   1,
		TopK:        1,
		TopP:        0,
		Temperature: 0,
	}

	for _, opt := range opts {
		opt(&sc)
	}

	return sc
}

// Validate checks the config against what the sampler implements:
// beam width 1, temperature 0, top-p 0 or 1 and top-k up to MaxTopK.
func (sc SamplingConfig) Validate() error {
	if sc.BeamWidth != 1 {
		return fmt.Errorf("%w: beam_width > 1 not implemented", ErrUnsupportedSamplingConfig)
	}
	if sc.Temperature != 0 {
		return fmt.Errorf("%w: temperature not implemented", ErrUnsupportedSamplingConfig)
	}
	if sc.TopP != 0 && sc.TopP != 1 {
		return fmt.Errorf("%w: top_p not implemented", ErrUnsupportedSamplingConfig)
	}
	if sc.TopK > MaxTopK {
		return fmt.Errorf("%w: top_k %d > %d", ErrUnsupportedSamplingConfig, sc.TopK, MaxTopK)
	}
	if sc.MaxTokens < 0 {
		return fmt.Errorf("%w: negative max_tokens", ErrUnsupportedSamplingConfig)
	}
	return nil
}

// WithBeamWidth sets the beam width
func WithBeamWidth(n int) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.BeamWidth = n
	}
}

// WithTopK sets top-k
func WithTopK(k int) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.TopK = k
	}
}

// WithTopP sets top-p
func WithTopP(p float64) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.TopP = p
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sc *SamplingConfig) {
		sc.IgnoreEOS = b
	}
}
