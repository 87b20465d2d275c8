package batcher

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates a new LLM with mock model and tokenizer
func NewLLM(config *Config) (*LLM, error) {
	// Create tokenizer
	tokenizer := NewMockTokenizer(config.EOS)

	// Create model runner
	modelRunner := NewMockModelRunner(config)

	return NewLLMWithComponents(config, modelRunner, tokenizer)
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) (*LLM, error) {
	engine, err := NewLLMEngine(config, modelRunner, tokenizer)
	if err != nil {
		return nil, err
	}
	return &LLM{
		LLMEngine: engine,
	}, nil
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(prompts []string, samplingConfig SamplingConfig, showProgress bool) ([]Output, error) {
	promptsInterface := make([]any, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(promptsInterface, samplingConfig, showProgress)
}
