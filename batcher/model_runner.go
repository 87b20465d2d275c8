package batcher

// ModelRunner executes one forward pass over a batch.
// This can be implemented using various backends:
// - CGo bindings to PyTorch/ONNX
// - Go ML libraries
// - HTTP/gRPC calls to inference servers
type ModelRunner interface {
	// Run returns one logits row per request, in batch order
	Run(reqs []*Request) ([][]float32, error)

	// Close cleans up resources
	Close() error
}

// MockModelRunner is a simple mock implementation for demonstration
type MockModelRunner struct {
	config *Config
	vocab  int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		config: config,
		vocab:  32000, // Default vocab size
	}
}

// Run generates mock logits peaking at a token derived from the request
func (m *MockModelRunner) Run(reqs []*Request) ([][]float32, error) {
	logits := make([][]float32, len(reqs))

	for i, req := range reqs {
		// Simple mock: peak at a token based on request ID and position
		tokenID := int((req.ReqID + int64(req.Len())) % int64(m.vocab))

		// Occasionally generate EOS for testing
		if n := req.NumOutputTokens(); n > 10 && n%20 == 0 {
			tokenID = m.config.EOS
		}
		if tokenID == m.config.EOS && req.NumOutputTokens() <= 10 {
			tokenID = (tokenID + 1) % m.vocab
		}

		row := make([]float32, m.vocab)
		row[tokenID] = 1
		logits[i] = row
	}

	return logits, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockTokenizer is a simple mock tokenizer for demonstration
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	// Simple mock: convert each character to a token
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	runes := make([]rune, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			runes = append(runes, rune(id%1000+32))
		}
	}
	return string(runes), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
