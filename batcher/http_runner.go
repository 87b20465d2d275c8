package batcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPModelRunner implements ModelRunner by posting each batch to a remote
// inference server that returns one logits row per request.
type HTTPModelRunner struct {
	serverURL string
	client    *http.Client
	vocabSize int
	eos       int
}

// NewHTTPModelRunner connects to serverURL and reads the model info
func NewHTTPModelRunner(serverURL string, timeout time.Duration) (*HTTPModelRunner, error) {
	runner := &HTTPModelRunner{
		serverURL: serverURL,
		client:    &http.Client{Timeout: timeout},
	}

	resp, err := runner.client.Get(serverURL + "/info")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server info: unexpected status %s", resp.Status)
	}

	var info struct {
		VocabSize  int    `json:"vocab_size"`
		EOSTokenID int    `json:"eos_token_id"`
		ModelType  string `json:"model_type"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode server info: %w", err)
	}

	runner.vocabSize = info.VocabSize
	runner.eos = info.EOSTokenID
	logrus.Infof("connected to %s model at %s (vocab: %d)", info.ModelType, serverURL, info.VocabSize)

	return runner, nil
}

// VocabSize returns the vocabulary size reported by the server
func (m *HTTPModelRunner) VocabSize() int {
	return m.vocabSize
}

// EOSTokenID returns the EOS token reported by the server
func (m *HTTPModelRunner) EOSTokenID() int {
	return m.eos
}

type forwardRequest struct {
	ReqID    int64 `json:"req_id"`
	TokenIDs []int `json:"token_ids"`
}

// Run sends the batch's full token sequences and returns the logits rows.
func (m *HTTPModelRunner) Run(reqs []*Request) ([][]float32, error) {
	payload := struct {
		Requests []forwardRequest `json:"requests"`
	}{
		Requests: make([]forwardRequest, len(reqs)),
	}
	for i, req := range reqs {
		payload.Requests[i] = forwardRequest{ReqID: req.ReqID, TokenIDs: req.AllTokens()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Post(m.serverURL+"/forward", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forward: unexpected status %s", resp.Status)
	}

	var result struct {
		Logits [][]float32 `json:"logits"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode logits: %w", err)
	}

	if len(result.Logits) != len(reqs) {
		return nil, fmt.Errorf("forward: got %d logits rows for %d requests", len(result.Logits), len(reqs))
	}

	return result.Logits, nil
}

// Close cleans up resources
func (m *HTTPModelRunner) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

// HTTPTokenizer implements Tokenizer using HTTP calls
type HTTPTokenizer struct {
	serverURL string
	client    *http.Client
	eosID     int
}

// NewHTTPTokenizer creates a new HTTP-based tokenizer
func NewHTTPTokenizer(serverURL string, eosID int, timeout time.Duration) *HTTPTokenizer {
	return &HTTPTokenizer{
		serverURL: serverURL,
		client:    &http.Client{Timeout: timeout},
		eosID:     eosID,
	}
}

func (t *HTTPTokenizer) post(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	resp, err := t.client.Post(t.serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Encode converts text to token IDs via HTTP
func (t *HTTPTokenizer) Encode(text string) ([]int, error) {
	var result struct {
		Tokens []int `json:"tokens"`
	}
	if err := t.post("/tokenize", struct {
		Text string `json:"text"`
	}{text}, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Decode converts token IDs to text via HTTP
func (t *HTTPTokenizer) Decode(tokenIDs []int) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	if err := t.post("/detokenize", struct {
		Tokens []int `json:"tokens"`
	}{tokenIDs}, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *HTTPTokenizer) EOSTokenID() int {
	return t.eosID
}
