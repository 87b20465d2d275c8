package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Output represents the output of a generation request
type Output struct {
	ReqID    int64
	Text     string
	TokenIDs []int
	Err      error
}

// LLMEngine is the execution loop: it schedules a batch, runs the model,
// samples and feeds the tokens back to the scheduler.
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *BatchScheduler
	sampler     *Sampler

	wake chan struct{}
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) (*LLMEngine, error) {
	scheduler, err := NewBatchScheduler(config)
	if err != nil {
		return nil, err
	}

	sampler, err := NewSampler(scheduler, 0)
	if err != nil {
		return nil, err
	}

	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   scheduler,
		sampler:     sampler,
		wake:        make(chan struct{}, 1),
	}, nil
}

// Scheduler returns the engine's batch scheduler
func (e *LLMEngine) Scheduler() *BatchScheduler {
	return e.scheduler
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return errors.Join(e.sampler.Close(), e.modelRunner.Close())
}

// NewRequestFromPrompt tokenizes a string prompt or copies a token slice.
func (e *LLMEngine) NewRequestFromPrompt(prompt any, samplingConfig SamplingConfig) (*Request, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return nil, fmt.Errorf("prompt must be string or []int")
	}

	return NewRequest(e.config.Model, tokenIDs, samplingConfig), nil
}

// AddRequest adds a generation request to the engine
func (e *LLMEngine) AddRequest(prompt any, samplingConfig SamplingConfig) (*Request, error) {
	req, err := e.NewRequestFromPrompt(prompt, samplingConfig)
	if err != nil {
		return nil, err
	}
	if err := e.AddRequestGroup([]*Request{req}); err != nil {
		return nil, err
	}
	return req, nil
}

// AddRequestGroup enqueues requests that must be scheduled together
func (e *LLMEngine) AddRequestGroup(reqs []*Request) error {
	if err := e.scheduler.AddInferRequest(reqs); err != nil {
		return err
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Step performs one inference step and returns the requests that finished.
func (e *LLMEngine) Step() ([]Output, error) {
	batch, err := e.scheduler.Schedule()
	if err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			return nil, err
		}
		logrus.Warnf("schedule: %v", err)
	}

	runnable := make([]*Request, 0, len(batch))
	outputs := make([]Output, 0)
	for _, req := range batch {
		if verr := e.sampler.Validate(req.SamplingConfig); verr != nil {
			if err := e.scheduler.Complete(req, verr); err != nil {
				return nil, err
			}
			outputs = append(outputs, Output{ReqID: req.ReqID, Err: verr})
			continue
		}
		runnable = append(runnable, req)
	}
	if len(runnable) == 0 {
		return outputs, nil
	}

	logits, err := e.modelRunner.Run(runnable)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}

	tokenIDs, err := e.sampler.Sample(runnable, logits)
	if err != nil {
		return nil, fmt.Errorf("sampling failed: %w", err)
	}

	if err := e.scheduler.Postprocess(runnable, tokenIDs); err != nil {
		return nil, err
	}

	for _, req := range runnable {
		if req.IsFinished() {
			output, err := e.output(req)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, output)
		}
	}

	return outputs, nil
}

func (e *LLMEngine) output(req *Request) (Output, error) {
	tokenIDs := req.OutputTokens()
	text, err := e.tokenizer.Decode(tokenIDs)
	if err != nil {
		return Output{}, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return Output{
		ReqID:    req.ReqID,
		Text:     text,
		TokenIDs: tokenIDs,
		Err:      req.FinishStatus(),
	}, nil
}

// cancel aborts requests that were enqueued by a Generate call that failed.
func (e *LLMEngine) cancel(reqs []*Request) error {
	var errs []error
	for _, req := range reqs {
		if err := e.scheduler.Cancel(req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Run steps until ctx is cancelled, waiting for new requests when idle.
// Finished requests are reported through their waiters.
func (e *LLMEngine) Run(ctx context.Context, idle time.Duration) error {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if e.IsFinished() {
			select {
			case <-ctx.Done():
				return nil
			case <-e.wake:
			case <-ticker.C:
			}
			continue
		}

		if _, err := e.Step(); err != nil {
			return err
		}
	}
}

// Generate generates completions for the given prompts
func (e *LLMEngine) Generate(prompts []any, samplingConfig SamplingConfig, showProgress bool) ([]Output, error) {
	// Tokenize everything before enqueuing, so a bad prompt leaves nothing queued
	reqs := make([]*Request, len(prompts))
	for i, prompt := range prompts {
		req, err := e.NewRequestFromPrompt(prompt, samplingConfig)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		reqs[i] = req
	}

	for i, req := range reqs {
		if err := e.AddRequestGroup([]*Request{req}); err != nil {
			return nil, errors.Join(fmt.Errorf("prompt %d: %w", i, err), e.cancel(reqs[:i]))
		}
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	done := make(map[int64]Output)
	var decodeThroughput float64

	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if showProgress && elapsed > 0 {
			decodeThroughput = float64(e.scheduler.Stats().Running) / elapsed
			bar.Describe(fmt.Sprintf("Generating [Decode: %dtok/s]", int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			done[output.ReqID] = output
			if showProgress {
				bar.Add(1)
			}
		}
	}

	if showProgress {
		bar.Finish()
	}

	// Reconstruct outputs in order
	outputs := make([]Output, len(reqs))
	for i, req := range reqs {
		output, ok := done[req.ReqID]
		if !ok {
			// Finished without passing through Step, e.g. rejected at admission.
			var err error
			if output, err = e.output(req); err != nil {
				return nil, err
			}
		}
		outputs[i] = output
	}

	return outputs, nil
}
