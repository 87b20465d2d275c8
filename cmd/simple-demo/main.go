package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"llm-batcher/batcher"
)

func main() {
	fmt.Println("LLM Batcher - Simple Demo")
	fmt.Println("=========================")
	fmt.Println()

	config := batcher.NewConfig(
		batcher.WithModel("mock"),
		batcher.WithMaxBatchSize(4),
		batcher.WithDeviceBlocks(256),
		batcher.WithHostBlocks(256),
	)

	llm, err := batcher.NewLLM(config)
	if err != nil {
		logrus.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	// Offline generation: more prompts than fit in one batch
	prompts := []string{
		"Hello, batcher!",
		"What is the meaning of life?",
		"Explain continuous batching in simple terms.",
		"Why swap to host memory?",
		"How are requests admitted?",
		"When does preemption happen?",
	}

	fmt.Println("Generating responses...")
	outputs, err := llm.GenerateSimple(prompts, batcher.NewSamplingConfig(batcher.WithMaxTokens(32)), true)
	if err != nil {
		logrus.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", output.Text)
		fmt.Printf("Tokens: %d\n", len(output.TokenIDs))
	}

	// Online serving: the engine loop runs in the background and a
	// consumer streams one request token by token.
	fmt.Println("\nStreaming:")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return llm.Run(gctx, 5*time.Millisecond)
	})

	req, err := llm.AddRequest("Stream this answer", batcher.NewSamplingConfig(batcher.WithMaxTokens(16)))
	if err != nil {
		logrus.Fatalf("Failed to add request: %v", err)
	}

	it := batcher.NewStreamingIterator(req)
	for {
		tok, err := it.Next(ctx)
		if errors.Is(err, batcher.ErrStopIteration) {
			break
		}
		if err != nil {
			logrus.Fatalf("Streaming failed: %v", err)
		}
		fmt.Printf("  token %d\n", tok)
	}

	stop()
	if err := g.Wait(); err != nil {
		logrus.Fatalf("Engine loop failed: %v", err)
	}

	fmt.Println("\nNote: This demo uses a mock tokenizer and mock model.")
}
