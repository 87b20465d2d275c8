package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llm-batcher/batcher"
)

var (
	configPath      string        // YAML file with scheduler settings
	logLevel        string        // Log verbosity level
	numRequests     int           // Number of requests
	groupSize       int           // Requests added per AddInferRequest call
	minInputLen     int           // Min prompt token count
	maxInputLen     int           // Max prompt token count
	minOutputLen    int           // Min generated token count
	maxOutputLen    int           // Max generated token count
	arrivalInterval time.Duration // Delay between request groups
	seed            uint64        // Seed for random token generation
	showProgress    bool          // Show a progress bar
	metricsAddr     string        // Serve /metrics on this address while running

	// Overrides of the config file
	maxBatchSize int
	deviceBlocks int
	hostBlocks   int
)

// runCmd feeds a synthetic workload through the engine with a mock model
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)

		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := validateWorkload(config); err != nil {
			return err
		}

		logrus.Infof("Starting run with %d device blocks, %d host blocks, max batch %d, %d requests",
			config.DeviceBlocks, config.HostBlocks, config.MaxBatchSize, numRequests)

		return runWorkload(cmd.Context(), config)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML scheduler config")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().IntVar(&numRequests, "requests", 256, "Number of requests")
	runCmd.Flags().IntVar(&groupSize, "group-size", 1, "Requests submitted together as one group")
	runCmd.Flags().IntVar(&minInputLen, "min-input", 16, "Min prompt token count")
	runCmd.Flags().IntVar(&maxInputLen, "max-input", 512, "Max prompt token count")
	runCmd.Flags().IntVar(&minOutputLen, "min-output", 16, "Min generated token count")
	runCmd.Flags().IntVar(&maxOutputLen, "max-output", 256, "Max generated token count")
	runCmd.Flags().DurationVar(&arrivalInterval, "arrival-interval", 0, "Delay between request groups")
	runCmd.Flags().Uint64Var(&seed, "seed", 42, "Seed for random request generation")
	runCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	runCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", 0, "Override max_batch_size")
	runCmd.Flags().IntVar(&deviceBlocks, "device-blocks", 0, "Override device_blocks")
	runCmd.Flags().IntVar(&hostBlocks, "host-blocks", 0, "Override host_blocks")
}

func loadConfig(cmd *cobra.Command) (*batcher.Config, error) {
	c := batcher.DefaultConfig()
	config := &c
	if configPath != "" {
		loaded, err := batcher.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	// Flags take precedence over the file
	if cmd.Flags().Changed("max-batch-size") {
		config.MaxBatchSize = maxBatchSize
	}
	if cmd.Flags().Changed("device-blocks") {
		config.DeviceBlocks = deviceBlocks
	}
	if cmd.Flags().Changed("host-blocks") {
		config.HostBlocks = hostBlocks
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func validateWorkload(config *batcher.Config) error {
	switch {
	case numRequests < 1:
		return fmt.Errorf("--requests must be positive")
	case groupSize < 1 || groupSize > min(config.MaxBatchSize, config.MaxWaitingQueueLen):
		return fmt.Errorf("--group-size must be in [1, %d]", min(config.MaxBatchSize, config.MaxWaitingQueueLen))
	case minInputLen < 1 || minInputLen > maxInputLen:
		return fmt.Errorf("--min-input must be in [1, --max-input]")
	case minOutputLen < 1 || minOutputLen > maxOutputLen:
		return fmt.Errorf("--min-output must be in [1, --max-output]")
	}
	if maxInputLen > config.MaxInputLen {
		logrus.Warnf("--max-input %d exceeds max_input_len %d, longer requests will be rejected", maxInputLen, config.MaxInputLen)
	}
	return nil
}

// buildWorkload generates random prompts grouped by --group-size.
func buildWorkload(config *batcher.Config) [][]*batcher.Request {
	rng := rand.New(rand.NewPCG(seed, seed))

	groups := make([][]*batcher.Request, 0, numRequests/groupSize+1)
	for i := 0; i < numRequests; i += groupSize {
		group := make([]*batcher.Request, min(groupSize, numRequests-i))
		for j := range group {
			inputLen := minInputLen + rng.IntN(maxInputLen-minInputLen+1)
			outputLen := minOutputLen + rng.IntN(maxOutputLen-minOutputLen+1)

			tokens := make([]int, inputLen)
			for k := range tokens {
				tokens[k] = 3 + rng.IntN(32000-3)
			}
			group[j] = batcher.NewRequest(config.Model, tokens, batcher.NewSamplingConfig(batcher.WithMaxTokens(outputLen)))
		}
		groups = append(groups, group)
	}
	return groups
}

// submit retries a group until the waiting queue has room for it.
func submit(ctx context.Context, engine *batcher.LLMEngine, group []*batcher.Request) error {
	for {
		err := engine.AddRequestGroup(group)
		if !errors.Is(err, batcher.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func runWorkload(ctx context.Context, config *batcher.Config) error {
	reg := prometheus.NewRegistry()
	if err := batcher.RegisterMetrics(reg); err != nil {
		return err
	}
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	engine, err := batcher.NewLLMEngine(config, batcher.NewMockModelRunner(config), batcher.NewMockTokenizer(config.EOS))
	if err != nil {
		return err
	}
	defer engine.Close()

	groups := buildWorkload(config)

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(numRequests,
			progressbar.OptionSetDescription("Scheduling"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	var rejected atomic.Int64
	accepted := make(chan *batcher.Request, numRequests)
	var finished []*batcher.Request

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	start := time.Now()

	g.Go(func() error {
		defer close(accepted)
		for _, group := range groups {
			if arrivalInterval > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(arrivalInterval):
				}
			}

			err := submit(gctx, engine, group)
			switch {
			case err == nil:
				for _, req := range group {
					accepted <- req
				}
			case errors.Is(err, batcher.ErrRequestTooLong), errors.Is(err, batcher.ErrEmptyRequest), errors.Is(err, batcher.ErrGroupTooLarge):
				logrus.Debugf("rejected group of %d: %v", len(group), err)
				rejected.Add(int64(len(group)))
				if bar != nil {
					bar.Add(len(group))
				}
			default:
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		return engine.Run(gctx, time.Millisecond)
	})

	g.Go(func() error {
		// The engine loop stops once every accepted request finished.
		defer stop()
		for req := range accepted {
			if err := req.Waiter.Wait(gctx); err != nil {
				return err
			}
			finished = append(finished, req)
			if bar != nil {
				bar.Add(1)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	printSummary(reg, engine.Scheduler().Stats(), finished, int(rejected.Load()), time.Since(start))
	return nil
}

// counterValue sums a counter family from the registry.
func counterValue(reg *prometheus.Registry, name string) string {
	families, err := reg.Gather()
	if err != nil {
		return "n/a"
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return fmt.Sprintf("%.0f", total)
	}
	return "0"
}

func printSummary(reg *prometheus.Registry, stats batcher.Stats, finished []*batcher.Request, rejected int, elapsed time.Duration) {
	outputTokens, failed := 0, 0
	for _, req := range finished {
		outputTokens += req.NumOutputTokens()
		if req.FinishStatus() != nil {
			failed++
		}
	}

	data := [][]string{
		{"requests", fmt.Sprint(numRequests)},
		{"completed", fmt.Sprint(len(finished) - failed)},
		{"failed", fmt.Sprint(failed)},
		{"rejected", fmt.Sprint(rejected)},
		{"output tokens", fmt.Sprint(outputTokens)},
		{"elapsed", elapsed.Round(time.Millisecond).String()},
		{"throughput", fmt.Sprintf("%.2f tok/s", float64(outputTokens)/elapsed.Seconds())},
		{"admissions", counterValue(reg, "batcher_admissions_total")},
		{"preemptions", counterValue(reg, "batcher_preemptions_total")},
		{"swap ins", counterValue(reg, "batcher_swap_ins_total")},
		{"exhaustions", counterValue(reg, "batcher_resource_exhaustions_total")},
		{"device blocks in use", fmt.Sprintf("%d/%d", stats.UsedDevice, stats.UsedDevice+stats.FreeDevice)},
		{"host blocks in use", fmt.Sprintf("%d/%d", stats.UsedHost, stats.UsedHost+stats.FreeHost)},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
