package cmd

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvbatch/kvbatch/engine"
	"github.com/kvbatch/kvbatch/telemetry"
)

var (
	configPath   string
	logLevel     string
	telemetryOn  bool
	telemetryURL string
	numRequests  int
	promptLen    int
	maxTokens    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a demo generation workload against the scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := engine.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}

		runner := newDemoRunner(cfg.EOS)
		eng, err := engine.NewEngine(cfg, runner)
		if err != nil {
			logrus.Fatalf("constructing engine: %v", err)
		}
		defer func() {
			if err := eng.Close(); err != nil {
				logrus.WithError(err).Warn("runner close failed")
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logrus.Info("received termination signal")
			cancel()
		}()

		if telemetryOn {
			recorder := telemetry.NewRecorder()
			eng.WithRecorder(recorder)
			go func() {
				if err := recorder.Serve(ctx, telemetryURL); err != nil {
					logrus.WithError(err).Error("telemetry server exited")
				}
			}()
			logrus.WithField("addr", telemetryURL).Info("telemetry server listening")
		}

		for i := 0; i < numRequests; i++ {
			tokens := randomPrompt(promptLen)
			reqID := uuid.New()
			seqID, err := eng.AddRequest(tokens, engine.SamplingParams{
				MaxTokens:   maxTokens,
				Temperature: 1.0,
				TopP:        1.0,
				TopK:        -1,
			})
			if err != nil {
				logrus.WithError(err).WithField("request_id", reqID).Error("request rejected")
				continue
			}
			logrus.WithFields(logrus.Fields{"request_id": reqID, "seq_id": seqID}).Info("submitted demo request")
		}

		outputs, err := eng.Generate()
		if err != nil {
			logrus.Fatalf("generation failed: %v", err)
		}
		for seqID, toks := range outputs {
			logrus.WithFields(logrus.Fields{"seq_id": seqID, "completion_len": len(toks)}).Info("sequence completed")
		}
		logrus.Info("demo workload complete")
	},
}

func randomPrompt(n int) []int {
	toks := make([]int, n)
	for i := range toks {
		toks[i] = rand.Intn(50) + 10
	}
	return toks
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to a scheduler config YAML file")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&telemetryOn, "telemetry", false, "Serve Prometheus metrics and debug state over HTTP")
	runCmd.Flags().StringVar(&telemetryURL, "telemetry-addr", ":9090", "Address the telemetry server listens on")
	runCmd.Flags().IntVar(&numRequests, "requests", 4, "Number of synthetic demo requests to submit")
	runCmd.Flags().IntVar(&promptLen, "prompt-len", 8, "Token length of each synthetic demo prompt")
	runCmd.Flags().IntVar(&maxTokens, "max-tokens", 16, "max_tokens sampling param for every demo request")

	rootCmd.AddCommand(runCmd)
}
