package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/demo"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/handler"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/server"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/telemetry"
	"github.com/tjfontaine/polyglot-llm-middleware/pkg/interceptor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run returns the process exit code so deferred cleanup completes before
// main exits.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("middleware-demo", flag.ContinueOnError)
	demoNum := fs.Int("demo", 0, "demo to run (1-7); 0 runs all")
	configPath := fs.String("config", "", "run -prompt through the pipeline described by this config file")
	prompt := fs.String("prompt", "", "prompt to send when -config is set")
	userID := fs.String("user", "", "user ID for -prompt")
	list := fs.Bool("list", false, "list the demos and exit")
	serve := fs.Bool("serve", false, "serve the pipeline described by -config over HTTP")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdown, err := telemetry.Setup(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize tracer", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *list {
		for _, s := range demo.Scenarios() {
			fmt.Fprintf(stdout, "%d. %-22s %s\n", s.Number, s.Name, s.UseCase)
		}
		return 0
	}

	if *serve {
		path := *configPath
		if path == "" {
			path = config.DefaultPath
		}
		if err := runServer(ctx, logger, cfg.Server, path); err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	if *configPath != "" {
		if err := runPrompt(ctx, logger, stdout, *configPath, *prompt, *userID); err != nil {
			logger.Error("prompt failed", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	env := demo.Env{Logger: logger}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		logger.Info("using OpenAI for demos", slog.String("model", demo.DefaultModel))
		env.Handler = handler.WithRetry(handler.OpenAI(key), handler.RetryConfig{Logger: logger})
	} else {
		logger.Info("OPENAI_API_KEY not set, using simulated responses")
	}

	var results []*demo.Result
	if *demoNum == 0 {
		results, err = demo.RunAll(ctx, env)
	} else {
		var res *demo.Result
		res, err = demo.Run(ctx, *demoNum, env)
		if res != nil {
			results = append(results, res)
		}
	}
	for _, res := range results {
		printResult(stdout, res)
	}
	if err != nil {
		logger.Error("demo failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// runPrompt sends one prompt through a runtime built from a config file.
func runPrompt(ctx context.Context, logger *slog.Logger, stdout io.Writer, path, prompt, userID string) error {
	if prompt == "" {
		return fmt.Errorf("-prompt is required with -config")
	}

	rt, err := interceptor.New(
		interceptor.WithFileConfig(path),
		interceptor.WithLogger(logger),
		interceptor.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	resp, err := rt.Execute(ctx, &interceptor.Request{
		UserID:   userID,
		Messages: []interceptor.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		if name, ok := interceptor.HaltedBy(err); ok {
			fmt.Fprintf(stdout, "halted by %s: %v\n", name, err)
			return nil
		}
		return err
	}
	return json.NewEncoder(stdout).Encode(resp)
}

// runServer exposes a runtime over HTTP until ctx is cancelled.
func runServer(ctx context.Context, logger *slog.Logger, cfg config.ServerConfig, path string) error {
	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid server.request_timeout %q: %w", cfg.RequestTimeout, err)
	}

	rt, err := interceptor.New(
		interceptor.WithFileConfig(path),
		interceptor.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	srv := server.New(rt, server.Config{
		Addr:           cfg.Addr,
		RequestTimeout: timeout,
		Gatherer:       rt.Gatherer(),
		Logger:         logger,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping server...")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("failed to shutdown server", slog.String("error", serr.Error()))
	}
	if serr := rt.Shutdown(shutdownCtx); serr != nil {
		logger.Error("failed to shutdown runtime", slog.String("error", serr.Error()))
	}
	return err
}

func printResult(w io.Writer, res *demo.Result) {
	fmt.Fprintf(w, "\n=== DEMO %d: %s ===\n", res.Number, res.Name)
	if len(res.Stages) > 0 {
		fmt.Fprintf(w, "stages: %v\n", res.Stages)
	}
	for i, resp := range res.Responses {
		switch {
		case res.Errors[i] != nil:
			fmt.Fprintf(w, "[%d] error: %v\n", i+1, res.Errors[i])
		case resp != nil:
			fmt.Fprintf(w, "[%d] %s\n", i+1, resp.Content)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(res.Counters)) {
		fmt.Fprintf(w, "  %s = %d\n", k, res.Counters[k])
	}
	for _, note := range res.Notes {
		fmt.Fprintf(w, "  note: %s\n", note)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
