package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/pixelbrain/internal/api"
	"github.com/mattjoyce/pixelbrain/internal/config"
	"github.com/mattjoyce/pixelbrain/internal/monitor"
	"github.com/mattjoyce/pixelbrain/internal/ollama"
	"github.com/mattjoyce/pixelbrain/internal/provider"
	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/storage"
	"github.com/mattjoyce/pixelbrain/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "bench":
		err = runBench(os.Args[2:])
	case "version":
		fmt.Printf("pixelbrain %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pixelbrain <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the chat API and inference proxy")
	fmt.Fprintln(os.Stderr, "  chat      Converse with the model in a TUI")
	fmt.Fprintln(os.Stderr, "  ask       Send one prompt and print the reply")
	fmt.Fprintln(os.Stderr, "  bench     Measure generation throughput")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

// commonFlags are shared by the client commands.
type commonFlags struct {
	configPath *string
	model      *string
	url        *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "config.yaml", "path to config file"),
		model:      fs.String("model", "", "override ollama.model"),
		url:        fs.String("url", "", "override ollama.base_url"),
	}
}

// load reads the config file, falling back to defaults when the default path
// does not exist, and applies flag overrides.
func (f commonFlags) load(explicit bool) (*config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}
	if *f.model != "" {
		cfg.Ollama.Model = *f.model
	}
	if *f.url != "" {
		cfg.Ollama.BaseURL = *f.url
	}
	return cfg, nil
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(level string, w io.Writer, jsonOutput bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newManager(cfg *config.Config, recorder session.Recorder, logger *slog.Logger) (*session.Manager, *ollama.Client) {
	client := ollama.NewClient(cfg.Ollama.GenerateURL(), cfg.Ollama.StatusURL(), logger)
	manager := session.NewManager(client, recorder, session.Config{
		Model:    cfg.Ollama.Model,
		Endpoint: cfg.Ollama.GenerateURL(),
	}, logger)
	return manager, client
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel, os.Stdout, true)
	slog.SetDefault(logger)

	logger.Info("starting pixelbrain",
		"version", version,
		"config", *configPath,
		"ollama", cfg.Ollama.ServerURL(),
		"model", cfg.Ollama.Model,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	generations := store.NewGenerationStore(db)
	manager, client := newManager(cfg, generations, logger)
	defer manager.Close()

	mon := monitor.New(client, cfg.Monitor.Interval, cfg.Monitor.ProbeTimeout, logger)
	go mon.Run(ctx)

	apiCfg := api.Config{
		Listen:                  cfg.API.Listen,
		Token:                   cfg.API.Token,
		StreamHeartbeatInterval: cfg.API.StreamHeartbeatInterval,
		StoppedMarker:           cfg.Chat.StoppedMarker,
	}
	if cfg.API.Proxy {
		apiCfg.Upstream = cfg.Ollama.ServerURL()
	}
	srv, err := api.New(apiCfg, manager, mon, generations, logger)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		serveErr := waitForServer(errCh, 10*time.Second)
		if serveErr != nil {
			logger.Error("api server shutdown failed", "error", serveErr)
		}
		select {
		case <-mon.Done():
			logger.Info("connectivity monitor stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("monitor did not stop within 10s, exiting anyway")
		}
		return serveErr
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// waitForServer waits for the API server goroutine to report its result.
// A cancelled context is the normal shutdown outcome.
func waitForServer(errCh <-chan error, timeout time.Duration) error {
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("api server did not stop within %s", timeout)
	}
}

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	flags := addCommonFlags(fs)
	timeout := fs.Duration("timeout", 5*time.Minute, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: pixelbrain ask [flags] <prompt>")
	}

	cfg, err := flags.load(flagSet(fs, "config"))
	if err != nil {
		return err
	}
	if *flags.model != "" {
		cfg.LLM.Model = *flags.model
	}
	logger := newLogger(cfg.Service.LogLevel, os.Stderr, false)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	chatModel, err := provider.NewChatModel(ctx, cfg.LLM, cfg.Ollama.ServerURL())
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}

	prompt := strings.Join(fs.Args(), " ")
	logger.Debug("asking", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	reply, err := provider.Ask(ctx, chatModel, prompt)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
