// Command callsurfaced runs the call surface orchestration daemon: it
// watches the consumer manifest directory, binds call surface consumers over
// websockets, and fans call lifecycle events out to them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/config"
	"github.com/tiger/callsurface/internal/observability"
	"github.com/tiger/callsurface/internal/orchestrator"
	"github.com/tiger/callsurface/internal/registry"
	"github.com/tiger/callsurface/internal/transport/ws"
)

const envConfigPath = "CALLSURFACE_CONFIG"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "callsurfaced: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, stderr io.Writer, getenv func(string) string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		printUsage(stdout)
		return nil
	}

	configPath := strings.TrimSpace(getenv(envConfigPath))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a path", args[i])
			}
			i++
			configPath = args[i]
		default:
			printUsage(stderr)
			return fmt.Errorf("unknown argument %q", args[i])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.InitLogger("callsurfaced", cfg.LogLevel)
	return serve(cfg, logger)
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	binder, err := ws.NewBinder(ws.Config{
		BaseURL: cfg.ConsumerURL,
		Token:   cfg.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	consumers := registry.New(logger)
	orch := orchestrator.New(binder, consumers, orchestrator.NopNotifier{}, orchestrator.NopAnomalyReporter{}, orchestrator.Config{
		BindTimeout:           cfg.BindTimeout,
		ReconnectDelay:        cfg.ReconnectDelay,
		TeardownDelay:         cfg.TeardownDelay,
		DisconnectToneTimeout: cfg.DisconnectToneTimeout,
		Logger:                logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := registry.NewWatcher(
		cfg.ManifestDir,
		consumers,
		func(id consumer.Identity) { orch.OnConsumerEnabled(ctx, id) },
		func(id consumer.Identity) { orch.OnConsumerDisabled(ctx, id) },
		logger,
		registry.WatcherConfig{ReloadDebounce: cfg.ReloadDebounce},
	)
	if err != nil {
		return fmt.Errorf("watch manifest directory: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start manifest watcher: %w", err)
	}

	logger.Info().Str("manifest_dir", cfg.ManifestDir).Str("consumer_url", cfg.ConsumerURL).Msg("callsurfaced running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "callsurfaced usage:")
	_, _ = fmt.Fprintln(w, "  callsurfaced [-config <path>]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Env:")
	_, _ = fmt.Fprintf(w, "  %s (config file path)\n", envConfigPath)
	_, _ = fmt.Fprintf(w, "  %s (manifest directory fallback)\n", config.EnvManifestDir)
	_, _ = fmt.Fprintf(w, "  %s (consumer base URL fallback)\n", config.EnvConsumerURL)
	_, _ = fmt.Fprintf(w, "  %s (bearer token fallback)\n", config.EnvToken)
	_, _ = fmt.Fprintf(w, "  %s (log level fallback)\n", config.EnvLogLevel)
}
