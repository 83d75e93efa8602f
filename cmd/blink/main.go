package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hurricanerix/blink/internal/config"
	"github.com/hurricanerix/blink/internal/startup"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := config.Parse(args, stderr)
	if errors.Is(err, config.ErrShowHelp) || errors.Is(err, config.ErrShowVersion) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger := startup.CreateLogger(cfg)

	logger.Info("Starting blink %s...", config.Version)
	logger.Debug("Configuration: port=%d, model=%s, width=%d, height=%d, steps=%d, debounce=%s",
		cfg.Port, cfg.Model, cfg.Width, cfg.Height, cfg.Steps, cfg.Debounce)
	logger.Debug("Log level: %s", cfg.LogLevel)

	if err := startup.Validate(ctx, cfg, logger); err != nil {
		logger.Error("Startup validation failed: %v", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "\nCheck that the service behind --generate-url is running,\n")
		fmt.Fprintf(stderr, "or unset it to call Together directly.\n")
		return 1
	}

	components, err := startup.InitializeAll(ctx, cfg, logger)
	if err != nil {
		logger.Error("Initialization failed: %v", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer startup.Cleanup(components, logger)

	logger.Info("Listening on http://%s", cfg.Addr())

	if err := startup.Run(ctx, components.WebServer, logger); err != nil {
		logger.Error("Server error: %v", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}
