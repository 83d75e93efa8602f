package startup

import (
	"context"
	"fmt"
	"io"

	"github.com/hurricanerix/blink/internal/config"
	"github.com/hurricanerix/blink/internal/image"
	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/logging"
	"github.com/hurricanerix/blink/internal/session"
	"github.com/hurricanerix/blink/internal/store"
	"github.com/hurricanerix/blink/internal/style"
	"github.com/hurricanerix/blink/internal/together"
	"github.com/hurricanerix/blink/internal/web"
)

// Backend names reported in generation metrics.
const (
	BackendTogether = "together"
	BackendRemote   = "remote"
)

// HistoryStore is a session history store that owns a connection.
type HistoryStore interface {
	session.HistoryStore
	io.Closer
}

// Components holds all initialized application components
type Components struct {
	Logger       *logging.Logger
	Styles       *style.Catalog
	Generator    imagegen.Generator
	Backend      string
	ImageStorage *image.Storage
	History      HistoryStore
	WebServer    *web.Server
}

// CreateLogger creates a logger with the configured log level
func CreateLogger(cfg *config.Config) *logging.Logger {
	return logging.NewFromString(cfg.LogLevel, nil)
}

// CreateStyles loads the style catalog from cfg.StylesFile, or the builtin
// catalog when no file is configured.
func CreateStyles(cfg *config.Config) (*style.Catalog, error) {
	if cfg.StylesFile == "" {
		return style.Builtin(), nil
	}
	return style.LoadFile(cfg.StylesFile)
}

// CreateGenerator returns the image generator and the backend name.
// A configured GenerateURL takes precedence over calling Together directly.
func CreateGenerator(cfg *config.Config, styles *style.Catalog, logger *logging.Logger) (imagegen.Generator, string) {
	if cfg.GenerateURL != "" {
		return imagegen.Instrument(imagegen.NewHTTPClient(cfg.GenerateURL, cfg.RequestTimeout), BackendRemote), BackendRemote
	}

	client := together.New(together.Options{
		BaseURL:         cfg.TogetherURL,
		APIKey:          cfg.TogetherAPIKey,
		Model:           cfg.Model,
		Width:           cfg.Width,
		Height:          cfg.Height,
		Steps:           cfg.Steps,
		ConsistencySeed: cfg.ConsistencySeed,
		Timeout:         cfg.RequestTimeout,
		Styles:          styles,
		Logger:          logger,
	})
	return imagegen.Instrument(client, BackendTogether), BackendTogether
}

// CreateImageStorage creates image storage and starts cleanup goroutine
func CreateImageStorage(ctx context.Context, logger *logging.Logger) *image.Storage {
	storage := image.NewStorage()
	storage.StartCleanup(ctx, logger)
	return storage
}

// CreateHistoryStore connects to redis when RedisURL is set and falls back
// to an in-memory store otherwise.
func CreateHistoryStore(ctx context.Context, cfg *config.Config) (HistoryStore, error) {
	if cfg.RedisURL == "" {
		return store.NewMemoryStore(), nil
	}
	rs, err := store.NewRedisStore(ctx, cfg.RedisURL, store.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect history store: %w", err)
	}
	return rs, nil
}

// InitializeAll creates and initializes all application components.
// It does NOT validate dependencies - validation should be done separately.
func InitializeAll(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Components, error) {
	logger.Debug("Initializing components")

	styles, err := CreateStyles(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load styles: %w", err)
	}
	logger.Debug("Loaded %d styles", len(styles.All()))

	generator, backend := CreateGenerator(cfg, styles, logger)
	logger.Debug("Created %s generator", backend)

	imageStorage := CreateImageStorage(ctx, logger)
	logger.Debug("Created image storage with cleanup enabled")

	history, err := CreateHistoryStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RedisURL != "" {
		logger.Info("Persisting history in redis")
	}

	webServer, err := web.NewServer(web.Config{
		Addr:          cfg.Addr(),
		Generator:     generator,
		Styles:        styles,
		Images:        imageStorage,
		History:       history,
		Debounce:      cfg.Debounce,
		FreePerMinute: cfg.FreePerMinute,
		TrustProxy:    cfg.TrustProxy,
		Logger:        logger,
	})
	if err != nil {
		_ = history.Close()
		return nil, fmt.Errorf("failed to create web server: %w", err)
	}
	logger.Debug("Created web server on %s", cfg.Addr())

	return &Components{
		Logger:       logger,
		Styles:       styles,
		Generator:    generator,
		Backend:      backend,
		ImageStorage: imageStorage,
		History:      history,
		WebServer:    webServer,
	}, nil
}
