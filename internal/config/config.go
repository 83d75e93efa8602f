// Package config provides configuration management for the blink application.
//
// Defaults come from the environment (BLINK_* variables, optionally loaded
// from a .env file) and can be overridden with CLI flags. The Config struct is
// passed to components during initialization.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// Version is the blink application version
	Version = "0.1.0"

	// envPrefix is prepended to every environment variable name
	envPrefix = "blink"

	// Validation constraints
	minPort      = 1024
	maxPort      = 65535
	minSteps     = 1
	maxSteps     = 50
	minDimension = 64
	maxDimension = 2048
	dimensionMul = 16
	maxDebounce  = 5 * time.Second
)

var (
	// ErrInvalidPort is returned when port is out of valid range
	ErrInvalidPort = errors.New("port must be between 1024 and 65535")
	// ErrInvalidSteps is returned when steps is out of valid range
	ErrInvalidSteps = errors.New("steps must be between 1 and 50")
	// ErrInvalidWidth is returned when width is invalid
	ErrInvalidWidth = errors.New("width must be between 64 and 2048 and a multiple of 16")
	// ErrInvalidHeight is returned when height is invalid
	ErrInvalidHeight = errors.New("height must be between 64 and 2048 and a multiple of 16")
	// ErrInvalidDebounce is returned when the debounce delay is negative or too long
	ErrInvalidDebounce = errors.New("debounce must be between 0s and 5s")
	// ErrInvalidTimeout is returned when the request timeout is not positive
	ErrInvalidTimeout = errors.New("request-timeout must be positive")
	// ErrInvalidRateLimit is returned when the free generation rate is negative
	ErrInvalidRateLimit = errors.New("free-per-minute must be >= 0")
	// ErrInvalidURL is returned when a configured URL is not an absolute http(s) URL
	ErrInvalidURL = errors.New("invalid URL")
	// ErrInvalidLogLevel is returned when log level is not recognized
	ErrInvalidLogLevel = errors.New("log-level must be one of: debug, info, warn, error")
	// ErrShowHelp is returned when --help flag is requested
	ErrShowHelp = errors.New("help requested")
	// ErrShowVersion is returned when --version flag is requested
	ErrShowVersion = errors.New("version requested")
)

// Env holds the environment-derived defaults. Every field can be overridden
// by the matching CLI flag.
type Env struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	TogetherURL     string        `envconfig:"TOGETHER_URL" default:"https://api.together.xyz"`
	TogetherAPIKey  string        `envconfig:"TOGETHER_API_KEY"`
	Model           string        `envconfig:"MODEL" default:"black-forest-labs/FLUX.1-schnell"`
	Width           int           `envconfig:"WIDTH" default:"1024"`
	Height          int           `envconfig:"HEIGHT" default:"768"`
	Steps           int           `envconfig:"STEPS" default:"3"`
	ConsistencySeed int64         `envconfig:"CONSISTENCY_SEED" default:"123"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	Debounce        time.Duration `envconfig:"DEBOUNCE" default:"100ms"`
	GenerateURL     string        `envconfig:"GENERATE_URL"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	StylesFile      string        `envconfig:"STYLES_FILE"`
	FreePerMinute   int           `envconfig:"FREE_PER_MINUTE" default:"10"`
	TrustProxy      bool          `envconfig:"TRUST_PROXY" default:"false"`
}

// Config holds all configuration values for the blink application.
type Config struct {
	// Server configuration
	Port int

	// Inference backend
	TogetherURL     string
	TogetherAPIKey  string
	Model           string
	Width           int
	Height          int
	Steps           int
	ConsistencySeed int64
	RequestTimeout  time.Duration

	// GenerateURL, when set, sends generation requests to a remote
	// /api/generateImages endpoint instead of calling Together directly.
	GenerateURL string

	// Session behaviour
	Debounce      time.Duration
	FreePerMinute int
	// TrustProxy keys the free tier on X-Forwarded-For. Only safe behind a
	// reverse proxy that sets the header itself.
	TrustProxy bool

	// Storage
	RedisURL   string
	StylesFile string

	// Logging configuration
	LogLevel string

	// Internal flags
	showHelp    bool
	showVersion bool
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables are not
// overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadEnv reads BLINK_* environment variables into an Env.
func LoadEnv() (*Env, error) {
	var e Env
	if err := envconfig.Process(envPrefix, &e); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return &e, nil
}

// Parse parses CLI flags into a Config struct, using the environment for defaults.
// It returns the parsed Config or an error if validation fails.
// If --help or --version is requested, it prints the output and returns
// ErrShowHelp or ErrShowVersion.
func Parse(args []string, output io.Writer) (*Config, error) {
	e, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	return ParseWithEnv(args, output, e)
}

// ParseWithEnv is Parse with explicit defaults.
func ParseWithEnv(args []string, output io.Writer, e *Env) (*Config, error) {
	c := &Config{}

	fs := flag.NewFlagSet("blink", flag.ContinueOnError)
	fs.SetOutput(output)

	// Server flags
	fs.IntVar(&c.Port, "port", e.Port, "HTTP server port")

	// Inference flags
	fs.StringVar(&c.TogetherURL, "together-url", e.TogetherURL, "Together API base URL")
	fs.StringVar(&c.TogetherAPIKey, "together-api-key", e.TogetherAPIKey, "Server-side Together API key")
	fs.StringVar(&c.Model, "model", e.Model, "Image model name")
	fs.IntVar(&c.Width, "width", e.Width, "Image width in pixels")
	fs.IntVar(&c.Height, "height", e.Height, "Image height in pixels")
	fs.IntVar(&c.Steps, "steps", e.Steps, "Number of inference steps")
	fs.Int64Var(&c.ConsistencySeed, "consistency-seed", e.ConsistencySeed, "Seed used in consistency mode")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", e.RequestTimeout, "Timeout for one generation request")
	fs.StringVar(&c.GenerateURL, "generate-url", e.GenerateURL, "Remote /api/generateImages endpoint (optional)")

	// Session flags
	fs.DurationVar(&c.Debounce, "debounce", e.Debounce, "Delay before a prompt change triggers generation")
	fs.IntVar(&c.FreePerMinute, "free-per-minute", e.FreePerMinute, "Generations per minute without a user API key (0 = unlimited)")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", e.TrustProxy, "Rate limit by X-Forwarded-For (only behind a trusted reverse proxy)")

	// Storage flags
	fs.StringVar(&c.RedisURL, "redis-url", e.RedisURL, "Redis URL for history persistence (optional)")
	fs.StringVar(&c.StylesFile, "styles-file", e.StylesFile, "YAML file overriding the style catalog (optional)")

	// Logging flags
	fs.StringVar(&c.LogLevel, "log-level", e.LogLevel, "Log level (debug, info, warn, error)")

	// Special flags
	fs.BoolVar(&c.showHelp, "help", false, "Show help message")
	fs.BoolVar(&c.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.showHelp {
		printHelp(output, e)
		return nil, ErrShowHelp
	}

	if c.showVersion {
		printVersion(output)
		return nil, ErrShowVersion
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("localhost:%d", c.Port)
}

// validate checks that all configuration values are within valid ranges
func (c *Config) validate() error {
	if c.Port < minPort || c.Port > maxPort {
		return ErrInvalidPort
	}

	if c.Steps < minSteps || c.Steps > maxSteps {
		return ErrInvalidSteps
	}

	if c.Width < minDimension || c.Width > maxDimension || c.Width%dimensionMul != 0 {
		return ErrInvalidWidth
	}

	if c.Height < minDimension || c.Height > maxDimension || c.Height%dimensionMul != 0 {
		return ErrInvalidHeight
	}

	if c.Debounce < 0 || c.Debounce > maxDebounce {
		return ErrInvalidDebounce
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.FreePerMinute < 0 {
		return ErrInvalidRateLimit
	}

	if err := validateURL("together-url", c.TogetherURL); err != nil {
		return err
	}
	if c.GenerateURL != "" {
		if err := validateURL("generate-url", c.GenerateURL); err != nil {
			return err
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	return nil
}

// validateURL accepts absolute http and https URLs with a host.
func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidURL, name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s must use http or https, got %q", ErrInvalidURL, name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s must have a host", ErrInvalidURL, name)
	}
	return nil
}

// printHelp prints usage information
func printHelp(w io.Writer, e *Env) {
	fmt.Fprintf(w, `blink - Real-time image generation as you type

USAGE:
    blink [FLAGS]

FLAGS:
    --port <PORT>                HTTP server port (default: %d)
    --together-url <URL>         Together API base URL (default: %s)
    --together-api-key <KEY>     Server-side Together API key (env: TOGETHER_API_KEY)
    --model <MODEL>              Image model (default: %s)
    --width <WIDTH>              Image width in pixels (default: %d)
    --height <HEIGHT>            Image height in pixels (default: %d)
    --steps <STEPS>              Number of inference steps (default: %d)
    --consistency-seed <SEED>    Seed used in consistency mode (default: %d)
    --request-timeout <DUR>      Timeout for one generation (default: %s)
    --generate-url <URL>         Use a remote /api/generateImages endpoint instead of Together
    --debounce <DUR>             Prompt debounce delay (default: %s)
    --free-per-minute <N>        Generations per minute without a user key, 0 = unlimited (default: %d)
    --trust-proxy                Rate limit by X-Forwarded-For; only behind a reverse proxy that sets it
    --redis-url <URL>            Persist session history in redis
    --styles-file <PATH>         YAML file overriding the style catalog
    --log-level <LEVEL>          Log level: debug, info, warn, error (default: %s)
    --help                       Show this help message
    --version                    Show version information

Every flag can also be set with a BLINK_* environment variable
(for example BLINK_PORT=3000). A .env file in the working directory is loaded first.

EXAMPLES:
    # Start with a server-side key
    TOGETHER_API_KEY=... blink

    # Keep history across restarts
    blink --redis-url redis://localhost:6379/0
`,
		e.Port, e.TogetherURL, e.Model, e.Width, e.Height, e.Steps,
		e.ConsistencySeed, e.RequestTimeout, e.Debounce, e.FreePerMinute, e.LogLevel)
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "blink %s\n", Version)
}
