// Package main implements CVEFlows, a scheduled one-shot job that polls the
// NVD vulnerability feed and pushes notifications about newly disclosed
// high-severity entries.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cveflows/feed"
	"cveflows/pipeline"
	"cveflows/push"
	seenstore "cveflows/storage"
	"cveflows/translate"
)

const (
	defaultThreshold = 7.0
	defaultLookback  = 24 * time.Hour
	httpTimeout      = 30 * time.Second
)

type config struct {
	provider     string // "serverchan", "gmail" or "mock"
	sendKey      string
	notifyEmail  string
	nvdAPIKey    string
	translateURL string
	targetLang   string
	bucket       string
	localStorage string
	flagFile     string
	threshold    float64
	window       time.Duration
	translate    bool
	logLevel     slog.Level
}

func loadConfig() (*config, error) {
	cfg := &config{
		provider:     os.Getenv("PUSH_PROVIDER"),
		sendKey:      os.Getenv("SC_KEY"),
		notifyEmail:  os.Getenv("NOTIFY_EMAIL"),
		nvdAPIKey:    os.Getenv("NVD_API_KEY"),
		translateURL: os.Getenv("TRANSLATE_URL"),
		targetLang:   os.Getenv("TARGET_LANG"),
		bucket:       os.Getenv("STORAGE_BUCKET"),
		localStorage: os.Getenv("LOCAL_STORAGE"),
		flagFile:     os.Getenv("FLAG_FILE"),
		threshold:    defaultThreshold,
		window:       defaultLookback,
		logLevel:     slog.LevelInfo,
	}

	if v := os.Getenv("CVSS_THRESHOLD"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CVSS_THRESHOLD %q: %w", v, err)
		}
		cfg.threshold = threshold
	}

	if v := os.Getenv("LOOKBACK_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("invalid LOOKBACK_HOURS %q", v)
		}
		cfg.window = time.Duration(hours) * time.Hour
	}

	if v := os.Getenv("TRANSLATE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TRANSLATE %q: %w", v, err)
		}
		cfg.translate = enabled
	}
	if cfg.targetLang == "" {
		cfg.targetLang = "zh-CHS"
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
		cfg.logLevel = level
	}

	// Pick a provider from available credentials when not set explicitly
	if cfg.provider == "" {
		switch {
		case cfg.sendKey != "":
			cfg.provider = "serverchan"
		case cfg.notifyEmail != "":
			cfg.provider = "gmail"
		default:
			cfg.provider = "mock"
		}
	}

	switch cfg.provider {
	case "serverchan":
		if cfg.sendKey == "" {
			return nil, errors.New("SC_KEY required for the serverchan provider")
		}
	case "gmail":
		if cfg.notifyEmail == "" {
			return nil, errors.New("NOTIFY_EMAIL required for the gmail provider")
		}
	case "mock":
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q", cfg.provider)
	}

	return cfg, nil
}

func main() {
	ctx := context.Background()

	// Load .env for local development; absence is not an error
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded configuration from .env")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel,
	}))
	slog.SetDefault(logger)

	// Default to local storage mode if no bucket specified
	if cfg.bucket == "" && cfg.localStorage == "" {
		cfg.localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local storage", "storage_path", cfg.localStorage)
	}

	var storageClient *storage.Client
	if cfg.localStorage != "" {
		if err := os.MkdirAll(cfg.localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}
	store := seenstore.New(storageClient, cfg.bucket, cfg.localStorage, logger)

	provider, err := initProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize push provider", "error", err)
		os.Exit(1)
	}

	var translator pipeline.Translator = translate.Noop{}
	if cfg.translate {
		translator = translate.NewYoudao(
			&http.Client{Timeout: httpTimeout},
			cfg.translateURL,
			cfg.targetLang,
			logger,
		)
	}

	feedClient := feed.New(&http.Client{Timeout: httpTimeout}, cfg.nvdAPIKey, logger)
	sender := push.New(provider, logger)
	runner := pipeline.New(feedClient, store, translator, sender, pipeline.Config{
		Threshold: cfg.threshold,
		Window:    cfg.window,
		FlagFile:  cfg.flagFile,
	}, logger)

	logger.Info("Starting CVE monitoring run",
		"provider", cfg.provider,
		"threshold", cfg.threshold,
		"window", cfg.window.String(),
		"translate", cfg.translate)

	if err := runner.Run(ctx); err != nil {
		logger.Error("Monitoring run failed", "state", runner.State().String(), "error", err)
		os.Exit(1)
	}
}

// initProvider picks the delivery channel from configuration.
func initProvider(ctx context.Context, cfg *config, logger *slog.Logger) (push.Provider, error) {
	switch cfg.provider {
	case "serverchan":
		return push.NewServerChanProvider(cfg.sendKey, logger), nil
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		return push.NewGmailProvider(service, cfg.notifyEmail, logger), nil
	default:
		logger.Info("Mock push mode enabled (no delivery credentials)")
		return push.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// In a GCP environment, use Application Default Credentials.
	// The service account needs gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running on GCP")
}
