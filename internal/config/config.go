package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the client settings.
type Config struct {
	BackendURL      string
	HTTPTimeout     time.Duration
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration
	CallbackURL     string
}

// StubConfig holds the settings of the backend stand-in server.
type StubConfig struct {
	ListenAddr   string
	DBPath       string
	OCRPath      string
	OCRLang      string
	RasterPath   string
	RasterDPI    int
	UploadDir    string
	MaxUploadMB  int
	Concurrency  int
	QueueSize    int
	RateLimitRPS int
	CORSOrigins  []string
	JobTTL       time.Duration
}

// Load reads the client configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		BackendURL:  strings.TrimRight(getEnv("OCRGATE_BACKEND_URL", "http://127.0.0.1:8000"), "/"),
		CallbackURL: getEnv("OCRGATE_CALLBACK_URL", ""),
	}

	u, err := url.Parse(cfg.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("OCRGATE_BACKEND_URL %q must be an absolute http(s) URL", cfg.BackendURL)
	}

	if cfg.HTTPTimeout, err = getEnvDuration("OCRGATE_HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("OCRGATE_HTTP_TIMEOUT: %w", err)
	}
	if cfg.PollInterval, err = getEnvDuration("OCRGATE_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, fmt.Errorf("OCRGATE_POLL_INTERVAL: %w", err)
	}
	if cfg.PollMaxInterval, err = getEnvDuration("OCRGATE_POLL_MAX_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("OCRGATE_POLL_MAX_INTERVAL: %w", err)
	}
	if cfg.PollMaxAttempts, err = getEnvInt("OCRGATE_POLL_MAX_ATTEMPTS", 120); err != nil {
		return nil, fmt.Errorf("OCRGATE_POLL_MAX_ATTEMPTS: %w", err)
	}
	if cfg.PollTimeout, err = getEnvDuration("OCRGATE_POLL_TIMEOUT", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("OCRGATE_POLL_TIMEOUT: %w", err)
	}

	if cfg.PollInterval <= 0 {
		return nil, errors.New("OCRGATE_POLL_INTERVAL must be > 0")
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		return nil, errors.New("OCRGATE_POLL_MAX_INTERVAL must be >= OCRGATE_POLL_INTERVAL")
	}
	// At least one bound must hold so polling can never run forever.
	if cfg.PollMaxAttempts <= 0 && cfg.PollTimeout <= 0 {
		return nil, errors.New("one of OCRGATE_POLL_MAX_ATTEMPTS or OCRGATE_POLL_TIMEOUT must be > 0")
	}

	return cfg, nil
}

// LoadStub reads the backend stand-in configuration from the environment.
func LoadStub() (*StubConfig, error) {
	cfg := &StubConfig{
		ListenAddr: getEnv("OCRSTUB_LISTEN_ADDR", ":8000"),
		DBPath:     getEnv("OCRSTUB_DB_PATH", "ocrstub.db"),
		OCRPath:    getEnv("OCRSTUB_OCR_PATH", "tesseract"),
		OCRLang:    getEnv("OCRSTUB_OCR_LANG", "eng"),
		RasterPath: getEnv("OCRSTUB_PDF_RASTER_PATH", "pdftoppm"),
		UploadDir:  getEnv("OCRSTUB_UPLOAD_DIR", os.TempDir()),
	}

	for _, o := range strings.Split(getEnv("OCRSTUB_CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	var err error
	if cfg.MaxUploadMB, err = getEnvInt("OCRSTUB_MAX_UPLOAD_MB", 20); err != nil {
		return nil, fmt.Errorf("OCRSTUB_MAX_UPLOAD_MB: %w", err)
	}
	if cfg.MaxUploadMB < 1 {
		return nil, errors.New("OCRSTUB_MAX_UPLOAD_MB must be > 0")
	}
	if cfg.RasterDPI, err = getEnvInt("OCRSTUB_PDF_DPI", 300); err != nil {
		return nil, fmt.Errorf("OCRSTUB_PDF_DPI: %w", err)
	}
	if cfg.RasterDPI < 1 {
		return nil, errors.New("OCRSTUB_PDF_DPI must be > 0")
	}
	if cfg.Concurrency, err = getEnvInt("OCRSTUB_CONCURRENCY", 1); err != nil {
		return nil, fmt.Errorf("OCRSTUB_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("OCRSTUB_CONCURRENCY must be > 0")
	}
	if cfg.QueueSize, err = getEnvInt("OCRSTUB_QUEUE_SIZE", 100); err != nil {
		return nil, fmt.Errorf("OCRSTUB_QUEUE_SIZE: %w", err)
	}
	if cfg.RateLimitRPS, err = getEnvInt("OCRSTUB_RATE_LIMIT", 0); err != nil {
		return nil, fmt.Errorf("OCRSTUB_RATE_LIMIT: %w", err)
	}
	if cfg.JobTTL, err = getEnvDuration("OCRSTUB_JOB_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("OCRSTUB_JOB_TTL: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
