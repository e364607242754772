package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultQueueDB   = "/data/queue.sqlite3"
	DefaultOutputDir = "/data/output"
	DefaultOutputMD  = "/data/output.md"
)

// Config holds runtime configuration shared by every subcommand.
type Config struct {
	QueueDB          string `yaml:"queue_db"`
	OutputDir        string `yaml:"output_dir"`
	OutputMD         string `yaml:"output_md"`
	MergedHTMLPath   string `yaml:"merged_html_path"`
	MathDelimiters   string `yaml:"math_delimiters"`
	FailFast         bool   `yaml:"fail_fast"`
	SaveModelResults bool   `yaml:"save_model_results"`

	StoreRetryAttempts int           `yaml:"store_retry_attempts"`
	StoreRetryBackoff  time.Duration `yaml:"store_retry_backoff"`
	StoreBusyTimeout   time.Duration `yaml:"store_busy_timeout"`

	OCRLanguages    []string `yaml:"ocr_languages"`
	OCRMaxImageSide int      `yaml:"ocr_max_image_side"`
	OCRGrayscale    bool     `yaml:"ocr_grayscale"`
	PDFRenderDPI    int      `yaml:"pdf_render_dpi"`
	PDFToPPMPath    string   `yaml:"pdftoppm_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HTTPAddr           string        `yaml:"http_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`

	EnqueueRateCapacity int     `yaml:"enqueue_rate_capacity"`
	EnqueueRateRefill   float64 `yaml:"enqueue_rate_refill_per_sec"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	StatusTTL     time.Duration `yaml:"status_ttl"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	S3Prefix    string `yaml:"s3_prefix"`

	WatchInbox        string        `yaml:"watch_inbox"`
	WatchPollInterval time.Duration `yaml:"watch_poll_interval"`
}

// Paths are the artifact locations derived from an output directory.
type Paths struct {
	OutputDir   string
	WorkDir     string
	MarkdownDir string
}

// PathsFor lays out the artifact tree under outputDir.
func PathsFor(outputDir string) Paths {
	return Paths{
		OutputDir:   outputDir,
		WorkDir:     filepath.Join(outputDir, "work"),
		MarkdownDir: filepath.Join(outputDir, "markdown_items"),
	}
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		QueueDB:             DefaultQueueDB,
		OutputDir:           DefaultOutputDir,
		OutputMD:            DefaultOutputMD,
		MathDelimiters:      "dollar",
		StoreRetryAttempts:  5,
		StoreRetryBackoff:   400 * time.Millisecond,
		StoreBusyTimeout:    30 * time.Second,
		OCRLanguages:        []string{"eng"},
		OCRMaxImageSide:     2048,
		OCRGrayscale:        true,
		PDFRenderDPI:        200,
		PDFToPPMPath:        "pdftoppm",
		LogLevel:            "info",
		LogFormat:           "json",
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		WorkerPollInterval:  2 * time.Second,
		EnqueueRateCapacity: 10,
		EnqueueRateRefill:   1,
		StatusTTL:           10 * time.Minute,
		WatchPollInterval:   5 * time.Second,
	}
}

// Load reads .env, then the YAML file named by OCR_AGENT_CONFIG (if any),
// then environment variables. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("OCR_AGENT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.QueueDB = getEnv("QUEUE_DB", cfg.QueueDB)
	cfg.OutputDir = getEnv("OUTPUT_DIR", cfg.OutputDir)
	cfg.OutputMD = getEnv("OUTPUT_MD", cfg.OutputMD)
	cfg.MergedHTMLPath = getEnv("MERGED_HTML_PATH", cfg.MergedHTMLPath)
	cfg.MathDelimiters = getEnv("MATH_DELIMITERS", cfg.MathDelimiters)
	cfg.FailFast = getEnvBool("FAIL_FAST", cfg.FailFast)
	cfg.SaveModelResults = getEnvBool("SAVE_MODEL_RESULTS", cfg.SaveModelResults)

	cfg.StoreRetryAttempts = getEnvInt("STORE_RETRY_ATTEMPTS", cfg.StoreRetryAttempts)
	cfg.StoreRetryBackoff = getEnvDuration("STORE_RETRY_BACKOFF", cfg.StoreRetryBackoff)
	cfg.StoreBusyTimeout = getEnvDuration("STORE_BUSY_TIMEOUT", cfg.StoreBusyTimeout)

	cfg.OCRLanguages = getEnvList("OCR_LANGUAGES", cfg.OCRLanguages)
	cfg.OCRMaxImageSide = getEnvInt("OCR_MAX_IMAGE_SIDE", cfg.OCRMaxImageSide)
	cfg.OCRGrayscale = getEnvBool("OCR_GRAYSCALE", cfg.OCRGrayscale)
	cfg.PDFRenderDPI = getEnvInt("PDF_RENDER_DPI", cfg.PDFRenderDPI)
	cfg.PDFToPPMPath = getEnv("PDFTOPPM_PATH", cfg.PDFToPPMPath)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.WorkerPollInterval = getEnvDuration("WORKER_POLL_INTERVAL", cfg.WorkerPollInterval)
	cfg.EnqueueRateCapacity = getEnvInt("ENQUEUE_RATE_CAPACITY", cfg.EnqueueRateCapacity)
	cfg.EnqueueRateRefill = getEnvFloat("ENQUEUE_RATE_REFILL_PER_SEC", cfg.EnqueueRateRefill)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.StatusTTL = getEnvDuration("STATUS_TTL", cfg.StatusTTL)

	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3PathStyle = getEnvBool("S3_PATH_STYLE", cfg.S3PathStyle)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)

	cfg.WatchInbox = getEnv("WATCH_INBOX", cfg.WatchInbox)
	cfg.WatchPollInterval = getEnvDuration("WATCH_POLL_INTERVAL", cfg.WatchPollInterval)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
