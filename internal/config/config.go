package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Source   SourceConfig
	API      APIConfig
	Scraper  ScraperConfig
	Browser  BrowserConfig
	Pipeline PipelineConfig
	Database DatabaseConfig
	Events   EventsConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

type SourceConfig struct {
	BaseURL    string
	CatalogURL string
}

type APIConfig struct {
	BaseURL          string
	Token            string
	ProductsEndpoint string
	MediaEndpoint    string
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration
}

type ScraperConfig struct {
	ConcurrencyLimit       int
	RequestDelay           time.Duration
	CategoriesLimit        int
	MaxProductsPerCategory int
	UserAgents             []string
}

type BrowserConfig struct {
	Type              string
	Headless          bool
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
}

type PipelineConfig struct {
	SamplePercent int
	OutputDir     string
}

type DatabaseConfig struct {
	URL string
}

type EventsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Stream        string
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Source: SourceConfig{
			BaseURL:    strings.TrimRight(getEnvOrDefault("FIX_PRICE_BASE_URL", "https://fix-price.com"), "/"),
			CatalogURL: getEnvOrDefault("FIX_PRICE_CATALOG_URL", "https://fix-price.com/catalog"),
		},
		API: APIConfig{
			BaseURL:          strings.TrimRight(os.Getenv("MY_API_URL"), "/"),
			Token:            os.Getenv("API_TOKEN"),
			ProductsEndpoint: getEnvOrDefault("API_ENDPOINT_PRODUCTS", "/products"),
			MediaEndpoint:    getEnvOrDefault("API_ENDPOINT_MEDIA_UPLOAD", "/media/upload"),
			Timeout:          getSecondsOrDefault("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:       getIntOrDefault("MAX_RETRIES", 3),
			RetryDelay:       getSecondsOrDefault("RETRY_DELAY", 2*time.Second),
			RetryMaxDelay:    getSecondsOrDefault("RETRY_MAX_DELAY", 10*time.Second),
		},
		Scraper: ScraperConfig{
			ConcurrencyLimit:       getIntOrDefault("CONCURRENCY_LIMIT", 5),
			RequestDelay:           getSecondsOrDefault("REQUEST_DELAY", time.Second),
			CategoriesLimit:        getIntOrDefault("CATEGORIES_LIMIT", 0),
			MaxProductsPerCategory: getIntOrDefault("MAX_PRODUCTS_PER_CATEGORY", 100),
			UserAgents:             getStringSliceOrDefault("USER_AGENTS", defaultUserAgents()),
		},
		Browser: BrowserConfig{
			Type:              strings.ToLower(getEnvOrDefault("BROWSER_TYPE", "chromium")),
			Headless:          getBoolOrDefault("HEADLESS", true),
			NavigationTimeout: getSecondsOrDefault("NAVIGATION_TIMEOUT", 30*time.Second),
			ViewportWidth:     getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight:    getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage:    getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9,en;q=0.8"),
			TimezoneID:        getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Moscow"),
			Locale:            getEnvOrDefault("BROWSER_LOCALE", "ru-RU"),
		},
		Pipeline: PipelineConfig{
			SamplePercent: getIntOrDefault("PRODUCT_SAMPLE_PERCENT", 50),
			OutputDir:     getEnvOrDefault("OUTPUT_DIR", "output"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Events: EventsConfig{
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getIntOrDefault("REDIS_DB", 0),
			Stream:        getEnvOrDefault("REDIS_STREAM", "stream:etl_runs"),
		},
		Server: ServerConfig{
			Addr:            os.Getenv("STATUS_ADDR"),
			ShutdownTimeout: getDurationOrDefault("STATUS_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text")),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	return cfg, nil
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("MY_API_URL is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("MY_API_URL must be an absolute URL, got %q", c.API.BaseURL))
	}

	if c.API.Token == "" {
		errs = append(errs, fmt.Errorf("API_TOKEN is required"))
	}

	if c.Scraper.ConcurrencyLimit < 1 || c.Scraper.ConcurrencyLimit > 20 {
		errs = append(errs, fmt.Errorf("CONCURRENCY_LIMIT must be between 1 and 20, got %d", c.Scraper.ConcurrencyLimit))
	}

	if c.Scraper.RequestDelay < 0 {
		errs = append(errs, fmt.Errorf("REQUEST_DELAY cannot be negative"))
	}

	if c.Scraper.CategoriesLimit < 0 {
		errs = append(errs, fmt.Errorf("CATEGORIES_LIMIT cannot be negative"))
	}

	if c.Scraper.MaxProductsPerCategory < 0 {
		errs = append(errs, fmt.Errorf("MAX_PRODUCTS_PER_CATEGORY cannot be negative"))
	}

	if c.API.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1"))
	}

	if c.API.RetryDelay > c.API.RetryMaxDelay {
		errs = append(errs, fmt.Errorf("RETRY_DELAY cannot be greater than RETRY_MAX_DELAY"))
	}

	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT must be positive"))
	}

	switch c.Browser.Type {
	case "chromium", "firefox", "webkit":
	default:
		errs = append(errs, fmt.Errorf("BROWSER_TYPE must be chromium, firefox or webkit, got %q", c.Browser.Type))
	}

	if c.Pipeline.SamplePercent < 1 || c.Pipeline.SamplePercent > 100 {
		errs = append(errs, fmt.Errorf("PRODUCT_SAMPLE_PERCENT must be between 1 and 100, got %d", c.Pipeline.SamplePercent))
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) ProductsURL() string {
	return c.API.BaseURL + c.API.ProductsEndpoint
}

func (c *Config) MediaUploadURL() string {
	return c.API.BaseURL + c.API.MediaEndpoint
}

// SampleRate is the fraction of products kept per category.
func (c *Config) SampleRate() float64 {
	return float64(c.Pipeline.SamplePercent) / 100
}

// MaxPagesPerCategory converts the product cap into a page cap. Zero means
// no limit.
func (c *Config) MaxPagesPerCategory() int {
	if c.Scraper.MaxProductsPerCategory == 0 {
		return 0
	}
	pages := c.Scraper.MaxProductsPerCategory / 24
	if pages < 1 {
		pages = 1
	}
	return pages
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getSecondsOrDefault accepts plain seconds ("1.5") as well as Go durations ("1500ms").
func getSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	}
}
