package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	DBPath            string        `envconfig:"DB_PATH" default:"modelfetch.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile           string        `envconfig:"LOG_FILE"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepFailedFor     time.Duration `envconfig:"KEEP_FAILED_FOR" default:"72h"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	ChunkSize         int           `envconfig:"CHUNK_SIZE" default:"8192"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	ConnectivityURL   string        `envconfig:"CONNECTIVITY_URL"`

	Resolver struct {
		MaxRetries   int           `split_words:"true" default:"5"`
		InitialDelay time.Duration `split_words:"true" default:"200ms"`
		MaxDelay     time.Duration `split_words:"true" default:"2s"`
		Nameservers  []string      `split_words:"true"`
		StaticHosts  string        `split_words:"true"`
	}

	Transport struct {
		ConnectTimeout        time.Duration `split_words:"true" default:"30s"`
		ResponseHeaderTimeout time.Duration `split_words:"true" default:"30s"`
		ReadTimeout           time.Duration `split_words:"true" default:"30s"`
		WriteTimeout          time.Duration `split_words:"true" default:"30s"`
	}

	Retry struct {
		InitialInterval time.Duration `split_words:"true" default:"30s"`
		MaxInterval     time.Duration `split_words:"true" default:"10m"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool          `default:"true"`
		ServiceName  string        `split_words:"true" default:"modelfetch"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	var errs []error

	if c.DownloadDir == "" {
		errs = append(errs, errors.New("DOWNLOAD_DIR must not be empty"))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel))
	}

	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}

	positive := map[string]time.Duration{
		"POLL_INTERVAL":     c.PollInterval,
		"CLEANUP_INTERVAL":  c.CleanupInterval,
		"PROGRESS_INTERVAL": c.ProgressInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Resolver.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("RESOLVER_MAX_RETRIES must be at least 1, got %d", c.Resolver.MaxRetries))
	}

	if _, err := c.StaticHosts(); err != nil {
		errs = append(errs, err)
	}

	if (c.Web.Username == "") != (c.Web.Password == "") {
		errs = append(errs, errors.New("WEB_USERNAME and WEB_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

// AbsDownloadDir returns DownloadDir as an absolute path.
func (c *Config) AbsDownloadDir() (string, error) {
	dir, err := filepath.Abs(c.DownloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve download dir: %w", err)
	}

	return dir, nil
}

// StaticHosts parses RESOLVER_STATIC_HOSTS, formatted as
// "host=ip1|ip2,other=ip3".
func (c *Config) StaticHosts() (map[string][]string, error) {
	return ParseStaticHosts(c.Resolver.StaticHosts)
}

func ParseStaticHosts(raw string) (map[string][]string, error) {
	hosts := make(map[string][]string)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		host, list, ok := strings.Cut(entry, "=")
		host = strings.ToLower(strings.TrimSpace(host))

		if !ok || host == "" || list == "" {
			return nil, fmt.Errorf("invalid RESOLVER_STATIC_HOSTS entry %q", entry)
		}

		for _, ip := range strings.Split(list, "|") {
			ip = strings.TrimSpace(ip)
			if _, err := netip.ParseAddr(ip); err != nil {
				return nil, fmt.Errorf("invalid address %q for static host %s: %w", ip, host, err)
			}

			hosts[host] = append(hosts[host], ip)
		}
	}

	return hosts, nil
}
