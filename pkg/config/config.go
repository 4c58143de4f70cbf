package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxDailyLimit is the hard ceiling for any configured daily send limit
const MaxDailyLimit = 200

// Config holds all configuration options for the outreach worker
type Config struct {
	Sending       SendingConfig      `yaml:"sending" json:"sending"`
	Scrape        ScrapeConfig       `yaml:"scrape" json:"scrape"`
	Browser       BrowserConfig      `yaml:"browser" json:"browser"`
	Store         StoreConfig        `yaml:"store" json:"store"`
	Events        EventsConfig       `yaml:"events" json:"events"`
	Server        ServerConfig       `yaml:"server" json:"server"`
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`
	Logging       LoggingConfig      `yaml:"logging" json:"logging"`

	// Messages is the template pool used for plain lead lists
	Messages []string `yaml:"messages" json:"messages"`
}

// SendingConfig holds the global send pacing defaults
type SendingConfig struct {
	Tenant     string        `yaml:"tenant" json:"tenant"`
	DailyLimit int           `yaml:"daily_limit" json:"daily_limit"`
	MaxPerHour int           `yaml:"max_per_hour" json:"max_per_hour"`
	MinDelay   time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	// InitialDelay bounds the pause before the first send of a run
	InitialDelayMin time.Duration `yaml:"initial_delay_min" json:"initial_delay_min"`
	InitialDelayMax time.Duration `yaml:"initial_delay_max" json:"initial_delay_max"`
	LeadsFile       string        `yaml:"leads_file" json:"leads_file"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
}

// ScrapeConfig holds follower/commenter discovery settings
type ScrapeConfig struct {
	MaxLeads      int           `yaml:"max_leads" json:"max_leads"`
	MaxNoNew      int           `yaml:"max_no_new" json:"max_no_new"`
	GraceScrolls  int           `yaml:"grace_scrolls" json:"grace_scrolls"`
	BatchDelayMin time.Duration `yaml:"batch_delay_min" json:"batch_delay_min"`
	BatchDelayMax time.Duration `yaml:"batch_delay_max" json:"batch_delay_max"`
	WarmUp        bool          `yaml:"warm_up" json:"warm_up"`
	Workers       int           `yaml:"workers" json:"workers"`
	ExportDir     string        `yaml:"export_dir" json:"export_dir"`
}

// BrowserConfig describes how to reach the browser automation driver
type BrowserConfig struct {
	DriverURL  string        `yaml:"driver_url" json:"driver_url"`
	Headless   bool          `yaml:"headless" json:"headless"`
	Mobile     bool          `yaml:"mobile" json:"mobile"`
	UserAgents []string      `yaml:"user_agents" json:"user_agents"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// StoreConfig selects the storage backend
type StoreConfig struct {
	// Driver is "sqlite" for the embedded store or "postgres" for the hosted one
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Path   string `yaml:"path" json:"path"`
}

// EventsConfig holds the optional message broker settings
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" json:"amqp_url"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

// ServerConfig holds the control API settings
type ServerConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

// NotificationConfig holds notification preferences
type NotificationConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	OnComplete       bool   `yaml:"on_complete" json:"on_complete"`
	OnError          bool   `yaml:"on_error" json:"on_error"`
	OnRateLimit      bool   `yaml:"on_rate_limit" json:"on_rate_limit"`
	NotificationType string `yaml:"notification_type" json:"notification_type"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	File    string `yaml:"file" json:"file"`
	NoColor bool   `yaml:"no_color" json:"no_color"`
}

// DefaultMessages is the built-in template pool
var DefaultMessages = []string{
	"Hey, saw your post—cool stuff!",
	"Quick question about your content...",
	"Loving your vibe, let's chat.",
	"Hi there, thought you'd like this.",
	"What's up? Your page is awesome.",
}

// DefaultUserAgents are the mobile agents used for emulation
var DefaultUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Mobile Safari/537.36",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sending: SendingConfig{
			Tenant:          "default",
			DailyLimit:      100,
			MaxPerHour:      20,
			MinDelay:        5 * time.Minute,
			MaxDelay:        30 * time.Minute,
			InitialDelayMin: 1 * time.Minute,
			InitialDelayMax: 3 * time.Minute,
			LeadsFile:       "leads.csv",
			MaxAttempts:     3,
		},
		Scrape: ScrapeConfig{
			MaxLeads:      0,
			MaxNoNew:      6,
			GraceScrolls:  3,
			BatchDelayMin: 2 * time.Second,
			BatchDelayMax: 5 * time.Second,
			WarmUp:        true,
			Workers:       1,
			ExportDir:     "./exports",
		},
		Browser: BrowserConfig{
			DriverURL:  "http://127.0.0.1:9222",
			Headless:   true,
			Mobile:     true,
			UserAgents: append([]string(nil), DefaultUserAgents...),
			Timeout:    90 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/outreach.db",
		},
		Events: EventsConfig{
			Exchange: "igoutreach.events",
		},
		Server: ServerConfig{
			Addr: ":3000",
		},
		Notifications: NotificationConfig{
			Enabled:          true,
			OnComplete:       true,
			OnError:          true,
			OnRateLimit:      false,
			NotificationType: "terminal",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Messages: append([]string(nil), DefaultMessages...),
	}
}

// LoadFromEnv loads configuration from environment variables. The bare
// keys of the original .env layout are honored alongside IGOUTREACH_*.
func (c *Config) LoadFromEnv() error {
	var errs []error

	setInt := func(dst *int, keys ...string) {
		for _, key := range keys {
			if raw := os.Getenv(key); raw != "" {
				val, err := strconv.Atoi(strings.TrimSpace(raw))
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				*dst = val
			}
		}
	}
	setMinutes := func(dst *time.Duration, keys ...string) {
		for _, key := range keys {
			if raw := os.Getenv(key); raw != "" {
				d, err := parseMinutes(raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				*dst = d
			}
		}
	}
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if val := os.Getenv(key); val != "" {
				*dst = val
			}
		}
	}

	setInt(&c.Sending.DailyLimit, "DAILY_SEND_LIMIT", "IGOUTREACH_DAILY_LIMIT")
	setInt(&c.Sending.MaxPerHour, "MAX_SENDS_PER_HOUR", "IGOUTREACH_MAX_PER_HOUR")
	setMinutes(&c.Sending.MinDelay, "MIN_DELAY_MINUTES", "IGOUTREACH_MIN_DELAY")
	setMinutes(&c.Sending.MaxDelay, "MAX_DELAY_MINUTES", "IGOUTREACH_MAX_DELAY")
	setString(&c.Sending.LeadsFile, "LEADS_CSV", "IGOUTREACH_LEADS_FILE")
	setString(&c.Sending.Tenant, "IGOUTREACH_TENANT")

	if raw := os.Getenv("HEADLESS_MODE"); raw != "" {
		c.Browser.Headless = strings.ToLower(raw) != "false"
	}
	setString(&c.Browser.DriverURL, "IGOUTREACH_DRIVER_URL")

	setString(&c.Store.Driver, "IGOUTREACH_STORE_DRIVER")
	setString(&c.Store.DSN, "DATABASE_URL", "IGOUTREACH_STORE_DSN")
	setString(&c.Store.Path, "IGOUTREACH_STORE_PATH")
	setString(&c.Events.AMQPURL, "RABBITMQ_URL", "IGOUTREACH_AMQP_URL")
	setString(&c.Server.Addr, "IGOUTREACH_ADDR")
	setString(&c.Server.APIKey, "IGOUTREACH_API_KEY")
	setString(&c.Logging.Level, "IGOUTREACH_LOG_LEVEL")

	if notifEnabled := os.Getenv("IGOUTREACH_NOTIFICATIONS_ENABLED"); notifEnabled != "" {
		c.Notifications.Enabled = strings.ToLower(notifEnabled) == "true"
	}

	return errors.Join(errs...)
}

// parseMinutes accepts a bare number of minutes or a Go duration string
func parseMinutes(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Minute)), nil
	}
	return time.ParseDuration(raw)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".igoutreach.yaml",
		".igoutreach.yml",
		filepath.Join(home, ".config", "igoutreach", "config.yaml"),
		filepath.Join(home, ".igoutreach", "config.yaml"),
		filepath.Join(home, ".igoutreach.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Sending.Tenant == "" {
		errs = append(errs, errors.New("tenant is required"))
	}
	if c.Sending.DailyLimit <= 0 {
		errs = append(errs, errors.New("daily limit must be positive"))
	}
	if c.Sending.MaxPerHour <= 0 {
		errs = append(errs, errors.New("max sends per hour must be positive"))
	}
	if c.Sending.MinDelay < 0 || c.Sending.MaxDelay < 0 {
		errs = append(errs, errors.New("delays cannot be negative"))
	}
	if c.Sending.MaxDelay < c.Sending.MinDelay {
		errs = append(errs, errors.New("max delay must not be less than min delay"))
	}
	if c.Sending.InitialDelayMax < c.Sending.InitialDelayMin {
		errs = append(errs, errors.New("initial delay max must not be less than min"))
	}
	if c.Sending.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}

	if c.Scrape.MaxLeads < 0 {
		errs = append(errs, errors.New("max leads cannot be negative"))
	}
	if c.Scrape.MaxNoNew <= 0 {
		errs = append(errs, errors.New("max_no_new must be positive"))
	}
	if c.Scrape.Workers <= 0 || c.Scrape.Workers > 10 {
		errs = append(errs, errors.New("scrape workers must be between 1 and 10"))
	}
	if c.Scrape.BatchDelayMax < c.Scrape.BatchDelayMin {
		errs = append(errs, errors.New("batch delay max must not be less than min"))
	}

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.Path == "" && c.Store.DSN == "" {
			errs = append(errs, errors.New("sqlite store requires a path"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("postgres store requires a dsn"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	validNotifTypes := map[string]bool{
		"terminal": true, "desktop": true, "none": true,
	}
	if !validNotifTypes[strings.ToLower(c.Notifications.NotificationType)] {
		errs = append(errs, errors.New("invalid notification type"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Normalize applies the hard daily ceiling. It is called after every
// source has been merged so that no layer can exceed it.
func (c *Config) Normalize() {
	if c.Sending.DailyLimit > MaxDailyLimit {
		c.Sending.DailyLimit = MaxDailyLimit
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe for display, with secrets masked
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Server.APIKey != "" {
		cp.Server.APIKey = "********"
	}
	if cp.Store.DSN != "" {
		cp.Store.DSN = "********"
	}
	if cp.Events.AMQPURL != "" {
		cp.Events.AMQPURL = "********"
	}
	return &cp
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["tenant"].(string); ok && v != "" {
		c.Sending.Tenant = v
	}
	if v, ok := flags["leads"].(string); ok && v != "" {
		c.Sending.LeadsFile = v
	}
	if v, ok := flags["daily-limit"].(int); ok && v > 0 {
		c.Sending.DailyLimit = v
	}
	if v, ok := flags["max-per-hour"].(int); ok && v > 0 {
		c.Sending.MaxPerHour = v
	}
	if v, ok := flags["min-delay"].(time.Duration); ok && v > 0 {
		c.Sending.MinDelay = v
	}
	if v, ok := flags["max-delay"].(time.Duration); ok && v > 0 {
		c.Sending.MaxDelay = v
	}
	if v, ok := flags["driver-url"].(string); ok && v != "" {
		c.Browser.DriverURL = v
	}
	if v, ok := flags["headless"].(bool); ok {
		c.Browser.Headless = v
	}
	if v, ok := flags["store"].(string); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := flags["dsn"].(string); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := flags["db"].(string); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := flags["addr"].(string); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igoutreach.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
