// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Exploration() ExplorationConfig
	Browser() BrowserConfig
	Decision() DecisionConfig
	Transport() TransportConfig
	Store() StoreConfig

	// Exploration Setters
	SetExplorationMode(mode string)
	SetExplorationMaxPages(n int)
	SetExplorationMaxStepsPerPage(n int)
	SetExplorationExploratory(b bool)

	// Browser Setters
	SetBrowserHeadless(b bool)
	SetBrowserDriver(name string)
}

// Config holds the entire application configuration. It uses private fields
// to enforce access through the Interface's getter methods.
type Config struct {
	logger      LoggerConfig
	exploration ExplorationConfig
	browser     BrowserConfig
	decision    DecisionConfig
	transport   TransportConfig
	store       StoreConfig
}

// document mirrors Config with exported fields so viper can decode into it.
type document struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Exploration ExplorationConfig `mapstructure:"exploration" yaml:"exploration"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Decision    DecisionConfig    `mapstructure:"decision" yaml:"decision"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.logger }
func (c *Config) Exploration() ExplorationConfig { return c.exploration }
func (c *Config) Browser() BrowserConfig         { return c.browser }
func (c *Config) Decision() DecisionConfig       { return c.decision }
func (c *Config) Transport() TransportConfig     { return c.transport }
func (c *Config) Store() StoreConfig             { return c.store }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetExplorationMode(mode string)      { c.exploration.Mode = mode }
func (c *Config) SetExplorationMaxPages(n int)        { c.exploration.MaxPages = n }
func (c *Config) SetExplorationMaxStepsPerPage(n int) { c.exploration.MaxStepsPerPage = n }
func (c *Config) SetExplorationExploratory(b bool)    { c.exploration.Exploratory = b }
func (c *Config) SetBrowserHeadless(b bool)           { c.browser.Headless = b }
func (c *Config) SetBrowserDriver(name string)        { c.browser.Driver = name }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ExplorationConfig tunes the exploration driver and decision loop.
type ExplorationConfig struct {
	// Mode is "sequential" or "background".
	Mode                  string        `mapstructure:"mode" yaml:"mode"`
	MaxPages              int           `mapstructure:"max_pages" yaml:"max_pages"`
	MaxStepsPerPage       int           `mapstructure:"max_steps_per_page" yaml:"max_steps_per_page"`
	DefaultPriority       int           `mapstructure:"default_priority" yaml:"default_priority"`
	InputTimeout          time.Duration `mapstructure:"input_timeout" yaml:"input_timeout"`
	BackgroundConcurrency int           `mapstructure:"background_concurrency" yaml:"background_concurrency"`
	IncludeSubdomains     bool          `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	// Exploratory asks the decision service to map the site rather than stop
	// at the first page satisfying the objective.
	Exploratory      bool    `mapstructure:"exploratory" yaml:"exploratory"`
	DefaultStandby   float64 `mapstructure:"default_standby_seconds" yaml:"default_standby_seconds"`
	MaxStandby       float64 `mapstructure:"max_standby_seconds" yaml:"max_standby_seconds"`
	HistoryWindow    int     `mapstructure:"history_window" yaml:"history_window"`
	ExtractionPrompt string  `mapstructure:"extraction_prompt" yaml:"extraction_prompt"`
}

// BrowserConfig holds settings for the automation driver.
type BrowserConfig struct {
	// Driver is "chromedp" or "playwright".
	Driver            string         `mapstructure:"driver" yaml:"driver"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
}

// DecisionConfig configures the decision service client.
type DecisionConfig struct {
	// Provider is "gemini" or "openai".
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	MaxRetries        uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// TransportConfig configures how the session talks to the human.
type TransportConfig struct {
	// Kind is "console" or "websocket".
	Kind          string        `mapstructure:"kind" yaml:"kind"`
	ListenAddr    string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigin string        `mapstructure:"allowed_origin" yaml:"allowed_origin"`
	DisconnectTTL time.Duration `mapstructure:"disconnect_ttl" yaml:"disconnect_ttl"`
	UserName      string        `mapstructure:"user_name" yaml:"user_name"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig enables fan-out of progress events over Redis pub/sub.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// StoreConfig selects the session persistence backend.
type StoreConfig struct {
	// Kind is "file" or "postgres".
	Kind        string `mapstructure:"kind" yaml:"kind"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return fromDocument(doc)
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "wayfinder")
	v.SetDefault("logger.log_file", "wayfinder.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Exploration --
	v.SetDefault("exploration.mode", "sequential")
	v.SetDefault("exploration.max_pages", 20)
	v.SetDefault("exploration.max_steps_per_page", 25)
	v.SetDefault("exploration.default_priority", 3)
	v.SetDefault("exploration.input_timeout", "5m")
	v.SetDefault("exploration.background_concurrency", 2)
	v.SetDefault("exploration.include_subdomains", true)
	v.SetDefault("exploration.exploratory", false)
	v.SetDefault("exploration.default_standby_seconds", 3.0)
	v.SetDefault("exploration.max_standby_seconds", 60.0)
	v.SetDefault("exploration.history_window", 20)
	v.SetDefault("exploration.extraction_prompt", "Extract the main content, forms, and navigation links of this page.")

	// -- Browser --
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.post_load_wait", "1s")

	// -- Decision --
	v.SetDefault("decision.provider", "gemini")
	v.SetDefault("decision.model", "gemini-2.5-flash")
	v.SetDefault("decision.temperature", 0.2)
	v.SetDefault("decision.max_tokens", 2048)
	v.SetDefault("decision.request_timeout", "90s")
	v.SetDefault("decision.requests_per_second", 1.0)
	v.SetDefault("decision.burst", 2)
	v.SetDefault("decision.max_retries", 3)

	// -- Transport --
	v.SetDefault("transport.kind", "console")
	v.SetDefault("transport.listen_addr", "127.0.0.1:8765")
	v.SetDefault("transport.disconnect_ttl", "30s")
	v.SetDefault("transport.user_name", "")
	v.SetDefault("transport.redis.enabled", false)
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.channel", "wayfinder:progress")

	// -- Store --
	v.SetDefault("store.kind", "file")
	v.SetDefault("store.dir", "~/.wayfinder/sessions")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("decision.api_key", "WAYFINDER_DECISION_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("store.database_url", "WAYFINDER_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("transport.redis.password", "WAYFINDER_REDIS_PASSWORD")

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg := fromDocument(doc)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromDocument(doc document) *Config {
	return &Config{
		logger:      doc.Logger,
		exploration: doc.Exploration,
		browser:     doc.Browser,
		decision:    doc.Decision,
		transport:   doc.Transport,
		store:       doc.Store,
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.exploration.Mode {
	case "sequential", "background":
	default:
		return fmt.Errorf("exploration.mode must be 'sequential' or 'background', got %q", c.exploration.Mode)
	}
	if c.exploration.MaxPages <= 0 {
		return fmt.Errorf("exploration.max_pages must be a positive integer")
	}
	if c.exploration.MaxStepsPerPage <= 0 {
		return fmt.Errorf("exploration.max_steps_per_page must be a positive integer")
	}
	if c.exploration.DefaultPriority < 1 || c.exploration.DefaultPriority > 5 {
		return fmt.Errorf("exploration.default_priority must be between 1 and 5")
	}
	if c.exploration.InputTimeout <= 0 {
		return fmt.Errorf("exploration.input_timeout must be a positive duration")
	}
	if c.exploration.Mode == "background" && c.exploration.BackgroundConcurrency <= 0 {
		return fmt.Errorf("exploration.background_concurrency must be a positive integer")
	}
	switch c.browser.Driver {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("browser.driver must be 'chromedp' or 'playwright', got %q", c.browser.Driver)
	}
	switch c.transport.Kind {
	case "console", "websocket":
	default:
		return fmt.Errorf("transport.kind must be 'console' or 'websocket', got %q", c.transport.Kind)
	}
	switch c.store.Kind {
	case "file":
		if c.store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file store")
		}
	case "postgres":
		if c.store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres store. Ensure WAYFINDER_DATABASE_URL is set")
		}
	default:
		return fmt.Errorf("store.kind must be 'file' or 'postgres', got %q", c.store.Kind)
	}
	if c.decision.RequestsPerSecond <= 0 {
		return fmt.Errorf("decision.requests_per_second must be positive")
	}
	return nil
}

// ValidateDecisionCredentials checks that the decision service can be reached.
// It is separate from Validate so that commands which never call the decision
// service (graph export, version) work without an API key.
func (c *Config) ValidateDecisionCredentials() error {
	switch c.decision.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("decision.provider must be 'gemini' or 'openai', got %q", c.decision.Provider)
	}
	if c.decision.APIKey == "" {
		return fmt.Errorf("decision API key is required but not found. Ensure WAYFINDER_DECISION_API_KEY is set")
	}
	if c.decision.Model == "" {
		return fmt.Errorf("decision.model is required")
	}
	return nil
}
