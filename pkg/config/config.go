// Package config loads the charsnap YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/charsnap/pkg/tiles"
)

// Config is the complete service configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Render   RenderConfig   `yaml:"render" json:"render"`
	Tiles    TilesConfig    `yaml:"tiles" json:"tiles"`
	Browser  BrowserConfig  `yaml:"browser" json:"browser"`
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`
	Trigger  TriggerConfig  `yaml:"trigger" json:"trigger"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// CacheConfig defines where snapshots live and how long they are kept
type CacheConfig struct {
	Dir string `yaml:"dir" json:"dir"`

	// MaxAge is how long a snapshot is served before it is rendered again
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`

	// Retention is how old a file must be before the sweeper deletes it
	Retention     time.Duration `yaml:"retention" json:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// RenderConfig defines the target page contract and the capture timings
type RenderConfig struct {
	URLTemplate   string `yaml:"url_template" json:"url_template"`
	Lang          string `yaml:"lang" json:"lang"`
	ViewportWidth int    `yaml:"viewport_width" json:"viewport_width"`

	ContainerSelector string `yaml:"container_selector" json:"container_selector"`
	SectionSelector   string `yaml:"section_selector" json:"section_selector"`
	OverlayXPath      string `yaml:"overlay_xpath" json:"overlay_xpath"`

	NavigationTimeout   time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	VisibleTimeout      time.Duration `yaml:"visible_timeout" json:"visible_timeout"`
	RetryVisibleTimeout time.Duration `yaml:"retry_visible_timeout" json:"retry_visible_timeout"`
	SettleDelay         time.Duration `yaml:"settle_delay" json:"settle_delay"`
	ForceRenderDelay    time.Duration `yaml:"force_render_delay" json:"force_render_delay"`
	InPageSettle        time.Duration `yaml:"in_page_settle" json:"in_page_settle"`

	HeightMargin     int `yaml:"height_margin" json:"height_margin"`
	HeightCap        int `yaml:"height_cap" json:"height_cap"`
	MaxContentHeight int `yaml:"max_content_height" json:"max_content_height"`

	BlockedResources []string `yaml:"blocked_resources" json:"blocked_resources"`
	AcceptLanguage   string   `yaml:"accept_language" json:"accept_language"`

	// MaxConcurrent bounds renders in flight across all subjects
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// Timeout bounds one render shared by concurrent requests for a subject
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// TilesConfig defines the tile shape and output encoding
type TilesConfig struct {
	AspectW     int `yaml:"aspect_w" json:"aspect_w"`
	AspectH     int `yaml:"aspect_h" json:"aspect_h"`
	Overlap     int `yaml:"overlap" json:"overlap"`
	JPEGQuality int `yaml:"jpeg_quality" json:"jpeg_quality"`
}

// BrowserConfig defines how browsers are installed and launched
type BrowserConfig struct {
	Name            string   `yaml:"name" json:"name"`
	Headless        bool     `yaml:"headless" json:"headless"`
	Args            []string `yaml:"args" json:"args"`
	MaxSessions     int      `yaml:"max_sessions" json:"max_sessions"`
	SkipInstall     bool     `yaml:"skip_install" json:"skip_install"`
	DriverDirectory string   `yaml:"driver_directory" json:"driver_directory"`
}

// ResolverConfig defines where subject identifiers are looked up
type ResolverConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Script is tried first when its URL is set
	Script ScriptResolverConfig `yaml:"script" json:"script"`

	// Index is the card page fallback
	Index IndexResolverConfig `yaml:"index" json:"index"`
}

// ScriptResolverConfig locates the subject array in a remote script
type ScriptResolverConfig struct {
	URL             string        `yaml:"url" json:"url"`
	StartMarker     string        `yaml:"start_marker" json:"start_marker"`
	EndMarker       string        `yaml:"end_marker" json:"end_marker"`
	NameField       string        `yaml:"name_field" json:"name_field"`
	IDField         string        `yaml:"id_field" json:"id_field"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

// IndexResolverConfig locates subjects on an HTML index page
type IndexResolverConfig struct {
	URL           string   `yaml:"url" json:"url"`
	CardClasses   []string `yaml:"card_classes" json:"card_classes"`
	NameParagraph int      `yaml:"name_paragraph" json:"name_paragraph"`
}

// TriggerConfig defines the chat command grammar
type TriggerConfig struct {
	Prefix      string        `yaml:"prefix" json:"prefix"`
	HelpCommand string        `yaml:"help_command" json:"help_command"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// ServerConfig defines the HTTP host
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// RateLimit is the sustained requests per second allowed per client on
	// endpoints that can start a render. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`

	// Dir defaults to ~/.charsnap/logs
	Dir string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns a configuration that captures the default subject
// site with the timings it is known to need.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:           "snapshots",
			MaxAge:        24 * time.Hour,
			Retention:     7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Render: RenderConfig{
			URLTemplate:         "https://homdgcat.wiki/sr/char?lang={lang}#_{id}",
			Lang:                "CH",
			ViewportWidth:       600,
			ContainerSelector:   "div.mon_body",
			SectionSelector:     "div.mon_body div.a_section",
			OverlayXPath:        "/html/body/container/popbodyy/section[2]",
			NavigationTimeout:   60 * time.Second,
			VisibleTimeout:      30 * time.Second,
			RetryVisibleTimeout: 15 * time.Second,
			SettleDelay:         5 * time.Second,
			ForceRenderDelay:    5 * time.Second,
			InPageSettle:        2 * time.Second,
			HeightMargin:        1000,
			HeightCap:           15000,
			MaxContentHeight:    30000,
			BlockedResources:    []string{"**/*.woff", "**/*.woff2", "**/analytics.js"},
			AcceptLanguage:      "zh-CN,zh;q=0.9",
			MaxConcurrent:       1,
			Timeout:             3 * time.Minute,
		},
		Tiles: TilesConfig{
			AspectW:     9,
			AspectH:     16,
			Overlap:     50,
			JPEGQuality: 95,
		},
		Browser: BrowserConfig{
			Name:        "firefox",
			Headless:    true,
			Args:        []string{"--no-sandbox", "--disable-gpu", "--disable-dev-shm-usage"},
			MaxSessions: 2,
		},
		Resolver: ResolverConfig{
			Timeout: 15 * time.Second,
			Script: ScriptResolverConfig{
				NameField:       "name",
				IDField:         "id",
				RefreshInterval: time.Hour,
			},
			Index: IndexResolverConfig{
				URL:           "https://homdgcat.wiki/sr/char?lang=CH",
				CardClasses:   []string{"avatar-card", "hover-shadow", "rar-5"},
				NameParagraph: 1,
			},
		},
		Trigger: TriggerConfig{
			Prefix:      "爬取崩铁：",
			HelpCommand: "崩铁快照帮助",
			Timeout:     3 * time.Minute,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RateLimit:         0.5,
			RateBurst:         3,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// Validate validates the configuration
//
//nolint:gocyclo
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	if c.Cache.Retention < c.Cache.MaxAge {
		return fmt.Errorf("cache.retention (%s) must not be shorter than cache.max_age (%s)", c.Cache.Retention, c.Cache.MaxAge)
	}
	if c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval cannot be negative")
	}

	r := c.Render
	if !strings.Contains(r.URLTemplate, "{id}") {
		return fmt.Errorf("render.url_template must contain {id}")
	}
	if r.ViewportWidth <= 0 {
		return fmt.Errorf("render.viewport_width must be positive")
	}
	if r.ContainerSelector == "" || r.SectionSelector == "" {
		return fmt.Errorf("render.container_selector and render.section_selector are required")
	}
	for name, d := range map[string]time.Duration{
		"navigation_timeout":    r.NavigationTimeout,
		"visible_timeout":       r.VisibleTimeout,
		"retry_visible_timeout": r.RetryVisibleTimeout,
		"settle_delay":          r.SettleDelay,
		"force_render_delay":    r.ForceRenderDelay,
		"in_page_settle":        r.InPageSettle,
		"timeout":               r.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("render.%s cannot be negative", name)
		}
	}
	if r.NavigationTimeout == 0 || r.VisibleTimeout == 0 {
		return fmt.Errorf("render.navigation_timeout and render.visible_timeout must be positive")
	}
	if r.HeightMargin < 0 || r.HeightCap <= 0 || r.MaxContentHeight <= 0 {
		return fmt.Errorf("render height limits must be positive")
	}
	if r.MaxConcurrent <= 0 {
		return fmt.Errorf("render.max_concurrent must be positive")
	}

	t := c.Tiles
	if t.AspectW <= 0 || t.AspectH <= 0 {
		return fmt.Errorf("tiles.aspect_w and tiles.aspect_h must be positive")
	}
	if t.Overlap < 0 {
		return fmt.Errorf("tiles.overlap cannot be negative")
	}
	if slice := tiles.SliceHeight(r.ViewportWidth, t.AspectW, t.AspectH); slice <= t.Overlap {
		return fmt.Errorf("tiles.overlap (%d) must be smaller than the slice height (%d)", t.Overlap, slice)
	}
	if t.JPEGQuality < 1 || t.JPEGQuality > 100 {
		return fmt.Errorf("tiles.jpeg_quality must be between 1 and 100")
	}

	if c.Browser.Name != "firefox" && c.Browser.Name != "chromium" {
		return fmt.Errorf("invalid browser.name: %s (must be 'firefox' or 'chromium')", c.Browser.Name)
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be positive")
	}

	if c.Resolver.Script.URL != "" && (c.Resolver.Script.StartMarker == "" || c.Resolver.Script.EndMarker == "") {
		return fmt.Errorf("resolver.script requires start_marker and end_marker")
	}
	if c.Resolver.Script.URL == "" && c.Resolver.Index.URL == "" {
		return fmt.Errorf("at least one of resolver.script.url and resolver.index.url is required")
	}
	if c.Resolver.Index.NameParagraph < 0 {
		return fmt.Errorf("resolver.index.name_paragraph cannot be negative")
	}

	if c.Trigger.Prefix == "" {
		return fmt.Errorf("trigger.prefix is required")
	}

	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst cannot be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		return fmt.Errorf("server.rate_burst must be positive when rate limiting is enabled")
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Relative cache directories are anchored at the config file
	if !filepath.IsAbs(cfg.Cache.Dir) {
		cfg.Cache.Dir = filepath.Join(filepath.Dir(path), cfg.Cache.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
