// Package config provides layered configuration for varflow: embedded
// defaults overridden by a user config file in ini format. On first run the
// default config is installed into the config directory as a commented
// template.
package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

//go:embed defaults
var defaultsFS embed.FS

// Config holds the effective configuration. Fields ending in *Set track
// whether the value was set explicitly in a config file, so an explicit zero
// can override a non-zero default.
type Config struct {
	DashboardsDir string // directory with dashboard definition files
	ValuesURL     string // values-lookup endpoint

	FetchTimeoutMs          int
	FetchTimeoutMsSet       bool
	MaxConcurrentFetches    int
	MaxConcurrentFetchesSet bool

	// PinURLValues keeps URL-restored variable values selected even when a
	// refetch no longer offers them
	PinURLValues    bool
	PinURLValuesSet bool

	SessionTTLMinutes    int
	SessionTTLMinutesSet bool

	// dashboards-as-code: sync DashboardsDir from a git remote
	GitRemote          string
	GitBranch          string
	GitSyncIntervalMin int

	// fetch failure alerting
	NotifyChannels         []string // telegram, slack, webhook
	NotifyFailureThreshold int
	NotifyWindowMinutes    int
	TelegramToken          string
	TelegramChat           string
	SlackToken             string
	SlackChannel           string
	WebhookURLs            []string

	configDir string
}

// Load reads configuration with the fallback chain embedded -> user config
// file. configDir empty uses the default location (~/.config/varflow);
// missing config dir and file are created from the embedded template.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configDir = filepath.Join(home, ".config", "varflow")
	}

	if err := install(configDir); err != nil {
		return nil, err
	}

	embedded, err := parseEmbedded()
	if err != nil {
		return nil, err
	}
	user, err := parseFile(filepath.Join(configDir, "config"))
	if err != nil {
		return nil, err
	}

	cfg := embedded
	cfg.mergeFrom(&user)
	cfg.configDir = configDir
	return &cfg, nil
}

// ConfigDir returns the directory the config was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// install creates the config directory and the default config file when
// missing. an existing config file is never touched.
func install(configDir string) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(configDir, "config")
	_, statErr := os.Stat(path)
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("check config file: %w", statErr)
	}
	if os.IsNotExist(statErr) {
		data, err := defaultsFS.ReadFile("defaults/config")
		if err != nil {
			return fmt.Errorf("read embedded config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
	}
	return nil
}

// parseEmbedded parses the embedded defaults/config template.
func parseEmbedded() (Config, error) {
	data, err := defaultsFS.ReadFile("defaults/config")
	if err != nil {
		return Config{}, fmt.Errorf("read embedded defaults: %w", err)
	}
	return parseBytes(data)
}

// parseFile parses a config file. a missing or comment-only file yields an
// empty Config (not an error), falling back to embedded defaults.
func parseFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed internally
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseBytes(data)
}

// parseBytes parses ini data into a Config.
func parseBytes(data []byte) (Config, error) {
	// ignoreInlineComment: true prevents # from being treated as inline comment marker
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	section := f.Section("") // default section (no section header)

	if key, err := section.GetKey("dashboards_dir"); err == nil {
		cfg.DashboardsDir = key.String()
	}
	if key, err := section.GetKey("values_url"); err == nil {
		cfg.ValuesURL = key.String()
	}
	if key, err := section.GetKey("fetch_timeout_ms"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid fetch_timeout_ms: %w", intErr)
		}
		if val < 0 {
			return Config{}, fmt.Errorf("invalid fetch_timeout_ms: must be non-negative, got %d", val)
		}
		cfg.FetchTimeoutMs = val
		cfg.FetchTimeoutMsSet = true
	}
	if key, err := section.GetKey("max_concurrent_fetches"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid max_concurrent_fetches: %w", intErr)
		}
		if val < 0 {
			return Config{}, fmt.Errorf("invalid max_concurrent_fetches: must be non-negative, got %d", val)
		}
		cfg.MaxConcurrentFetches = val
		cfg.MaxConcurrentFetchesSet = true
	}
	if key, err := section.GetKey("pin_url_values"); err == nil {
		val, boolErr := key.Bool()
		if boolErr != nil {
			return Config{}, fmt.Errorf("invalid pin_url_values: %w", boolErr)
		}
		cfg.PinURLValues = val
		cfg.PinURLValuesSet = true
	}
	if key, err := section.GetKey("session_ttl_minutes"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid session_ttl_minutes: %w", intErr)
		}
		if val < 0 {
			return Config{}, fmt.Errorf("invalid session_ttl_minutes: must be non-negative, got %d", val)
		}
		cfg.SessionTTLMinutes = val
		cfg.SessionTTLMinutesSet = true
	}

	// git sync settings
	if key, err := section.GetKey("git_remote"); err == nil {
		cfg.GitRemote = key.String()
	}
	if key, err := section.GetKey("git_branch"); err == nil {
		cfg.GitBranch = key.String()
	}
	if key, err := section.GetKey("git_sync_interval_minutes"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid git_sync_interval_minutes: %w", intErr)
		}
		cfg.GitSyncIntervalMin = val
	}

	// notification settings
	if key, err := section.GetKey("notify_channels"); err == nil {
		cfg.NotifyChannels = splitList(key.String())
	}
	if key, err := section.GetKey("notify_failure_threshold"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid notify_failure_threshold: %w", intErr)
		}
		cfg.NotifyFailureThreshold = val
	}
	if key, err := section.GetKey("notify_window_minutes"); err == nil {
		val, intErr := key.Int()
		if intErr != nil {
			return Config{}, fmt.Errorf("invalid notify_window_minutes: %w", intErr)
		}
		cfg.NotifyWindowMinutes = val
	}
	if key, err := section.GetKey("telegram_token"); err == nil {
		cfg.TelegramToken = key.String()
	}
	if key, err := section.GetKey("telegram_chat"); err == nil {
		cfg.TelegramChat = key.String()
	}
	if key, err := section.GetKey("slack_token"); err == nil {
		cfg.SlackToken = key.String()
	}
	if key, err := section.GetKey("slack_channel"); err == nil {
		cfg.SlackChannel = key.String()
	}
	if key, err := section.GetKey("webhook_urls"); err == nil {
		cfg.WebhookURLs = splitList(key.String())
	}

	return cfg, nil
}

// mergeFrom overlays non-empty values from other. *Set trackers let an
// explicit zero in the user config override a non-zero default.
func (c *Config) mergeFrom(other *Config) {
	if other.DashboardsDir != "" {
		c.DashboardsDir = other.DashboardsDir
	}
	if other.ValuesURL != "" {
		c.ValuesURL = other.ValuesURL
	}
	if other.FetchTimeoutMsSet {
		c.FetchTimeoutMs = other.FetchTimeoutMs
		c.FetchTimeoutMsSet = true
	}
	if other.MaxConcurrentFetchesSet {
		c.MaxConcurrentFetches = other.MaxConcurrentFetches
		c.MaxConcurrentFetchesSet = true
	}
	if other.PinURLValuesSet {
		c.PinURLValues = other.PinURLValues
		c.PinURLValuesSet = true
	}
	if other.SessionTTLMinutesSet {
		c.SessionTTLMinutes = other.SessionTTLMinutes
		c.SessionTTLMinutesSet = true
	}
	if other.GitRemote != "" {
		c.GitRemote = other.GitRemote
	}
	if other.GitBranch != "" {
		c.GitBranch = other.GitBranch
	}
	if other.GitSyncIntervalMin != 0 {
		c.GitSyncIntervalMin = other.GitSyncIntervalMin
	}
	if len(other.NotifyChannels) > 0 {
		c.NotifyChannels = other.NotifyChannels
	}
	if other.NotifyFailureThreshold != 0 {
		c.NotifyFailureThreshold = other.NotifyFailureThreshold
	}
	if other.NotifyWindowMinutes != 0 {
		c.NotifyWindowMinutes = other.NotifyWindowMinutes
	}
	if other.TelegramToken != "" {
		c.TelegramToken = other.TelegramToken
	}
	if other.TelegramChat != "" {
		c.TelegramChat = other.TelegramChat
	}
	if other.SlackToken != "" {
		c.SlackToken = other.SlackToken
	}
	if other.SlackChannel != "" {
		c.SlackChannel = other.SlackChannel
	}
	if len(other.WebhookURLs) > 0 {
		c.WebhookURLs = other.WebhookURLs
	}
}

// splitList splits a comma-separated value, trimming whitespace and dropping
// empty elements.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
