package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds agent and CLI configuration.
type Config struct {
	HomeDir        string `yaml:"-"`
	DeviceName     string `yaml:"device_name"`
	UpdatesEnabled bool   `yaml:"updates_enabled"`
	FlashDir       string `yaml:"flash_dir"`
	Listen         string `yaml:"listen"`
	AgentURL       string `yaml:"agent_url"` // used by CLI commands that talk to a running agent
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`

	GitHub  GitHubConfig  `yaml:"github"`
	Update  UpdateConfig  `yaml:"update"`
	Restart RestartConfig `yaml:"restart"`
	Display DisplayConfig `yaml:"display"`
	MDNS    MDNSConfig    `yaml:"mdns"`
}

// GitHubConfig names the release source and the asset naming convention.
type GitHubConfig struct {
	Owner          string `yaml:"owner"`
	Repo           string `yaml:"repo"`
	APIBaseURL     string `yaml:"api_base_url"`
	FirmwareAsset  string `yaml:"firmware_asset"`
	SecondaryAsset string `yaml:"secondary_asset"`
}

// UpdateConfig holds update-subsystem timings and limits.
type UpdateConfig struct {
	ReleaseTTL        time.Duration `yaml:"release_ttl"`
	AutoCheckInterval time.Duration `yaml:"auto_check_interval"`
	BootCheckDelay    time.Duration `yaml:"boot_check_delay"`
	MaxReleaseBytes   int64         `yaml:"max_release_bytes"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RateLimitDelay    time.Duration `yaml:"rate_limit_delay"`
	ResolveRedirects  bool          `yaml:"resolve_redirects"`
	MaxRedirects      int           `yaml:"max_redirects"`
	HeadTimeout       time.Duration `yaml:"head_timeout"`
	ChunkSize         int           `yaml:"chunk_size"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	MinFreeMemory     uint64        `yaml:"min_free_memory"`
	InsecureTLS       bool          `yaml:"insecure_tls"`
	AcceptDelay       time.Duration `yaml:"accept_delay"`
	HookSettleDelay   time.Duration `yaml:"hook_settle_delay"`
	PhaseGap          time.Duration `yaml:"phase_gap"`
	RebootDelay       time.Duration `yaml:"reboot_delay"`
}

// RestartConfig controls what "reboot" means on a host: restart a systemd
// unit, run a command, or exit with ExitCode and rely on a supervisor.
type RestartConfig struct {
	Unit     string   `yaml:"unit"`
	Command  []string `yaml:"command"`
	ExitCode int      `yaml:"exit_code"`
}

// DisplayConfig enables the terminal status panel.
type DisplayConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Output   string        `yaml:"output"` // "stdout" or a file path
	Interval time.Duration `yaml:"interval"`

	// SettleDelay is the pause after the panel drops its frame buffer on
	// entering OTA mode. It replaces update.hook_settle_delay for the display.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// MDNSConfig controls service advertisement.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".probe-agent")
	return Config{
		HomeDir:        base,
		DeviceName:     "probe-station",
		UpdatesEnabled: true,
		FlashDir:       filepath.Join(base, "flash"),
		Listen:         ":8080",
		AgentURL:       "http://127.0.0.1:8080",
		LogLevel:       "info",
		LogFile:        filepath.Join(base, "logs", "agent.log"),
		GitHub: GitHubConfig{
			Owner:          "martiera",
			Repo:           "probe-station-esp32",
			APIBaseURL:     "https://api.github.com",
			FirmwareAsset:  "firmware.bin",
			SecondaryAsset: "spiffs.bin",
		},
		Update: UpdateConfig{
			ReleaseTTL:        5 * time.Minute,
			AutoCheckInterval: 24 * time.Hour,
			BootCheckDelay:    90 * time.Second,
			MaxReleaseBytes:   8192,
			HTTPTimeout:       15 * time.Second,
			MaxRetries:        3,
			RetryDelay:        2 * time.Second,
			RateLimitDelay:    5 * time.Second,
			ResolveRedirects:  true,
			MaxRedirects:      10,
			HeadTimeout:       30 * time.Second,
			ChunkSize:         1024,
			StallTimeout:      30 * time.Second,
			MinFreeMemory:     50000,
			AcceptDelay:       500 * time.Millisecond,
			HookSettleDelay:   100 * time.Millisecond,
			PhaseGap:          500 * time.Millisecond,
			RebootDelay:       time.Second,
		},
		Restart: RestartConfig{ExitCode: 0},
		Display: DisplayConfig{Output: "stdout", Interval: time.Second, SettleDelay: 500 * time.Millisecond},
		MDNS:    MDNSConfig{Enabled: true, Instance: "probe-station"},
	}
}

// Path returns the config file location: PROBE_AGENT_CONFIG if set, else
// config.yaml under HomeDir.
func (c Config) Path() string {
	if v := os.Getenv("PROBE_AGENT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(c.HomeDir, "config.yaml")
}

// ReleaseURL is the releases-latest endpoint for the configured repository.
func (c Config) ReleaseURL() string {
	base := strings.TrimRight(c.GitHub.APIBaseURL, "/")
	return fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, c.GitHub.Owner, c.GitHub.Repo)
}

// Load returns defaults, overlaid with the YAML file at path (or Path() when
// path is empty, ignored if missing), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if v := os.Getenv("PROBE_AGENT_HOME"); v != "" {
		cfg.HomeDir = v
		cfg.FlashDir = filepath.Join(v, "flash")
		cfg.LogFile = filepath.Join(v, "logs", "agent.log")
	}

	explicit := path != ""
	if !explicit {
		path = cfg.Path()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROBE_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROBE_AGENT_FLASH_DIR"); v != "" {
		cfg.FlashDir = v
	}
	if v := os.Getenv("PROBE_AGENT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PROBE_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if v := os.Getenv("PROBE_AGENT_GITHUB_API"); v != "" {
		cfg.GitHub.APIBaseURL = v
	}
	if v := os.Getenv("PROBE_AGENT_UPDATES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UpdatesEnabled = b
		}
	}
}

// Validate rejects configurations the update subsystem cannot run with.
func (c Config) Validate() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return errors.New("github.owner and github.repo are required")
	}
	if c.GitHub.FirmwareAsset == "" || c.GitHub.SecondaryAsset == "" {
		return errors.New("github asset names must not be empty")
	}
	if c.Update.MaxReleaseBytes <= 0 {
		return fmt.Errorf("update.max_release_bytes must be positive, got %d", c.Update.MaxReleaseBytes)
	}
	if c.Update.ChunkSize <= 0 {
		return fmt.Errorf("update.chunk_size must be positive, got %d", c.Update.ChunkSize)
	}
	if c.Update.MaxRedirects <= 0 {
		return fmt.Errorf("update.max_redirects must be positive, got %d", c.Update.MaxRedirects)
	}
	if c.Update.StallTimeout <= 0 {
		return errors.New("update.stall_timeout must be positive")
	}
	if c.Update.MaxRetries < 0 {
		return errors.New("update.max_retries must not be negative")
	}
	return nil
}
