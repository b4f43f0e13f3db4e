package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the HTTP/WS listener settings.
type GatewayConfig struct {
	Bind  string `yaml:"bind"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`

	// TrustedProxies lists proxy addresses whose X-Forwarded-For is honored
	// when resolving the client address for auth decisions.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// connections. Empty means same-origin / non-browser only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// Addr returns the listen address in host:port form.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Bind, g.Port)
}

// MappingConfig defines a single webhook mapping: requests POSTed to
// BasePath/<Path> are matched and dispatched as the named action.
type MappingConfig struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Action string `yaml:"action"` // "wake", "agent", or "none"

	// Token overrides the hooks-level token for this mapping only.
	Token string `yaml:"token"`

	// Match is an optional JSON Schema applied to the request body.
	// Non-matching bodies are rejected with 400.
	Match map[string]interface{} `yaml:"match"`

	// Template renders the dispatched message text. {{.field}} placeholders
	// are resolved against the request body. Empty uses the raw body text.
	Template string `yaml:"template"`

	SessionKey string `yaml:"session_key"`
	Channel    string `yaml:"channel"`
	To         string `yaml:"to"`

	// Mode is "now" (default) or "next-heartbeat".
	Mode string `yaml:"mode"`
}

// HooksConfig holds webhook ingress settings.
type HooksConfig struct {
	Enabled  bool            `yaml:"enabled"`
	BasePath string          `yaml:"base_path"`
	Token    string          `yaml:"token"`
	Mappings []MappingConfig `yaml:"mappings"`

	// MaxBodyBytes caps accepted webhook payloads. Larger bodies get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OpenAIConfig toggles the OpenAI-compatible HTTP surfaces.
type OpenAIConfig struct {
	ChatCompletions bool   `yaml:"chat_completions"`
	Responses       bool   `yaml:"responses"`
	Model           string `yaml:"model"`
}

// ControlUIConfig points the control UI handler at a static asset directory.
type ControlUIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AssetsDir string `yaml:"assets_dir"`
	BasePath  string `yaml:"base_path"`
}

type CanvasConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootDir  string `yaml:"root_dir"`
	BasePath string `yaml:"base_path"`
}

type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningSecret string `yaml:"signing_secret"`
	BasePath      string `yaml:"base_path"`
}

type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalMinutes is the drain cadence for queued next-heartbeat wakes.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// OTelConfig mirrors the telemetry init options in yaml form.
type OTelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Channels  ChannelsConfig  `yaml:"channels"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	ControlUI ControlUIConfig `yaml:"control_ui"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	Slack     SlackConfig     `yaml:"slack"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	OTel      OTelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after hot reloads so operators can tell which config a process runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|port=%d|log=%s|hooks=%v|base=%s|mappings=%d|origins=%v",
		c.Gateway.Bind, c.Gateway.Port, c.LogLevel,
		c.Hooks.Enabled, c.Hooks.BasePath, len(c.Hooks.Mappings), c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Bind: "127.0.0.1",
			Port: 18789,
		},
		Hooks: HooksConfig{
			BasePath:     "/hooks",
			MaxBodyBytes: 1 << 20,
		},
		OpenAI: OpenAIConfig{
			ChatCompletions: true,
			Responses:       true,
			Model:           "openclaw",
		},
		ControlUI: ControlUIConfig{
			BasePath: "/",
		},
		Canvas: CanvasConfig{
			BasePath: "/canvas",
		},
		Slack: SlackConfig{
			BasePath: "/slack",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalMinutes: 30,
		},
		OTel: OTelConfig{
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("OPENCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openclaw")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, creating the directory when
// missing. A missing file yields defaults with NeedsGenesis set.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create openclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "127.0.0.1"
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = 18789
	}
	if strings.TrimSpace(cfg.Hooks.BasePath) == "" {
		cfg.Hooks.BasePath = "/hooks"
	}
	cfg.Hooks.BasePath = "/" + strings.Trim(cfg.Hooks.BasePath, "/")
	if cfg.Hooks.MaxBodyBytes <= 0 {
		cfg.Hooks.MaxBodyBytes = 1 << 20
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "openclaw"
	}
	if cfg.Heartbeat.IntervalMinutes <= 0 {
		cfg.Heartbeat.IntervalMinutes = 30
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "otlp-http"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
	for i := range cfg.Hooks.Mappings {
		m := &cfg.Hooks.Mappings[i]
		m.Path = strings.Trim(m.Path, "/")
		if m.Action == "" {
			m.Action = "wake"
		}
		if m.Mode == "" {
			m.Mode = "now"
		}
	}
}

// ValidateMappings checks every mapping rule, also used when mappings are
// hot-replaced over HTTP.
func ValidateMappings(mappings []MappingConfig) error {
	for _, m := range mappings {
		if m.Path == "" {
			return fmt.Errorf("hooks mapping %q: path is required", m.Name)
		}
		switch m.Action {
		case "wake", "agent", "none":
		default:
			return fmt.Errorf("hooks mapping %q: unknown action %q", m.Name, m.Action)
		}
		switch m.Mode {
		case "", "now", "next-heartbeat":
		default:
			return fmt.Errorf("hooks mapping %q: unknown mode %q", m.Name, m.Mode)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if err := ValidateMappings(cfg.Hooks.Mappings); err != nil {
		return err
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel: unknown exporter %q", cfg.OTel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OPENCLAW_BIND"); raw != "" {
		cfg.Gateway.Bind = raw
	}
	if raw := os.Getenv("OPENCLAW_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = v
		}
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.Token = raw
	}
	if raw := os.Getenv("OPENCLAW_HOOKS_TOKEN"); raw != "" {
		cfg.Hooks.Token = raw
	}
	if raw := os.Getenv("OPENCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("OPENCLAW_OTEL_ENABLED"); raw != "" {
		cfg.OTel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("OPENCLAW_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

// Save writes the config back to config.yaml, used by the mappings update
// endpoint to persist hot-applied mapping changes.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
