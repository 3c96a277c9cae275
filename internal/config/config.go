package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration. It is loaded from a TOML
// document and then overlaid with INSTANCER_* environment variables so
// secrets can stay out of the config file.
type Config struct {
	Settings   Settings                   `toml:"settings"`
	Database   Database                   `toml:"database"`
	Discord    Discord                    `toml:"discord"`
	Logging    Logging                    `toml:"logging"`
	Slack      Slack                      `toml:"slack"`
	Messages   Messages                   `toml:"messages"`
	Deployers  map[string]Deployer        `toml:"deployers"`
	Challenges map[string]ChallengeConfig `toml:"challenges"`
}

// Settings holds the orchestrator tunables.
type Settings struct {
	MaxConcurrentChallenges uint32 `toml:"max_concurrent_challenges" env:"INSTANCER_MAX_CONCURRENT_CHALLENGES"`
	WorkerCount             uint32 `toml:"worker_count" env:"INSTANCER_WORKER_COUNT"`
	ListenOn                string `toml:"listen_on" env:"INSTANCER_LISTEN_ON"`

	// ActionRateEvery is the refill interval of the per-user action
	// token bucket; ActionRateBurst is its capacity.
	ActionRateEvery time.Duration `toml:"action_rate_every"`
	ActionRateBurst int           `toml:"action_rate_burst"`
}

// Database points at the sqlite file backing the durable store.
type Database struct {
	FilePath string `toml:"file_path" env:"INSTANCER_DATABASE_FILE_PATH"`
}

// Discord holds the OAuth2 application credentials and the guild users must
// belong to.
type Discord struct {
	ClientID     string `toml:"client_id" env:"INSTANCER_DISCORD_CLIENT_ID"`
	ClientSecret string `toml:"client_secret" env:"INSTANCER_DISCORD_CLIENT_SECRET"`
	RedirectURL  string `toml:"redirect_url" env:"INSTANCER_DISCORD_REDIRECT_URL"`
	ServerID     string `toml:"server_id" env:"INSTANCER_DISCORD_SERVER_ID"`
}

// Logging selects the slog handler configuration.
type Logging struct {
	Level  string `toml:"level" env:"INSTANCER_LOG_LEVEL"`
	Format string `toml:"format" env:"INSTANCER_LOG_FORMAT"`
}

// Slack configures the optional operator notifier. Leaving both fields
// empty disables it.
type Slack struct {
	BotToken string `toml:"bot_token" env:"INSTANCER_SLACK_BOT_TOKEN"`
	Channel  string `toml:"channel" env:"INSTANCER_SLACK_CHANNEL"`
}

// Deployer names an executable implementing the start/stop/restart/cleanup
// contract.
type Deployer struct {
	Path string `toml:"path"`
}

// ChallengeConfig is a single challenge entry as written by the operator.
// TTL is the raw duration string; Deployer references a key of the
// deployers map.
type ChallengeConfig struct {
	Name        string  `toml:"name"`
	Description *string `toml:"description"`
	TTL         string  `toml:"ttl"`
	Deployer    string  `toml:"deployer"`
}

// Messages are the user-visible notification texts. Each is a fmt template;
// the verbs are documented per field so operators can localize them.
type Messages struct {
	Started       string `toml:"started"`        // %s = challenge name
	StartFailed   string `toml:"start_failed"`   // %s = challenge name
	Stopped       string `toml:"stopped"`        // %s = challenge name
	StopFailed    string `toml:"stop_failed"`    // %s = challenge name
	Restarted     string `toml:"restarted"`      // %s = challenge name
	RestartFailed string `toml:"restart_failed"` // %s = challenge name
	CleanedUp     string `toml:"cleaned_up"`     // %s = challenge name
	Extended      string `toml:"extended"`       // %s = challenge name
	LimitReached  string `toml:"limit_reached"`  // %d = max concurrent challenges
	RateLimited   string `toml:"rate_limited"`   // %d = seconds to wait
}

// Load reads the TOML document at path and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Settings: Settings{
			MaxConcurrentChallenges: 3,
			WorkerCount:             2,
			ListenOn:                "0.0.0.0:3000",
			ActionRateEvery:         2 * time.Second,
			ActionRateBurst:         1,
		},
		Database: Database{FilePath: "instancer.db"},
		Logging:  Logging{Level: "info", Format: "json"},
		Messages: Messages{
			Started:       "Challenge %s has been started.",
			StartFailed:   "Challenge %s could not be started.",
			Stopped:       "Challenge %s has been stopped.",
			StopFailed:    "Challenge %s could not be stopped.",
			Restarted:     "Challenge %s has been restarted.",
			RestartFailed: "Challenge %s could not be restarted.",
			CleanedUp:     "Challenge %s has been cleaned up.",
			Extended:      "The deadline of challenge %s has been extended.",
			LimitReached:  "You may run at most %d challenges at once.",
			RateLimited:   "Please wait %d seconds.",
		},
	}
}

func (c *Config) validate() error {
	if c.Settings.WorkerCount < 1 {
		return fmt.Errorf("settings.worker_count must be at least 1, got %d", c.Settings.WorkerCount)
	}
	if c.Settings.ActionRateEvery <= 0 {
		return fmt.Errorf("settings.action_rate_every must be positive, got %s", c.Settings.ActionRateEvery)
	}
	if c.Settings.ActionRateBurst < 1 {
		return fmt.Errorf("settings.action_rate_burst must be at least 1, got %d", c.Settings.ActionRateBurst)
	}
	if c.Database.FilePath == "" {
		return fmt.Errorf("database.file_path is required")
	}
	for id, ch := range c.Challenges {
		if ch.Name == "" {
			return fmt.Errorf("challenges.%s: name is required", id)
		}
		if _, err := ParseTTL(ch.TTL); err != nil {
			return fmt.Errorf("challenges.%s: %w", id, err)
		}
	}
	return nil
}

// ParseTTL converts a duration of the form <digits><unit> with unit one of
// s, m, h or d into seconds. The digits must not start with a zero.
func ParseTTL(s string) (uint32, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}

	unit := s[len(s)-1]
	var mult uint64
	switch unit {
	case 's':
		mult = 1
	case 'm':
		mult = 60
	case 'h':
		mult = 3600
	case 'd':
		mult = 86400
	default:
		return 0, fmt.Errorf("invalid ttl %q: unknown unit %q", s, string(unit))
	}

	digits := s[:len(s)-1]
	if digits[0] == '0' {
		return 0, fmt.Errorf("invalid ttl %q: leading zero", s)
	}
	var n uint64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid ttl %q", s)
		}
		n = n*10 + uint64(r-'0')
		if n*mult > 1<<32-1 {
			return 0, fmt.Errorf("invalid ttl %q: out of range", s)
		}
	}
	return uint32(n * mult), nil
}
