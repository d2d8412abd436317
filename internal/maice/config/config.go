// Package config loads the application configuration: an optional YAML file
// for tunables, overlaid with environment variables. Secrets (API keys, the
// Matrix access token) are accepted from the environment only and never from
// the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/maice/common/environment"
)

// Duration wraps time.Duration with YAML support ("300ms", "2s", ...).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"300ms\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full application configuration.
type Config struct {
	DatabasePath string `yaml:"database_path"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
	} `yaml:"log"`

	Matrix struct {
		Homeserver  string `yaml:"homeserver"`
		UserID      string `yaml:"user_id"`
		AccessToken string `yaml:"-"` // env only
	} `yaml:"matrix"`

	LLM struct {
		BaseURL        string `yaml:"base_url"`
		ChatModel      string `yaml:"chat_model"`
		EmbeddingModel string `yaml:"embedding_model"`
		APIKey         string `yaml:"-"` // env only
	} `yaml:"llm"`

	Intake struct {
		Window   Duration `yaml:"window"`
		MaxLines int      `yaml:"max_lines"`
		MaxChars int      `yaml:"max_chars"`
	} `yaml:"intake"`

	Sched struct {
		Workers         int      `yaml:"workers"`
		MaxDepth        int      `yaml:"max_depth"` // 0 = unbounded
		MinInterval     Duration `yaml:"min_interval"`
		DupWindow       Duration `yaml:"dup_window"`
		HighThreshold   float64  `yaml:"high_threshold"`
		NormalThreshold float64  `yaml:"normal_threshold"`
	} `yaml:"sched"`

	Trust struct {
		Default        float64 `yaml:"default"`
		OrganicCeiling float64 `yaml:"organic_ceiling"`
		OrganicStep    float64 `yaml:"organic_step"`
	} `yaml:"trust"`

	Affect struct {
		DecayRate float64  `yaml:"decay_rate"`
		DecayTick Duration `yaml:"decay_tick"`
	} `yaml:"affect"`

	Memory struct {
		Dimensions    int     `yaml:"dimensions"`
		TopK          int     `yaml:"top_k"`
		MinSimilarity float64 `yaml:"min_similarity"`
		ExtractEvery  int     `yaml:"extract_every"`
	} `yaml:"memory"`

	Orchestrator struct {
		GenerateTimeout Duration `yaml:"generate_timeout"`
	} `yaml:"orchestrator"`

	Health struct {
		Addr string `yaml:"addr"` // empty disables the endpoint
	} `yaml:"health"`
}

// Load reads the YAML file at path (optional: "" or a missing file yields
// pure defaults), overlays environment variables, applies defaults, and
// validates. Environment always wins over the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.overlayEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayEnv() {
	c.DatabasePath = environment.StringOr("MAICE_DB_PATH", c.DatabasePath)
	c.Log.Level = environment.StringOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("LOG_FORMAT", c.Log.Format)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", "")

	c.LLM.BaseURL = environment.StringOr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.ChatModel = environment.StringOr("LLM_MODEL", c.LLM.ChatModel)
	c.LLM.EmbeddingModel = environment.StringOr("LLM_EMBEDDING_MODEL", c.LLM.EmbeddingModel)
	c.LLM.APIKey = environment.StringOr("LLM_API_KEY", "")

	c.Intake.Window = Duration(environment.DurationOr("MAICE_INTAKE_WINDOW", c.Intake.Window.Std()))
	c.Sched.Workers = environment.IntOr("MAICE_WORKERS", c.Sched.Workers)
	c.Affect.DecayRate = environment.FloatOr("MAICE_DECAY_RATE", c.Affect.DecayRate)
	c.Memory.Dimensions = environment.IntOr("MAICE_EMBEDDING_DIM", c.Memory.Dimensions)
	c.Health.Addr = environment.StringOr("MAICE_HEALTH_ADDR", c.Health.Addr)
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "./maice.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Intake.Window <= 0 {
		c.Intake.Window = Duration(300 * time.Millisecond)
	}
	if c.Intake.MaxLines <= 0 {
		c.Intake.MaxLines = 6
	}
	if c.Intake.MaxChars <= 0 {
		c.Intake.MaxChars = 900
	}
	if c.Sched.Workers <= 0 {
		c.Sched.Workers = 2
	}
	if c.Sched.MinInterval <= 0 {
		c.Sched.MinInterval = Duration(2 * time.Second)
	}
	if c.Sched.DupWindow <= 0 {
		c.Sched.DupWindow = Duration(30 * time.Second)
	}
	if c.Sched.HighThreshold <= 0 {
		c.Sched.HighThreshold = 0.7
	}
	if c.Sched.NormalThreshold <= 0 {
		c.Sched.NormalThreshold = 0.4
	}
	if c.Trust.Default <= 0 {
		c.Trust.Default = 0.3
	}
	if c.Trust.OrganicCeiling <= 0 {
		c.Trust.OrganicCeiling = 0.7
	}
	if c.Trust.OrganicStep <= 0 {
		c.Trust.OrganicStep = 0.01
	}
	if c.Affect.DecayRate <= 0 {
		c.Affect.DecayRate = 1.0 / 300.0
	}
	if c.Affect.DecayTick <= 0 {
		c.Affect.DecayTick = Duration(15 * time.Second)
	}
	if c.Memory.Dimensions <= 0 {
		c.Memory.Dimensions = 1536
	}
	if c.Memory.TopK <= 0 {
		c.Memory.TopK = 5
	}
	if c.Memory.MinSimilarity <= 0 {
		c.Memory.MinSimilarity = 0.3
	}
	if c.Memory.ExtractEvery <= 0 {
		c.Memory.ExtractEvery = 8
	}
	if c.Orchestrator.GenerateTimeout <= 0 {
		c.Orchestrator.GenerateTimeout = Duration(60 * time.Second)
	}
}

// Validate rejects configurations the services would misbehave under.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("config: matrix.homeserver (or MATRIX_HOMESERVER) is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("config: matrix.user_id (or MATRIX_USER_ID) is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("config: MATRIX_ACCESS_TOKEN is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: LLM_API_KEY is required")
	}
	if c.Trust.Default < 0 || c.Trust.Default > 1 {
		return fmt.Errorf("config: trust.default %v outside [0,1]", c.Trust.Default)
	}
	if c.Trust.OrganicCeiling < c.Trust.Default || c.Trust.OrganicCeiling > 1 {
		return fmt.Errorf("config: trust.organic_ceiling %v must be within [default, 1]", c.Trust.OrganicCeiling)
	}
	if c.Memory.MinSimilarity < 0 || c.Memory.MinSimilarity > 1 {
		return fmt.Errorf("config: memory.min_similarity %v outside [0,1]", c.Memory.MinSimilarity)
	}
	if c.Sched.MaxDepth < 0 {
		return fmt.Errorf("config: sched.max_depth must not be negative")
	}
	if c.Sched.NormalThreshold > c.Sched.HighThreshold {
		return fmt.Errorf("config: sched.normal_threshold %v exceeds high_threshold %v",
			c.Sched.NormalThreshold, c.Sched.HighThreshold)
	}
	return nil
}
