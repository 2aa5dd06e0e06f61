package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. A `.env` file next to
// the config, if present, is loaded into the environment first so that
// `${VAR}` references in the config can resolve against it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	// Optional .env beside the config file.
	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	data = expandEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := VerifyIntegrity(absPath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks the configuration for fatal mistakes. It is deliberately
// strict: a bot that silently runs with a zero budget or an unknown worker
// mode is worse than one that refuses to start.
func (c *Config) Validate() error {
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if c.Budget.DailyLimitUSD <= 0 {
		return fmt.Errorf("budget.daily_limit_usd must be positive, got %v", c.Budget.DailyLimitUSD)
	}
	if c.Budget.PerTaskCapUSD <= 0 {
		return fmt.Errorf("budget.per_task_cap_usd must be positive, got %v", c.Budget.PerTaskCapUSD)
	}
	if c.Budget.PerTaskCapUSD > c.Budget.DailyLimitUSD {
		return fmt.Errorf("budget.per_task_cap_usd (%v) exceeds budget.daily_limit_usd (%v)",
			c.Budget.PerTaskCapUSD, c.Budget.DailyLimitUSD)
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("budget.timezone %q is not a valid IANA zone: %w", c.Budget.Timezone, err)
	}

	switch c.Worker.Mode {
	case "container":
		if c.Worker.Image == "" {
			return fmt.Errorf("worker.image is required in container mode")
		}
	case "local":
		if len(c.Worker.Command) == 0 {
			return fmt.Errorf("worker.command is required in local mode")
		}
	default:
		return fmt.Errorf("worker.mode must be \"container\" or \"local\", got %q", c.Worker.Mode)
	}

	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be positive")
	}
	if c.Worker.MaxHistoryMessages <= 0 {
		return fmt.Errorf("worker.max_history_messages must be positive")
	}
	if !filepath.IsAbs(c.Worker.WorkDir) {
		abs, err := filepath.Abs(c.Worker.WorkDir)
		if err != nil {
			return fmt.Errorf("worker.work_dir: %w", err)
		}
		c.Worker.WorkDir = abs
	}
	for i, dir := range c.Worker.AllowedDirs {
		if !filepath.IsAbs(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("worker.allowed_dirs[%d]: %w", i, err)
			}
			c.Worker.AllowedDirs[i] = abs
		}
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	if c.Reaper.Enabled {
		if c.Reaper.Schedule == "" {
			return fmt.Errorf("reaper.schedule is required when reaper is enabled")
		}
		if !gronx.New().IsValid(c.Reaper.Schedule) {
			return fmt.Errorf("reaper.schedule %q is not a valid cron expression", c.Reaper.Schedule)
		}
		if c.Reaper.MaxAge <= 0 {
			return fmt.Errorf("reaper.max_age must be positive")
		}
	}

	return nil
}
