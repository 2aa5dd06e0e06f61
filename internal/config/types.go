package config

import "time"

// Config represents the complete valet configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Budget  BudgetConfig  `yaml:"budget"`
	Worker  WorkerConfig  `yaml:"worker"`
	Reaper  ReaperConfig  `yaml:"reaper,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines persistent storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP status API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// BudgetConfig defines the daily spend ceiling and how "today" is computed.
type BudgetConfig struct {
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
	PerTaskCapUSD float64 `yaml:"per_task_cap_usd"`
	// Timezone is the operator's civil timezone (IANA name). Storage is
	// always UTC; the daily window is computed in this zone.
	Timezone string `yaml:"timezone"`
}

// WorkerConfig defines how worker processes are launched and bounded.
type WorkerConfig struct {
	// Mode selects the backend: "container" or "local".
	Mode string `yaml:"mode"`

	// Image is the container image for container mode.
	Image string `yaml:"image,omitempty"`

	// Command is the worker entrypoint for local mode.
	Command []string `yaml:"command,omitempty"`

	Model string `yaml:"model"`

	// Memory and CPUs are container resource ceilings (docker syntax).
	Memory string  `yaml:"memory,omitempty"`
	CPUs   float64 `yaml:"cpus,omitempty"`

	WorkDir     string   `yaml:"work_dir"`
	AllowedDirs []string `yaml:"allowed_dirs,omitempty"`

	TaskTimeout        time.Duration `yaml:"task_timeout"`
	MaxTurns           int           `yaml:"max_turns"`
	MaxHistoryMessages int           `yaml:"max_history_messages"`

	Capabilities            []string                   `yaml:"capabilities,omitempty"`
	LoadProjectInstructions bool                       `yaml:"load_project_instructions,omitempty"`
	MCPServers              map[string]MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one auxiliary tool-server available to a worker.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// ReaperConfig defines the orphan-worker sweep.
type ReaperConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression checked once a minute.
	Schedule string        `yaml:"schedule,omitempty"`
	MaxAge   time.Duration `yaml:"max_age,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "valet",
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/valet.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8800",
		},
		Budget: BudgetConfig{
			DailyLimitUSD: 10.0,
			PerTaskCapUSD: 1.0,
			Timezone:      "UTC",
		},
		Worker: WorkerConfig{
			Mode:               "local",
			Model:              "default",
			WorkDir:            ".",
			TaskTimeout:        10 * time.Minute,
			MaxTurns:           30,
			MaxHistoryMessages: 40,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Schedule: "*/10 * * * *",
			MaxAge:   2 * time.Hour,
		},
	}
}
