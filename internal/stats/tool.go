package stats

import (
	"os"
	"strconv"

	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/task"
)

// ToolName is the key under which the stats tool server appears in every
// task's tool server map.
const ToolName = "valet_stats"

// Environment passed to the tool server process.
const (
	EnvDBPath        = "VALET_STATS_DB"
	EnvDailyLimitUSD = "VALET_STATS_DAILY_LIMIT_USD"
	EnvTimezone      = "VALET_STATS_TIMEZONE"
)

// ToolServer builds the stats tool server definition for a task. The worker
// runtime launches the binary with "stats serve"; the process reads its
// database path and budget context from the environment.
func ToolServer(cfg *config.Config) task.ToolServer {
	exe, err := os.Executable()
	if err != nil {
		exe = "valet"
	}
	return task.ToolServer{
		Command: exe,
		Args:    []string{"stats", "serve"},
		Env: map[string]string{
			EnvDBPath:        cfg.State.Path,
			EnvDailyLimitUSD: strconv.FormatFloat(cfg.Budget.DailyLimitUSD, 'f', -1, 64),
			EnvTimezone:      cfg.Budget.Timezone,
		},
	}
}
