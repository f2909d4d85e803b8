package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/hostdeck.db"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// DisableAuth skips bearer-token checks and seeds a localhost host.
	// Also read from the unprefixed DISABLE_AUTH variable.
	DisableAuth bool   `envconfig:"DISABLE_AUTH" default:"false"`
	APIToken    string `envconfig:"API_TOKEN" default:""`
	// AllowedNetworks is a comma-separated list of client IPs and CIDRs
	// permitted to call the API; empty allows all.
	AllowedNetworks string `envconfig:"ALLOWED_NETWORKS" default:""`

	CacheBackend  string        `envconfig:"CACHE_BACKEND" default:"redis"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"0"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// Connection probe policy used by add-host and test-connection.
	ProbeRetries  int           `envconfig:"PROBE_RETRIES" default:"2"`
	ProbeDelay    time.Duration `envconfig:"PROBE_DELAY" default:"2s"`
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`
	ProbeMaxDelay time.Duration `envconfig:"PROBE_MAX_DELAY" default:"30s"`

	ActivityWindow time.Duration `envconfig:"ACTIVITY_WINDOW" default:"5m"`
	ExecTimeout    time.Duration `envconfig:"EXEC_TIMEOUT" default:"60s"`

	// System metrics snapshots are reused for SystemMetricsTTL; up to
	// SystemMetricsHistory snapshots are kept per host.
	SystemMetricsTTL     time.Duration `envconfig:"SYSTEM_METRICS_TTL" default:"60s"`
	SystemMetricsHistory int           `envconfig:"SYSTEM_METRICS_HISTORY" default:"1000"`

	MonitorSchedule    string `envconfig:"MONITOR_SCHEDULE" default:"@every 1m"`
	MonitorConcurrency int    `envconfig:"MONITOR_CONCURRENCY" default:"4"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`

	SeedFile        string `envconfig:"SEED_FILE" default:""`
	SSHConfigPath   string `envconfig:"SSH_CONFIG_PATH" default:""`
	DefaultHostUser string `envconfig:"DEFAULT_HOST_USER" default:"root"`
}

var Cfg Settings

func Load() error {
	return envconfig.Process("HOSTDECK", &Cfg)
}
