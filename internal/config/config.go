package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	SendTimeoutMS    int `yaml:"send_timeout_ms"`
	PersistTimeoutMS int `yaml:"persist_timeout_ms"`
	LockStripes      int `yaml:"lock_stripes"`
	MaxTombstones    int `yaml:"max_tombstones"`
}

type SnapshotStoreConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Sync          SyncConfig          `yaml:"sync"`
	SnapshotStore SnapshotStoreConfig `yaml:"snapshot_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "parley-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Sync: SyncConfig{
			SendTimeoutMS:    5000,
			PersistTimeoutMS: 2000,
			LockStripes:      64,
			MaxTombstones:    4096,
		},
		SnapshotStore: SnapshotStoreConfig{
			Path:             "./data/parley-snapshots.db",
			RetentionMode:    "session",
			RetentionDays:    30,
			MaxConversations: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PARLEY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARLEY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARLEY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARLEY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARLEY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARLEY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARLEY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PARLEY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "PARLEY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PARLEY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARLEY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PARLEY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARLEY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARLEY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARLEY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARLEY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARLEY_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Sync.SendTimeoutMS, "PARLEY_SYNC_SEND_TIMEOUT_MS")
	overrideInt(&cfg.Sync.PersistTimeoutMS, "PARLEY_SYNC_PERSIST_TIMEOUT_MS")
	overrideInt(&cfg.Sync.LockStripes, "PARLEY_SYNC_LOCK_STRIPES")
	overrideInt(&cfg.Sync.MaxTombstones, "PARLEY_SYNC_MAX_TOMBSTONES")
	overrideString(&cfg.SnapshotStore.Path, "PARLEY_SNAPSHOT_STORE_PATH")
	overrideString(&cfg.SnapshotStore.RetentionMode, "PARLEY_SNAPSHOT_STORE_RETENTION_MODE")
	overrideInt(&cfg.SnapshotStore.RetentionDays, "PARLEY_SNAPSHOT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SnapshotStore.MaxConversations, "PARLEY_SNAPSHOT_STORE_MAX_CONVERSATIONS")
	overrideBool(&cfg.SnapshotStore.VacuumOnStart, "PARLEY_SNAPSHOT_STORE_VACUUM_ON_START")
}

func validate(cfg Config) error {
	switch cfg.SnapshotStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return fmt.Errorf("invalid snapshot store retention mode %q", cfg.SnapshotStore.RetentionMode)
	}
	if cfg.SnapshotStore.RetentionMode != "ephemeral" && cfg.SnapshotStore.Path == "" {
		return fmt.Errorf("snapshot store path required for retention mode %q", cfg.SnapshotStore.RetentionMode)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", cfg.HTTP.Port)
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return fmt.Errorf("bus enabled but no servers configured")
	}
	if cfg.Sync.SendTimeoutMS < 0 || cfg.Sync.PersistTimeoutMS < 0 {
		return fmt.Errorf("sync timeouts must not be negative")
	}
	if cfg.Sync.LockStripes < 0 {
		return fmt.Errorf("sync lock stripes must not be negative")
	}
	return nil
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}
