package config

import (
	"errors"
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

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	DBus        DBusConfig        `yaml:"dbus"`
	Audio       AudioConfig       `yaml:"audio"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Bus         BusConfig         `yaml:"bus"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Journal     JournalConfig     `yaml:"journal"`
}

// DBusConfig selects the message bus providers are found on. An empty
// address means the session bus.
type DBusConfig struct {
	Address            string `yaml:"address"`
	CallTimeout        int    `yaml:"call_timeout_ms"`
	CollectConcurrency int    `yaml:"collect_concurrency"`
}

type AudioConfig struct {
	Sink       string `yaml:"sink"` // auto, exec, wav, discard
	Command    string `yaml:"command"`
	OutputPath string `yaml:"output_path"`
}

type PreferencesConfig struct {
	Path            string `yaml:"path"`
	InMemory        bool   `yaml:"in_memory"`
	DefaultProvider string `yaml:"default_provider"`
	DefaultVoice    string `yaml:"default_voice"`
}

// BusConfig is the NATS connection used by the bridge.
type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type BridgeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speechd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		DBus: DBusConfig{
			CallTimeout:        5000,
			CollectConcurrency: 8,
		},
		Audio: AudioConfig{
			Sink: "auto",
		},
		Preferences: PreferencesConfig{
			Path: "./data/preferences",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Bridge: BridgeConfig{
			Enabled:       true,
			SubjectPrefix: "speech",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "./data/loqa-speech.db",
			RetentionDays: 30,
			MaxUtterances: 10000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.DBus.Address, "LOQA_DBUS_ADDRESS")
	overrideInt(&cfg.DBus.CallTimeout, "LOQA_DBUS_CALL_TIMEOUT_MS")
	overrideInt(&cfg.DBus.CollectConcurrency, "LOQA_DBUS_COLLECT_CONCURRENCY")
	overrideString(&cfg.Audio.Sink, "LOQA_AUDIO_SINK")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.OutputPath, "LOQA_AUDIO_OUTPUT_PATH")
	overrideString(&cfg.Preferences.Path, "LOQA_PREFERENCES_PATH")
	overrideBool(&cfg.Preferences.InMemory, "LOQA_PREFERENCES_IN_MEMORY")
	overrideString(&cfg.Preferences.DefaultProvider, "LOQA_PREFERENCES_DEFAULT_PROVIDER")
	overrideString(&cfg.Preferences.DefaultVoice, "LOQA_PREFERENCES_DEFAULT_VOICE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bridge.Enabled, "LOQA_BRIDGE_ENABLED")
	overrideString(&cfg.Bridge.SubjectPrefix, "LOQA_BRIDGE_SUBJECT_PREFIX")
	overrideBool(&cfg.Journal.Enabled, "LOQA_JOURNAL_ENABLED")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxUtterances, "LOQA_JOURNAL_MAX_UTTERANCES")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.DBus.CallTimeout <= 0 {
		return errors.New("dbus.call_timeout_ms must be positive")
	}
	if cfg.DBus.CollectConcurrency <= 0 {
		return errors.New("dbus.collect_concurrency must be >= 1")
	}
	switch cfg.Audio.Sink {
	case "auto", "discard":
	case "exec":
		// An empty command selects the default player.
	case "wav":
		if cfg.Audio.OutputPath == "" {
			return errors.New("audio.output_path must be set when sink=wav")
		}
	default:
		return errors.New("audio.sink must be one of auto|exec|wav|discard")
	}
	if !cfg.Preferences.InMemory && cfg.Preferences.Path == "" {
		return errors.New("preferences.path must not be empty unless in_memory is set")
	}
	if (cfg.Preferences.DefaultProvider == "") != (cfg.Preferences.DefaultVoice == "") {
		return errors.New("preferences.default_provider and preferences.default_voice must be set together")
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.SubjectPrefix == "" || strings.ContainsAny(cfg.Bridge.SubjectPrefix, " *>") {
			return errors.New("bridge.subject_prefix must be a literal NATS subject")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
		if cfg.Journal.RetentionDays < 0 {
			return errors.New("journal.retention_days must be >= 0")
		}
		if cfg.Journal.MaxUtterances < 0 {
			return errors.New("journal.max_utterances must be >= 0")
		}
	}
	return nil
}
