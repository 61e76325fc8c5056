package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/filter"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
)

// Config is everything needed to run one pipeline instance and its tooling.
type Config struct {
	Pipeline   PipelineConfig
	Source     SourceConfig
	Output     OutputConfig
	BadRecords BadRecordsConfig
	Checkpoint CheckpointConfig
	Status     StatusConfig
	Transfer   TransferConfig
	Log        LogConfig
}

type PipelineConfig struct {
	Instance            string
	TriggerInterval     time.Duration
	PollTimeout         time.Duration
	CheckpointTimeout   time.Duration
	ShutdownTimeout     time.Duration
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
	StalenessWindow     time.Duration
	FilterRules         []filter.Rule
	ProvenanceField     string
	OffsetField         string
}

type SourceConfig struct {
	Storage             storage.Config
	Prefix              string
	MaxRecordsPerPoll   int
	MaxBytesPerPoll     int64
	MaxUnitsPerPoll     int
	MalformedRecordMode string
	ReadConcurrency     int
	MaxReadAttempts     int
}

type OutputConfig struct {
	Storage           storage.Config
	Prefix            string
	MaxRecordsPerFile int
	MaxBytesPerFile   int64
	AppendMode        string
	FlushTimeout      time.Duration
}

type BadRecordsConfig struct {
	Storage   storage.Config
	Prefix    string
	QueueSize int
}

type CheckpointConfig struct {
	Kind        string // file, object, redis, postgres
	Dir         string
	Storage     storage.Config
	Prefix      string
	RedisURL    string
	RedisHost   string
	RedisPort   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
	DatabaseURL string
	Table       string
}

type StatusConfig struct {
	Enabled        bool
	Port           string
	Mode           string
	AllowedOrigins []string
}

type TransferConfig struct {
	Storage     storage.Config
	Concurrency int
	FailFast    bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads .env, an optional config file (YAML, JSON or TOML) and the environment.
// Environment variables win over the file; keys are the upper-case form of the file keys.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	rules, err := filterRules(v)
	if err != nil {
		return nil, err
	}

	instance := v.GetString("pipeline_instance")
	cfg := &Config{
		Pipeline: PipelineConfig{
			Instance:            instance,
			TriggerInterval:     v.GetDuration("trigger_interval"),
			PollTimeout:         v.GetDuration("poll_timeout"),
			CheckpointTimeout:   v.GetDuration("checkpoint_timeout"),
			ShutdownTimeout:     v.GetDuration("shutdown_timeout"),
			RetryBackoffInitial: v.GetDuration("retry_backoff_initial"),
			RetryBackoffMax:     v.GetDuration("retry_backoff_max"),
			StalenessWindow:     v.GetDuration("staleness_window"),
			FilterRules:         rules,
			ProvenanceField:     v.GetString("provenance_field"),
			OffsetField:         v.GetString("offset_field"),
		},
		Source: SourceConfig{
			Storage:             storageConfig(v, "source"),
			Prefix:              v.GetString("source_prefix"),
			MaxRecordsPerPoll:   v.GetInt("max_records_per_poll"),
			MaxBytesPerPoll:     v.GetInt64("max_bytes_per_poll"),
			MaxUnitsPerPoll:     v.GetInt("max_units_per_poll"),
			MalformedRecordMode: v.GetString("malformed_record_mode"),
			ReadConcurrency:     v.GetInt("source_read_concurrency"),
			MaxReadAttempts:     v.GetInt("max_unit_read_attempts"),
		},
		Output: OutputConfig{
			Storage:           storageConfig(v, "output"),
			Prefix:            v.GetString("output_prefix"),
			MaxRecordsPerFile: v.GetInt("max_records_per_file"),
			MaxBytesPerFile:   v.GetInt64("max_bytes_per_file"),
			AppendMode:        v.GetString("append_mode"),
			FlushTimeout:      v.GetDuration("flush_timeout"),
		},
		BadRecords: BadRecordsConfig{
			Storage:   storageConfig(v, "bad_records"),
			Prefix:    v.GetString("bad_records_prefix"),
			QueueSize: v.GetInt("bad_records_queue_size"),
		},
		Checkpoint: CheckpointConfig{
			Kind:        v.GetString("checkpoint_kind"),
			Dir:         v.GetString("checkpoint_dir"),
			Storage:     storageConfig(v, "checkpoint"),
			Prefix:      v.GetString("checkpoint_prefix"),
			RedisURL:    v.GetString("redis_url"),
			RedisHost:   v.GetString("redis_host"),
			RedisPort:   v.GetString("redis_port"),
			RedisPass:   v.GetString("redis_password"),
			RedisDB:     v.GetInt("redis_db"),
			RedisPrefix: v.GetString("redis_checkpoint_prefix"),
			DatabaseURL: v.GetString("database_url"),
			Table:       v.GetString("checkpoint_table"),
		},
		Status: StatusConfig{
			Enabled:        v.GetBool("status_enabled"),
			Port:           v.GetString("status_port"),
			Mode:           v.GetString("status_mode"),
			AllowedOrigins: v.GetStringSlice("status_allowed_origins"),
		},
		Transfer: TransferConfig{
			Storage:     storageConfig(v, "transfer"),
			Concurrency: v.GetInt("transfer_concurrency"),
			FailFast:    v.GetBool("transfer_fail_fast"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("pipeline_instance", "ingest-"+hostname)
	v.SetDefault("trigger_interval", "10s")
	v.SetDefault("poll_timeout", "5m")
	v.SetDefault("checkpoint_timeout", "30s")
	v.SetDefault("shutdown_timeout", "2m")
	v.SetDefault("retry_backoff_initial", "1s")
	v.SetDefault("retry_backoff_max", "1m")
	v.SetDefault("staleness_window", "15m")
	v.SetDefault("filter_field", "operation_successful")
	v.SetDefault("filter_operator", string(filter.OpEq))
	v.SetDefault("filter_value", "yes")
	v.SetDefault("provenance_field", filter.DefaultProvenanceField)
	v.SetDefault("offset_field", "")

	for _, p := range []string{"source", "output", "bad_records", "checkpoint", "transfer"} {
		v.SetDefault(p+"_storage_kind", storage.KindLocal)
		v.SetDefault(p+"_storage_root", "./data")
		v.SetDefault(p+"_storage_use_ssl", true)
	}
	v.SetDefault("source_prefix", "input")
	v.SetDefault("max_records_per_poll", 10000)
	v.SetDefault("max_bytes_per_poll", int64(10_000_000_000))
	v.SetDefault("max_units_per_poll", 10)
	v.SetDefault("malformed_record_mode", "permissive")
	v.SetDefault("source_read_concurrency", 4)
	v.SetDefault("max_unit_read_attempts", 10)

	v.SetDefault("output_prefix", "output")
	v.SetDefault("max_records_per_file", 419400)
	v.SetDefault("max_bytes_per_file", 0)
	v.SetDefault("append_mode", "append")
	v.SetDefault("flush_timeout", "2m")

	v.SetDefault("bad_records_prefix", "bad_records")
	v.SetDefault("bad_records_queue_size", 64)

	v.SetDefault("checkpoint_kind", "file")
	v.SetDefault("checkpoint_dir", "./data/checkpoints")
	v.SetDefault("checkpoint_prefix", "checkpoints")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_checkpoint_prefix", "ingest:checkpoint:")
	v.SetDefault("database_url", "")
	v.SetDefault("checkpoint_table", "ingest_checkpoints")

	v.SetDefault("status_enabled", true)
	v.SetDefault("status_port", "8080")
	v.SetDefault("status_mode", "release")
	v.SetDefault("status_allowed_origins", []string{"*"})

	v.SetDefault("transfer_concurrency", 4)
	v.SetDefault("transfer_fail_fast", false)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// storageConfig reads <prefix>_storage_* keys, e.g. SOURCE_STORAGE_KIND.
func storageConfig(v *viper.Viper, prefix string) storage.Config {
	key := func(name string) string { return prefix + "_storage_" + name }
	return storage.Config{
		Kind:      v.GetString(key("kind")),
		Bucket:    v.GetString(key("bucket")),
		Root:      v.GetString(key("root")),
		Endpoint:  v.GetString(key("endpoint")),
		Region:    v.GetString(key("region")),
		UseSSL:    v.GetBool(key("use_ssl")),
		AccessKey: v.GetString(key("access_key")),
		SecretKey: v.GetString(key("secret_key")),
	}
}

// filterRules prefers a filter_rules list from the config file and falls back to the
// single filter_field/filter_operator/filter_value rule. An empty filter_field disables it.
func filterRules(v *viper.Viper) ([]filter.Rule, error) {
	if v.IsSet("filter_rules") {
		var rules []filter.Rule
		if err := v.UnmarshalKey("filter_rules", &rules); err != nil {
			return nil, fmt.Errorf("decode filter_rules: %w", err)
		}
		return rules, nil
	}
	field := strings.TrimSpace(v.GetString("filter_field"))
	if field == "" {
		return nil, nil
	}
	return []filter.Rule{{
		Field:    field,
		Operator: filter.Operator(v.GetString("filter_operator")),
		Value:    v.GetString("filter_value"),
	}}, nil
}

// Validate checks enums and limits before any component is built.
func (c *Config) Validate() error {
	var problems []string
	if c.Pipeline.Instance == "" {
		problems = append(problems, "pipeline_instance must be set")
	}
	if c.Pipeline.TriggerInterval <= 0 {
		problems = append(problems, "trigger_interval must be positive")
	}
	if c.Pipeline.StalenessWindow < 0 {
		problems = append(problems, "staleness_window must not be negative")
	}
	if c.Source.MaxRecordsPerPoll <= 0 {
		problems = append(problems, "max_records_per_poll must be positive")
	}
	if c.Source.MaxBytesPerPoll <= 0 {
		problems = append(problems, "max_bytes_per_poll must be positive")
	}
	if c.Output.MaxRecordsPerFile <= 0 {
		problems = append(problems, "max_records_per_file must be positive")
	}
	if c.Source.MaxReadAttempts < 0 {
		problems = append(problems, "max_unit_read_attempts must not be negative")
	}
	switch c.Source.MalformedRecordMode {
	case "permissive", "fail_fast":
	default:
		problems = append(problems, fmt.Sprintf("malformed_record_mode %q must be permissive or fail_fast", c.Source.MalformedRecordMode))
	}
	switch c.Output.AppendMode {
	case "append", "overwrite":
	default:
		problems = append(problems, fmt.Sprintf("append_mode %q must be append or overwrite", c.Output.AppendMode))
	}
	switch c.Checkpoint.Kind {
	case "file", "object", "redis":
	case "postgres":
		if c.Checkpoint.DatabaseURL == "" {
			problems = append(problems, "database_url is required for postgres checkpoints")
		}
	default:
		problems = append(problems, fmt.Sprintf("checkpoint_kind %q must be file, object, redis or postgres", c.Checkpoint.Kind))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
