// Package config handles loading the pipeline configuration from an
// optional YAML file and environment variables (populated from .env in main).
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	InputDir           string        `yaml:"input_dir"`
	FilePattern        string        `yaml:"file_pattern"`
	CleanSource        string        `yaml:"clean_source"`
	ArchiveDir         string        `yaml:"archive_dir"`
	MaxFilesPerTrigger int           `yaml:"max_files_per_trigger"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Watch              bool          `yaml:"watch"`
	Workers            int           `yaml:"workers"`

	CheckpointDir string `yaml:"checkpoint_dir"`

	DeadLetterBackend string `yaml:"dead_letter_backend"`
	DeadLetterPath    string `yaml:"dead_letter_path"`
	MongoConnString   string `yaml:"mongo_connection_string"`
	MongoDatabase     string `yaml:"mongo_database"`
	MongoCollection   string `yaml:"mongo_collection"`

	SQLDriver      string        `yaml:"sql_driver"`
	SQLConnString  string        `yaml:"sql_connection_string"`
	SinkTable      string        `yaml:"sink_table"`
	CreateTable    bool          `yaml:"create_table"`
	MaxOpenConns   int           `yaml:"max_open_conns"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	LogFile string `yaml:"log_file"`
	Debug   bool   `yaml:"debug"`
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	return &Config{
		InputDir:           "input",
		FilePattern:        "*.json",
		CleanSource:        "archive",
		MaxFilesPerTrigger: 1,
		PollInterval:       5 * time.Second,
		Workers:            4,
		CheckpointDir:      "chk-point-dir",
		DeadLetterBackend:  "file",
		DeadLetterPath:     "dead-letter/quarantine.jsonl",
		MongoDatabase:      "invoices",
		MongoCollection:    "dead_letters",
		SQLDriver:          "sqlserver",
		SinkTable:          "invoice_items",
		MaxOpenConns:       4,
		WriteTimeout:       30 * time.Second,
		MaxRetries:         5,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("INPUT_DIR", &c.InputDir)
	envString("FILE_PATTERN", &c.FilePattern)
	envString("CLEAN_SOURCE", &c.CleanSource)
	envString("ARCHIVE_DIR", &c.ArchiveDir)
	envString("CHECKPOINT_DIR", &c.CheckpointDir)
	envString("DEAD_LETTER_BACKEND", &c.DeadLetterBackend)
	envString("DEAD_LETTER_PATH", &c.DeadLetterPath)
	envString("MONGO_CONNECTION_STRING", &c.MongoConnString)
	envString("MONGO_DATABASE", &c.MongoDatabase)
	envString("MONGO_COLLECTION", &c.MongoCollection)
	envString("SQL_DRIVER", &c.SQLDriver)
	envString("SQL_CONNECTION_STRING", &c.SQLConnString)
	envString("SINK_TABLE", &c.SinkTable)
	envString("LOG_FILE", &c.LogFile)

	return errors.Join(
		envInt("MAX_FILES_PER_TRIGGER", &c.MaxFilesPerTrigger),
		envInt("WORKERS", &c.Workers),
		envInt("MAX_OPEN_CONNS", &c.MaxOpenConns),
		envInt("SINK_MAX_RETRIES", &c.MaxRetries),
		envDuration("POLL_INTERVAL", &c.PollInterval),
		envDuration("SINK_WRITE_TIMEOUT", &c.WriteTimeout),
		envDuration("SINK_INITIAL_BACKOFF", &c.InitialBackoff),
		envDuration("SINK_MAX_BACKOFF", &c.MaxBackoff),
		envBool("WATCH", &c.Watch),
		envBool("CREATE_TABLE", &c.CreateTable),
		envBool("DEBUG", &c.Debug),
	)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if c.SQLConnString == "" {
		errs = append(errs, errors.New("SQL_CONNECTION_STRING environment variable not set"))
	}
	switch c.SQLDriver {
	case "sqlserver", "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unsupported SQL driver %q (want sqlserver, sqlite3 or pgx)", c.SQLDriver))
	}
	if !tableName.MatchString(c.SinkTable) {
		errs = append(errs, fmt.Errorf("invalid sink table name %q", c.SinkTable))
	}
	if c.InputDir == "" {
		errs = append(errs, errors.New("input directory is required"))
	}
	if c.CheckpointDir == "" {
		errs = append(errs, errors.New("checkpoint directory is required"))
	}
	switch c.CleanSource {
	case "archive", "delete":
	default:
		errs = append(errs, fmt.Errorf("clean source must be archive or delete, got %q", c.CleanSource))
	}
	switch c.DeadLetterBackend {
	case "file":
		if c.DeadLetterPath == "" {
			errs = append(errs, errors.New("dead-letter path is required for the file backend"))
		}
	case "mongo":
		if c.MongoConnString == "" {
			errs = append(errs, errors.New("MONGO_CONNECTION_STRING environment variable not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("dead-letter backend must be file or mongo, got %q", c.DeadLetterBackend))
	}
	if c.MaxFilesPerTrigger < 1 {
		errs = append(errs, fmt.Errorf("max files per trigger must be at least 1, got %d", c.MaxFilesPerTrigger))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("backoff must satisfy 0 < initial <= max"))
	}

	return errors.Join(errs...)
}
