// Package config loads and validates service configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the escalator service.
type Config struct {
	Pyrus      PyrusConfig      `yaml:"pyrus"`
	Escalation EscalationConfig `yaml:"escalation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PyrusConfig carries credentials and identity for the Pyrus API.
type PyrusConfig struct {
	Login            string `yaml:"login" validate:"required"`
	SecurityKey      string `yaml:"security_key" validate:"required"`
	LoginAdmin       string `yaml:"login_admin"`
	SecurityKeyAdmin string `yaml:"security_key_admin"`
	BotID            int    `yaml:"bot_id" validate:"required,gt=0"`
}

// EscalationConfig configures the escalation chain.
type EscalationConfig struct {
	FirstManagerID  int    `yaml:"first_manager_id" validate:"required,gt=0"`
	SecondManagerID int    `yaml:"second_manager_id" validate:"required,gt=0"`
	SubjectFormID   int    `yaml:"subject_form_id"`
	ClientFieldID   int    `yaml:"client_field_id"`
	Timezone        string `yaml:"timezone"`
}

// SchedulerConfig configures the scanner tick and worker pool.
type SchedulerConfig struct {
	ScanInterval      int `yaml:"scan_interval" validate:"gt=0"`
	MaxWorkers        int `yaml:"max_workers" validate:"gt=0"`
	LockExpiryMinutes int `yaml:"lock_expiry_minutes" validate:"gt=0"`
	LimitProcessTasks int `yaml:"limit_process_tasks" validate:"gt=0"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Escalation: EscalationConfig{
			Timezone: "Europe/Moscow",
		},
		Scheduler: SchedulerConfig{
			ScanInterval:      60,
			MaxWorkers:        5,
			LockExpiryMinutes: 15,
			LimitProcessTasks: 100,
		},
		Database: DatabaseConfig{
			Path: "escalator.db",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides configuration values from environment variables.
// Unset variables leave the current value untouched; unparsable numeric
// values are ignored.
func (c *Config) LoadFromEnv() {
	setString(&c.Pyrus.Login, "LOGIN")
	setString(&c.Pyrus.SecurityKey, "SECURITY_KEY")
	setString(&c.Pyrus.LoginAdmin, "LOGIN_ADMIN")
	setString(&c.Pyrus.SecurityKeyAdmin, "SECURITY_KEY_ADMIN")
	setInt(&c.Pyrus.BotID, "BOT_ID")

	setInt(&c.Escalation.FirstManagerID, "FIRST_MANAGER_ID")
	setInt(&c.Escalation.SecondManagerID, "SECOND_MANAGER_ID")
	setInt(&c.Escalation.SubjectFormID, "SUBJECT_FORM_ID")
	setInt(&c.Escalation.ClientFieldID, "CLIENT_FIELD_ID")
	setString(&c.Escalation.Timezone, "TIMEZONE")

	setInt(&c.Scheduler.ScanInterval, "SCAN_INTERVAL")
	setInt(&c.Scheduler.MaxWorkers, "MAX_WORKERS")
	setInt(&c.Scheduler.LockExpiryMinutes, "LOCK_EXPIRY_MINUTES")
	setInt(&c.Scheduler.LimitProcessTasks, "LIMIT_PROCESS_TASKS")

	setString(&c.Database.Path, "DATABASE_PATH")
	setInt(&c.Server.Port, "PORT")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ResolveDatabasePath resolves the database path relative to base when it
// is not absolute.
func (c *Config) ResolveDatabasePath(base string) string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(base, c.Database.Path)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
