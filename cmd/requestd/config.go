package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log" validate:"required"`
	Manager    ManagerConfig    `mapstructure:"manager" validate:"required"`
	Store      StoreConfig      `mapstructure:"store" validate:"required"`
	UI         UIConfig         `mapstructure:"ui"`
	Simulation SimulationConfig `mapstructure:"simulation"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ManagerConfig configures the task manager.
type ManagerConfig struct {
	Concurrency        int           `mapstructure:"concurrency" validate:"gt=0,lte=64"`
	SweepSchedule      string        `mapstructure:"sweep_schedule" validate:"required,cronspec"`
	IdleCheckInterval  time.Duration `mapstructure:"idle_check_interval" validate:"gt=0"`
	NetworkSettleDelay time.Duration `mapstructure:"network_settle_delay" validate:"gte=0"`
	ServiceID          int32         `mapstructure:"service_id" validate:"gt=0"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the history store.
type StoreConfig struct {
	Type  string `mapstructure:"type" validate:"required,oneof=memory sqlite mysql mongodb"`
	URL   string `mapstructure:"url" validate:"required_unless=Type memory"`
	Debug bool   `mapstructure:"debug"`
}

// UIConfig configures the dashboard. An empty address disables it.
type UIConfig struct {
	Addr      string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Public    string        `mapstructure:"public" validate:"omitempty,dir"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gt=0"`
	Burst     int           `mapstructure:"burst" validate:"gt=0"`
}

// SimulationConfig controls the simulated runner.
type SimulationConfig struct {
	RunTime     time.Duration `mapstructure:"run_time" validate:"gte=0"`
	FailureRate float64       `mapstructure:"failure_rate" validate:"gte=0,lte=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("manager.concurrency", 4)
	v.SetDefault("manager.sweep_schedule", "*/30 * * * *")
	v.SetDefault("manager.idle_check_interval", "60s")
	v.SetDefault("manager.network_settle_delay", "10s")
	v.SetDefault("manager.service_id", 3706)
	v.SetDefault("manager.shutdown_timeout", "-1s")
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.url", "")
	v.SetDefault("store.debug", false)
	v.SetDefault("ui.addr", "127.0.0.1:12345")
	v.SetDefault("ui.public", "")
	v.SetDefault("ui.interval", "1s")
	v.SetDefault("ui.rate_limit", 5.0)
	v.SetDefault("ui.burst", 10)
	v.SetDefault("simulation.run_time", "7s")
	v.SetDefault("simulation.failure_rate", 0.05)
}

// newViper prepares a viper instance that reads the given file, or
// requestd.yaml in the current directory, and REQUESTD_ prefixed
// environment variables. Environment variables take precedence.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("requestd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("REQUESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// loadConfig decodes and validates the configuration held by v.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("cronspec", validateCronSpec); err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func validateCronSpec(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// sweepSchedule returns the parsed sweep schedule.
func (c ManagerConfig) sweepSchedule() (cron.Schedule, error) {
	return cron.ParseStandard(c.SweepSchedule)
}
