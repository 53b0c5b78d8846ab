// Package config holds the construction-time configuration of the channel
// pair and its provider. Configuration is read once at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. RUNTAP_EVENTS_NAME
	EnvPrefix = "RUNTAP"

	DefaultEventsName   = "runtap-events"
	DefaultCommandsName = "runtap-commands"

	// DefaultEventsSize matches the 20MB queue of the instrumented side
	DefaultEventsSize   = 20 * 1024 * 1024
	DefaultCommandsSize = 1024 * 1024

	maxEndpointSize = 1 << 30
)

// Providers that can back the channel pair
var Providers = []string{"memq", "natsq", "shmq"}

// EndpointConfig identifies one direction of the channel pair
type EndpointConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Size int    `mapstructure:"size" yaml:"size"`
}

// NATSConfig holds the connection settings of the natsq provider
type NATSConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Name           string        `mapstructure:"name" yaml:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// SHMConfig holds the settings of the shmq provider
type SHMConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Config is the complete runtap configuration
type Config struct {
	Provider string         `mapstructure:"provider" yaml:"provider"`
	Events   EndpointConfig `mapstructure:"events" yaml:"events"`
	Commands EndpointConfig `mapstructure:"commands" yaml:"commands"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	SHM      SHMConfig      `mapstructure:"shm" yaml:"shm"`

	// SendWaitTimeout bounds how long the sender sleeps without work
	SendWaitTimeout time.Duration `mapstructure:"send_wait_timeout" yaml:"send_wait_timeout"`
	// ReceivePollTimeout bounds a single dequeue attempt
	ReceivePollTimeout time.Duration `mapstructure:"receive_poll_timeout" yaml:"receive_poll_timeout"`
	// ShutdownTimeout bounds how long Close keeps delivering pending events
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`
	EmitGCRanges bool   `mapstructure:"emit_gc_ranges" yaml:"emit_gc_ranges"`
	MetricsAddr  string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Provider: "memq",
		Events:   EndpointConfig{Name: DefaultEventsName, Size: DefaultEventsSize},
		Commands: EndpointConfig{Name: DefaultCommandsName, Size: DefaultCommandsSize},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "runtap",
			MaxReconnects:  10,
			ReconnectWait:  time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		SHM:                SHMConfig{Dir: "/dev/shm"},
		SendWaitTimeout:    2 * time.Second,
		ReceivePollTimeout: 100 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           "info",
	}
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	d := DefaultConfig()

	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Events.Name == "" {
		c.Events.Name = d.Events.Name
	}
	if c.Events.Size == 0 {
		c.Events.Size = d.Events.Size
	}
	if c.Commands.Name == "" {
		c.Commands.Name = d.Commands.Name
	}
	if c.Commands.Size == 0 {
		c.Commands.Size = d.Commands.Size
	}
	if c.NATS.URL == "" {
		c.NATS.URL = d.NATS.URL
	}
	if c.NATS.Name == "" {
		c.NATS.Name = d.NATS.Name
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = d.NATS.ReconnectWait
	}
	if c.NATS.ConnectTimeout == 0 {
		c.NATS.ConnectTimeout = d.NATS.ConnectTimeout
	}
	if c.SHM.Dir == "" {
		c.SHM.Dir = d.SHM.Dir
	}
	if c.SendWaitTimeout == 0 {
		c.SendWaitTimeout = d.SendWaitTimeout
	}
	if c.ReceivePollTimeout == 0 {
		c.ReceivePollTimeout = d.ReceivePollTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate checks every field and returns ValidationErrors listing all problems
func (c *Config) Validate() error {
	var errs []ValidationError

	if !isProvider(c.Provider) {
		err := NewValidationError("provider",
			fmt.Sprintf("unknown provider %q", c.Provider),
			"use one of "+strings.Join(Providers, ", "))
		err.CurrentValue = c.Provider
		err.ValidValues = Providers
		errs = append(errs, err)
	}

	errs = append(errs, c.Events.validate("events")...)
	errs = append(errs, c.Commands.validate("commands")...)
	if c.Events.Name != "" && c.Events.Name == c.Commands.Name {
		errs = append(errs, NewValidationError("commands.name",
			"events and commands must use different endpoints",
			"pick a distinct commands.name"))
	}

	if c.Provider == "natsq" && c.NATS.URL == "" {
		errs = append(errs, NewValidationError("nats.url", "url cannot be empty", "set nats.url, e.g. nats://localhost:4222"))
	}
	if c.Provider == "shmq" && c.SHM.Dir == "" {
		errs = append(errs, NewValidationError("shm.dir", "directory cannot be empty", "set shm.dir, e.g. /dev/shm"))
	}

	for field, d := range map[string]time.Duration{
		"send_wait_timeout":    c.SendWaitTimeout,
		"receive_poll_timeout": c.ReceivePollTimeout,
		"shutdown_timeout":     c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, NewValidationError(field,
				fmt.Sprintf("must be positive, got %v", d), "use a duration such as 100ms or 2s"))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, NewValidationError("log_level",
			fmt.Sprintf("unknown level %q", c.LogLevel), "use debug, info, warn or error"))
	}

	if len(errs) > 0 {
		return ValidationErrors{Errors: errs}
	}
	return nil
}

func (e EndpointConfig) validate(prefix string) []ValidationError {
	var errs []ValidationError
	if e.Name == "" {
		errs = append(errs, NewValidationError(prefix+".name", "name cannot be empty", "set a unique endpoint name"))
	}
	if strings.ContainsAny(e.Name, "/ \t*>") {
		errs = append(errs, NewValidationError(prefix+".name",
			fmt.Sprintf("name %q contains reserved characters", e.Name), "use letters, digits, '-', '_' and '.'"))
	}
	if e.Size <= 0 || e.Size > maxEndpointSize {
		errs = append(errs, NewValidationError(prefix+".size",
			fmt.Sprintf("size must be in (0, %d], got %d", maxEndpointSize, e.Size), "use a size such as 1048576"))
	}
	return errs
}

func isProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// WithSession returns a copy whose endpoint names are suffixed with a
// session id, so that concurrent sessions never share an endpoint.
func (c *Config) WithSession(id uuid.UUID) *Config {
	out := *c
	out.Events.Name = fmt.Sprintf("%s-%s", c.Events.Name, id)
	out.Commands.Name = fmt.Sprintf("%s-%s", c.Commands.Name, id)
	return &out
}

// NewViper returns a viper instance preloaded with defaults and bound to
// RUNTAP_ environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("provider", d.Provider)
	v.SetDefault("events.name", d.Events.Name)
	v.SetDefault("events.size", d.Events.Size)
	v.SetDefault("commands.name", d.Commands.Name)
	v.SetDefault("commands.size", d.Commands.Size)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)
	v.SetDefault("shm.dir", d.SHM.Dir)
	v.SetDefault("send_wait_timeout", d.SendWaitTimeout)
	v.SetDefault("receive_poll_timeout", d.ReceivePollTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("emit_gc_ranges", d.EmitGCRanges)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	return v
}

// Load reads the configuration file (if any) and environment into a
// validated Config. An empty file means defaults and environment only.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, ConfigError{Type: "read", File: file, Message: err.Error(), Cause: err}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, ConfigError{Type: "decode", File: file, Message: err.Error(), Cause: err}
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
