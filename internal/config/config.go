// Package config loads and watches the engine's configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every tunable named in the glossary. Per-transport values
// follow the <transport>_<name> / default_<name> override pattern (§6);
// Defaults carries the default_* values and Transport carries any
// <transport>_* overrides found in the file.
type Config struct {
	Queue     QueueConfig               `mapstructure:"queue"`
	Defaults  TransportTunables         `mapstructure:"defaults"`
	Transport map[string]TransportTunables `mapstructure:"transport"`

	DeferredTransports []string          `mapstructure:"deferred_transports"`
	RelocatedTable     map[string]string `mapstructure:"relocated_table"`
	VirtualTable       map[string]string `mapstructure:"virtual_table"`
	DoubleBounceAddr   string            `mapstructure:"double_bounce_address"`

	TriggerSocketPath string `mapstructure:"trigger_socket_path"`

	Logging    LoggingConfig    `mapstructure:"logging"`
	Introspect IntrospectConfig `mapstructure:"introspect"`
}

// QueueConfig describes the on-disk queue directory layout and the
// leaky-bucket / retry parameters (§4.4, §4.8, §5).
type QueueConfig struct {
	Directory string `mapstructure:"directory"`

	QueueRunDelay time.Duration `mapstructure:"queue_run_delay"`

	MessageActiveLimit    int `mapstructure:"qmgr_message_active_limit"`
	MessageRecipientLimit int `mapstructure:"qmgr_message_recipient_limit"`

	MinBackoff          time.Duration `mapstructure:"min_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	MaximalQueueLifetime time.Duration `mapstructure:"maximal_queue_lifetime"`
	TransportRetryTime   time.Duration `mapstructure:"transport_retry_time"`

	RequestDSNSuccess bool `mapstructure:"request_dsn_success"`
}

// IncomingDir, DeferredDir, ActiveDir, CorruptDir are the four fixed
// subdirectories under Directory (§6 "Queue directory layout").
func (q QueueConfig) IncomingDir() string { return q.Directory + "/incoming" }
func (q QueueConfig) DeferredDir() string { return q.Directory + "/deferred" }
func (q QueueConfig) ActiveDir() string   { return q.Directory + "/active" }
func (q QueueConfig) CorruptDir() string  { return q.Directory + "/corrupt" }

// TransportTunables is the set of per-transport parameters that follow the
// default_<name> / <transport>_<name> override pattern.
type TransportTunables struct {
	ConcurrencyLimit            int `mapstructure:"concurrency_limit"`
	InitialDestinationConcurrency int `mapstructure:"initial_destination_concurrency"`
	RecipientLimit               int `mapstructure:"recipient_limit"`

	DeliverySlotCost     int `mapstructure:"delivery_slot_cost"`
	MinimumDeliverySlots int `mapstructure:"minimum_delivery_slots"`
	DeliverySlotDiscount int `mapstructure:"delivery_slot_discount"`
	DeliverySlotLoan     int `mapstructure:"delivery_slot_loan"`
}

// Tunables resolves the effective tunables for a named transport, falling
// back to Defaults for any zero-valued field not present in an override.
func (c *Config) Tunables(transport string) TransportTunables {
	t := c.Defaults
	if override, ok := c.Transport[transport]; ok {
		t = mergeOverride(t, override)
	}
	return t
}

func mergeOverride(base, override TransportTunables) TransportTunables {
	if override.ConcurrencyLimit != 0 {
		base.ConcurrencyLimit = override.ConcurrencyLimit
	}
	if override.InitialDestinationConcurrency != 0 {
		base.InitialDestinationConcurrency = override.InitialDestinationConcurrency
	}
	if override.RecipientLimit != 0 {
		base.RecipientLimit = override.RecipientLimit
	}
	if override.DeliverySlotCost != 0 {
		base.DeliverySlotCost = override.DeliverySlotCost
	}
	if override.MinimumDeliverySlots != 0 {
		base.MinimumDeliverySlots = override.MinimumDeliverySlots
	}
	if override.DeliverySlotDiscount != 0 {
		base.DeliverySlotDiscount = override.DeliverySlotDiscount
	}
	if override.DeliverySlotLoan != 0 {
		base.DeliverySlotLoan = override.DeliverySlotLoan
	}
	return base
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
}

type IntrospectConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ChangeDetector reports whether the on-disk configuration has changed since
// it was loaded. §6/§7 item 7: the process exits cleanly on a detected
// change so the process-manager framework can restart it.
type ChangeDetector struct {
	changed chan struct{}
}

// Load reads configFile with viper and starts watching it for changes. The
// returned ChangeDetector's Changed() channel is closed the first time the
// file changes. An empty configFile is an error; callers fall back to
// Default() in that case (teacher's LoadConfig pattern, extended with watch).
func Load(configFile string) (*Config, *ChangeDetector, error) {
	v := viper.New()
	if configFile == "" {
		return nil, nil, errors.New("no configuration file specified")
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	detector := &ChangeDetector{changed: make(chan struct{})}
	v.OnConfigChange(func(e fsnotify.Event) {
		select {
		case <-detector.changed:
			// already signalled once
		default:
			close(detector.changed)
		}
	})
	v.WatchConfig()

	return &cfg, detector, nil
}

// Changed returns a channel that is closed once the configuration file has
// been modified on disk.
func (d *ChangeDetector) Changed() <-chan struct{} {
	return d.changed
}

// Default returns a minimal, self-consistent configuration for use when no
// config file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.Directory == "" {
		cfg.Queue.Directory = "/var/spool/qmgr"
	}
	if cfg.Queue.QueueRunDelay == 0 {
		cfg.Queue.QueueRunDelay = 300 * time.Second
	}
	if cfg.Queue.MessageActiveLimit == 0 {
		cfg.Queue.MessageActiveLimit = 20000
	}
	if cfg.Queue.MessageRecipientLimit == 0 {
		cfg.Queue.MessageRecipientLimit = 10000
	}
	if cfg.Queue.MinBackoff == 0 {
		cfg.Queue.MinBackoff = 300 * time.Second
	}
	if cfg.Queue.MaxBackoff == 0 {
		cfg.Queue.MaxBackoff = 4 * time.Hour
	}
	if cfg.Queue.MaximalQueueLifetime == 0 {
		cfg.Queue.MaximalQueueLifetime = 5 * 24 * time.Hour
	}
	if cfg.Queue.TransportRetryTime == 0 {
		cfg.Queue.TransportRetryTime = 60 * time.Second
	}
	if cfg.Defaults.ConcurrencyLimit == 0 {
		cfg.Defaults.ConcurrencyLimit = 20
	}
	if cfg.Defaults.InitialDestinationConcurrency == 0 {
		cfg.Defaults.InitialDestinationConcurrency = 5
	}
	if cfg.Defaults.RecipientLimit == 0 {
		cfg.Defaults.RecipientLimit = 50
	}
	if cfg.Defaults.DeliverySlotCost == 0 {
		cfg.Defaults.DeliverySlotCost = 5
	}
	if cfg.Defaults.MinimumDeliverySlots == 0 {
		cfg.Defaults.MinimumDeliverySlots = 3
	}
	if cfg.DoubleBounceAddr == "" {
		cfg.DoubleBounceAddr = "double-bounce"
	}
	if cfg.TriggerSocketPath == "" {
		cfg.TriggerSocketPath = cfg.Queue.Directory + "/public/qmgr"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.OutputPath == "" {
		cfg.Logging.OutputPath = "stdout"
	}
	if cfg.Introspect.Addr == "" {
		cfg.Introspect.Addr = "127.0.0.1:8980"
	}
}
