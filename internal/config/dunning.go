package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningConfig tunes the failed-payment retry and escalation policy.
type DunningConfig struct {
	RetryDelayDays  []int `mapstructure:"retryDelayDays"`
	DefaultMaxRetry int   `mapstructure:"defaultMaxRetry"`
	GraceDays       int   `mapstructure:"graceDays"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		RetryDelayDays:  []int{3, 7, 14, 30},
		DefaultMaxRetry: 4,
		GraceDays:       3,
	}
}

type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/dojoflow/config") // Volume-mounted config
	v.AddConfigPath("/etc/dojoflow")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("DOJOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultDunningConfig()
		v.SetDefault("dunning.retryDelayDays", defaults.RetryDelayDays)
		v.SetDefault("dunning.defaultMaxRetry", defaults.DefaultMaxRetry)
		v.SetDefault("dunning.graceDays", defaults.GraceDays)
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func validateDunningConfig(cfg DunningConfig) error {
	if len(cfg.RetryDelayDays) == 0 {
		return errors.New("dunning.retryDelayDays cannot be empty")
	}
	for _, d := range cfg.RetryDelayDays {
		if d <= 0 {
			return errors.New("dunning.retryDelayDays entries must be positive")
		}
	}
	if cfg.DefaultMaxRetry < 0 {
		return errors.New("dunning.defaultMaxRetry cannot be negative")
	}
	if cfg.GraceDays < 0 {
		return errors.New("dunning.graceDays cannot be negative")
	}
	return nil
}
