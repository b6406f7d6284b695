package config

import (
	"errors"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CollationTuning holds knobs that may change while the collator is running.
type CollationTuning struct {
	Workers         int      `mapstructure:"workers"`
	BreakdownLimit  int      `mapstructure:"breakdownLimit"`
	SearchTermLimit int      `mapstructure:"searchTermLimit"`
	PageSize        int64    `mapstructure:"pageSize"`
	ExcludedHosts   []string `mapstructure:"excludedHosts"`
}

func DefaultCollationTuning() CollationTuning {
	return CollationTuning{
		Workers:         8,
		BreakdownLimit:  25,
		SearchTermLimit: 50,
		PageSize:        100_000,
		ExcludedHosts:   []string{"test"},
	}
}

type CollationConfigHolder struct {
	current atomic.Value // holds CollationTuning
}

// NewStaticCollationConfigHolder returns a holder that never reloads.
func NewStaticCollationConfigHolder(tuning CollationTuning) *CollationConfigHolder {
	holder := &CollationConfigHolder{}
	holder.current.Store(tuning)
	return holder
}

func NewCollationConfigHolder(cfg Config, log *zap.Logger) (*CollationConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.collation")

	v := viper.New()
	v.SetConfigName("collation")
	v.SetConfigType("yml")
	if cfg.Collation.ConfigPath != "" {
		v.AddConfigPath(cfg.Collation.ConfigPath)
	}
	v.AddConfigPath("/etc/collator")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCollationTuning()
	if cfg.Collation.Workers > 0 {
		defaults.Workers = cfg.Collation.Workers
	}
	v.SetDefault("collation.workers", defaults.Workers)
	v.SetDefault("collation.breakdownLimit", defaults.BreakdownLimit)
	v.SetDefault("collation.searchTermLimit", defaults.SearchTermLimit)
	v.SetDefault("collation.pageSize", defaults.PageSize)
	v.SetDefault("collation.excludedHosts", defaults.ExcludedHosts)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	var tuning CollationTuning
	if err := v.UnmarshalKey("collation", &tuning); err != nil {
		return nil, err
	}
	if err := validateCollationTuning(tuning); err != nil {
		return nil, err
	}

	holder := NewStaticCollationConfigHolder(tuning)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CollationTuning
		if err := v.UnmarshalKey("collation", &updated); err != nil {
			log.Warn("collation config reload failed", zap.Error(err))
			return
		}
		if err := validateCollationTuning(updated); err != nil {
			log.Warn("collation config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("collation config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CollationConfigHolder) Get() CollationTuning {
	if h == nil {
		return DefaultCollationTuning()
	}
	return h.current.Load().(CollationTuning)
}

// HostExcluded reports whether a host name is dropped from hosts breakdowns.
// Hosts are grouped by trimmed name, so the name is trimmed before the
// case-sensitive comparison.
func (t CollationTuning) HostExcluded(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	return slices.Contains(t.ExcludedHosts, name)
}

func validateCollationTuning(t CollationTuning) error {
	if t.Workers <= 0 || t.Workers > 64 {
		return errors.New("collation.workers must be between 1 and 64")
	}
	if t.BreakdownLimit <= 0 {
		return errors.New("collation.breakdownLimit must be positive")
	}
	if t.SearchTermLimit < 0 {
		return errors.New("collation.searchTermLimit cannot be negative")
	}
	if t.PageSize <= 0 || t.PageSize > 250_000 {
		return errors.New("collation.pageSize must be between 1 and 250000")
	}
	return nil
}
