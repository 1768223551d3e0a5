package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LedgerConfig is the runtime-tunable part of the ledger configuration.
type LedgerConfig struct {
	SupportedCurrencies []string      `mapstructure:"supportedCurrencies"`
	PendingTTL          time.Duration `mapstructure:"pendingTTL"`
	ReconcileBatchSize  int           `mapstructure:"reconcileBatchSize"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		SupportedCurrencies: []string{"INR", "USD", "EUR", "IDR"},
		PendingTTL:          24 * time.Hour,
		ReconcileBatchSize:  50,
	}
}

// SupportsCurrency reports whether code is one of the configured ISO currency codes.
func (c LedgerConfig) SupportsCurrency(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, supported := range c.SupportedCurrencies {
		if strings.EqualFold(strings.TrimSpace(supported), code) {
			return true
		}
	}
	return false
}

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

// NewStaticLedgerConfigHolder returns a holder that never reloads.
func NewStaticLedgerConfigHolder(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewLedgerConfigHolder(log *zap.Logger) (*LedgerConfigHolder, error) {
	return NewLedgerConfigHolderFromPaths(log,
		"/var/lib/entitle/config", // Volume-mounted config
		"/etc/entitle",            // System config
		".",                       // Current directory (dev mode)
	)
}

func NewLedgerConfigHolderFromPaths(log *zap.Logger, paths ...string) (*LedgerConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.ledger")

	v := viper.New()
	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("ENTITLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerConfig()
	v.SetDefault("ledger.supportedCurrencies", defaults.SupportedCurrencies)
	v.SetDefault("ledger.pendingTTL", defaults.PendingTTL)
	v.SetDefault("ledger.reconcileBatchSize", defaults.ReconcileBatchSize)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return nil, err
	}
	cfg = normalizeLedgerConfig(cfg)
	if err := validateLedgerConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticLedgerConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerConfig
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Warn("ledger config reload failed", zap.Error(err))
			return
		}
		updated = normalizeLedgerConfig(updated)
		if err := validateLedgerConfig(updated); err != nil {
			log.Warn("invalid ledger config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("ledger config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	if h == nil {
		return DefaultLedgerConfig()
	}
	return h.current.Load().(LedgerConfig)
}

func normalizeLedgerConfig(cfg LedgerConfig) LedgerConfig {
	currencies := make([]string, 0, len(cfg.SupportedCurrencies))
	for _, code := range cfg.SupportedCurrencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			currencies = append(currencies, code)
		}
	}
	cfg.SupportedCurrencies = currencies
	return cfg
}

func validateLedgerConfig(cfg LedgerConfig) error {
	if len(cfg.SupportedCurrencies) == 0 {
		return errors.New("ledger.supportedCurrencies cannot be empty")
	}
	for _, code := range cfg.SupportedCurrencies {
		if len(code) != 3 {
			return fmt.Errorf("ledger.supportedCurrencies: %q is not a 3-letter code", code)
		}
	}
	if cfg.PendingTTL <= 0 {
		return errors.New("ledger.pendingTTL must be positive")
	}
	if cfg.ReconcileBatchSize <= 0 {
		return errors.New("ledger.reconcileBatchSize must be positive")
	}
	return nil
}
