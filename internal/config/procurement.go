package config

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProcurementConfig is the hot-reloadable policy side of the engine:
// match tolerance, lock waits, retry and dwell policy.
type ProcurementConfig struct {
	// TolerancePercent is the allowed variance between receipt and
	// invoice amounts before a match is escalated to manual review.
	TolerancePercent float64 `mapstructure:"tolerancePercent"`

	// ReservationTTL, when positive, stamps new reservations with an
	// advisory expiry swept by the worker. Zero disables expiry.
	ReservationTTL time.Duration `mapstructure:"reservationTTL"`

	// LockWait bounds how long a mutating ledger call blocks on the
	// account row lock before returning ErrLockTimeout.
	LockWait time.Duration `mapstructure:"lockWait"`

	IdempotencyTTL time.Duration `mapstructure:"idempotencyTTL"`

	Saga SagaPolicy `mapstructure:"saga"`
}

type SagaPolicy struct {
	CompensationMaxAttempts int           `mapstructure:"compensationMaxAttempts"`
	CompensationBackoff     time.Duration `mapstructure:"compensationBackoff"`
	DefaultStepDwell        time.Duration `mapstructure:"defaultStepDwell"`

	// StepDwell overrides the maximum dwell per step name, e.g. how long
	// an order may sit without a goods-receipt event before the saga is
	// flagged as stalled.
	StepDwell map[string]time.Duration `mapstructure:"stepDwell"`
}

func DefaultProcurementConfig() ProcurementConfig {
	return ProcurementConfig{
		TolerancePercent: 5.0,
		ReservationTTL:   0,
		LockWait:         3 * time.Second,
		IdempotencyTTL:   24 * time.Hour,
		Saga: SagaPolicy{
			CompensationMaxAttempts: 5,
			CompensationBackoff:     500 * time.Millisecond,
			DefaultStepDwell:        72 * time.Hour,
			StepDwell: map[string]time.Duration{
				"order_placed": 7 * 24 * time.Hour,
				"invoiced":     14 * 24 * time.Hour,
			},
		},
	}
}

// ProcurementConfigHolder exposes the current policy and swaps it
// atomically when the config file changes on disk.
type ProcurementConfigHolder struct {
	current atomic.Value // holds ProcurementConfig
}

func NewProcurementConfigHolder() (*ProcurementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("procurement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/provena/config")
	v.AddConfigPath("/etc/provena")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PROVENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	holder := &ProcurementConfigHolder{}
	holder.current.Store(loadProcurement(v))

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("procurement config reloaded: %s", e.Name)
		holder.current.Store(loadProcurement(v))
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticProcurementConfigHolder returns a holder pinned to cfg, for tests.
func NewStaticProcurementConfigHolder(cfg ProcurementConfig) *ProcurementConfigHolder {
	holder := &ProcurementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ProcurementConfigHolder) Current() ProcurementConfig {
	return h.current.Load().(ProcurementConfig)
}

func loadProcurement(v *viper.Viper) ProcurementConfig {
	cfg := DefaultProcurementConfig()
	if err := v.UnmarshalKey("procurement", &cfg); err != nil {
		log.Printf("invalid procurement config, keeping defaults: %v", err)
		return DefaultProcurementConfig()
	}
	if cfg.TolerancePercent < 0 {
		cfg.TolerancePercent = 0
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultProcurementConfig().LockWait
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultProcurementConfig().IdempotencyTTL
	}
	if cfg.Saga.CompensationMaxAttempts <= 0 {
		cfg.Saga.CompensationMaxAttempts = DefaultProcurementConfig().Saga.CompensationMaxAttempts
	}
	if cfg.Saga.DefaultStepDwell <= 0 {
		cfg.Saga.DefaultStepDwell = DefaultProcurementConfig().Saga.DefaultStepDwell
	}
	return cfg
}
