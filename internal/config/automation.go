package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AutomationConfig drives one run of the billing automation engine. The engine
// snapshots it at the start of every run.
type AutomationConfig struct {
	RenewalAlertDays   []int
	ReminderDays       []int
	GracePeriodDays    int
	AutoRenewalEnabled bool
	InvoiceDueDays     int
	Workers            int
	BatchSize          int
	LockTTL            time.Duration
}

func DefaultAutomationConfig() AutomationConfig {
	return AutomationConfig{
		RenewalAlertDays:   []int{30, 14, 7, 3, 1},
		ReminderDays:       []int{1, 7, 14, 30},
		GracePeriodDays:    3,
		AutoRenewalEnabled: true,
		InvoiceDueDays:     30,
		Workers:            1,
		BatchSize:          100,
		LockTTL:            30 * time.Minute,
	}
}

// Normalize fills unset numeric fields with defaults and sorts thresholds.
func (c AutomationConfig) Normalize() AutomationConfig {
	def := DefaultAutomationConfig()
	if c.InvoiceDueDays <= 0 {
		c.InvoiceDueDays = def.InvoiceDueDays
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	c.RenewalAlertDays = uniqueSorted(c.RenewalAlertDays)
	c.ReminderDays = uniqueSorted(c.ReminderDays)
	return c
}

func (c AutomationConfig) Validate() error {
	var errs []error
	for _, d := range c.RenewalAlertDays {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("renewal_alert_days: %d must be positive", d))
		}
	}
	for _, d := range c.ReminderDays {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("reminder_days: %d must be positive", d))
		}
	}
	if c.GracePeriodDays < 0 {
		errs = append(errs, errors.New("grace_period_days cannot be negative"))
	}
	return errors.Join(errs...)
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// AutomationSource hands out the automation settings currently in effect.
type AutomationSource interface {
	Get() AutomationConfig
}

// StaticAutomation is a fixed AutomationSource.
type StaticAutomation AutomationConfig

func (s StaticAutomation) Get() AutomationConfig { return AutomationConfig(s).Normalize() }

type AutomationConfigHolder struct {
	current atomic.Value // holds AutomationConfig
}

// NewAutomationConfigHolder reads automation.yml and keeps it current while
// the file changes on disk. A missing file yields the defaults.
func NewAutomationConfigHolder(appCfg Config, log *zap.Logger) (*AutomationConfigHolder, error) {
	log = log.Named("config.automation")
	v := viper.New()

	v.SetConfigName("automation")
	v.SetConfigType("yml")
	if appCfg.AutomationConfigPath != "" {
		v.AddConfigPath(appCfg.AutomationConfigPath)
	}
	v.AddConfigPath("/etc/billing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultAutomationConfig()
	v.SetDefault("automation.renewal_alert_days", def.RenewalAlertDays)
	v.SetDefault("automation.reminder_days", def.ReminderDays)
	v.SetDefault("automation.grace_period_days", def.GracePeriodDays)
	v.SetDefault("automation.auto_renewal_enabled", def.AutoRenewalEnabled)
	v.SetDefault("automation.invoice_due_days", def.InvoiceDueDays)
	v.SetDefault("automation.workers", def.Workers)
	v.SetDefault("automation.batch_size", def.BatchSize)
	v.SetDefault("automation.lock_ttl", def.LockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeAutomation(v)
	if err != nil {
		return nil, err
	}

	holder := &AutomationConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeAutomation(v)
			if err != nil {
				log.Warn("config.automation.reload_rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("config.automation.reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func decodeAutomation(v *viper.Viper) (AutomationConfig, error) {
	cfg := AutomationConfig{
		RenewalAlertDays:   v.GetIntSlice("automation.renewal_alert_days"),
		ReminderDays:       v.GetIntSlice("automation.reminder_days"),
		GracePeriodDays:    v.GetInt("automation.grace_period_days"),
		AutoRenewalEnabled: v.GetBool("automation.auto_renewal_enabled"),
		InvoiceDueDays:     v.GetInt("automation.invoice_due_days"),
		Workers:            v.GetInt("automation.workers"),
		BatchSize:          v.GetInt("automation.batch_size"),
		LockTTL:            v.GetDuration("automation.lock_ttl"),
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return AutomationConfig{}, err
	}
	return cfg, nil
}

func (h *AutomationConfigHolder) Get() AutomationConfig {
	return h.current.Load().(AutomationConfig)
}
