package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy holds operator-tunable billing behavior. It is read from
// billing.yml when present and falls back to defaults otherwise.
type BillingPolicy struct {
	TrialDays            int           `mapstructure:"trialDays"`
	AllowPromotionCodes  bool          `mapstructure:"allowPromotionCodes"`
	CatalogRefreshPeriod time.Duration `mapstructure:"catalogRefreshPeriod"`
	Portal               PortalPolicy  `mapstructure:"portal"`
}

// PortalPolicy controls which self-service actions the processor-hosted
// portal offers.
type PortalPolicy struct {
	AllowPlanSwitch   bool `mapstructure:"allowPlanSwitch"`
	AllowCancellation bool `mapstructure:"allowCancellation"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		TrialDays:            14,
		AllowPromotionCodes:  true,
		CatalogRefreshPeriod: 10 * time.Minute,
		Portal: PortalPolicy{
			AllowPlanSwitch:   true,
			AllowCancellation: true,
		},
	}
}

// BillingPolicyHolder exposes the current policy and swaps it atomically on
// config file change.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/saas-starter")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.trialDays", defaults.TrialDays)
	v.SetDefault("billing.allowPromotionCodes", defaults.AllowPromotionCodes)
	v.SetDefault("billing.catalogRefreshPeriod", defaults.CatalogRefreshPeriod)
	v.SetDefault("billing.portal.allowPlanSwitch", defaults.Portal.AllowPlanSwitch)
	v.SetDefault("billing.portal.allowCancellation", defaults.Portal.AllowCancellation)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

// NewStaticBillingPolicyHolder wraps a fixed policy, for tests.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.TrialDays < 0 {
		return errors.New("billing.trialDays cannot be negative")
	}
	if policy.CatalogRefreshPeriod <= 0 {
		return errors.New("billing.catalogRefreshPeriod must be positive")
	}
	return nil
}
