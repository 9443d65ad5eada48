package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultBillingPolicy(t *testing.T) {
	policy := DefaultBillingPolicy()
	require.NoError(t, validateBillingPolicy(policy))
	require.Equal(t, 14, policy.TrialDays)
	require.Equal(t, 10*time.Minute, policy.CatalogRefreshPeriod)
	require.True(t, policy.Portal.AllowPlanSwitch)
	require.True(t, policy.Portal.AllowCancellation)
}

func TestValidateBillingPolicy(t *testing.T) {
	policy := DefaultBillingPolicy()

	policy.TrialDays = -1
	require.Error(t, validateBillingPolicy(policy))

	policy = DefaultBillingPolicy()
	policy.CatalogRefreshPeriod = 0
	require.Error(t, validateBillingPolicy(policy))
}

func TestStaticHolderReturnsFixedPolicy(t *testing.T) {
	policy := DefaultBillingPolicy()
	policy.TrialDays = 30

	holder := NewStaticBillingPolicyHolder(policy)
	require.Equal(t, 30, holder.Get().TrialDays)
}
