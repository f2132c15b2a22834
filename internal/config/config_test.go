package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wellsync.cue")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200*time.Millisecond, cfg.CrisisDeadline)
	assert.Equal(t, 2*time.Second, cfg.HandoffDeadline)
	for _, tier := range model.AllTiers {
		p, err := cfg.Policy(tier)
		require.NoError(t, err)
		assert.Greater(t, p.EmergencyReserve, 0.0, "tier %s", tier)
	}
}

func TestDefaultTiers_PremiumIsFastest(t *testing.T) {
	tiers := DefaultTiers()
	assert.Less(t, tiers[model.TierPremium].LatencyTarget, tiers[model.TierBasic].LatencyTarget)
	assert.Less(t, tiers[model.TierBasic].LatencyTarget, tiers[model.TierTrial].LatencyTarget)
	assert.Less(t, tiers[model.TierPremium].OptimalBatchSize, tiers[model.TierTrial].OptimalBatchSize)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvTier, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, model.TierBasic, cfg.Tier)
}

func TestLoad_CUEOverlay(t *testing.T) {
	path := writeConfig(t, `
device_id: "phone-a"
tier: "premium"
crisis_deadline: "150ms"
retry: max_attempts: 3
store: {
	driver: "postgres"
	dsn: "postgres://localhost/wellsync"
}
tiers: trial: {
	optimal_batch_size: 25
	max_wait: LOW_SYNC: "90s"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "phone-a", cfg.DeviceID)
	assert.Equal(t, model.TierPremium, cfg.Tier)
	assert.Equal(t, 150*time.Millisecond, cfg.CrisisDeadline)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "postgres", cfg.Store.Driver)

	trial := cfg.Tiers[model.TierTrial]
	assert.Equal(t, 25, trial.OptimalBatchSize)
	assert.Equal(t, 90*time.Second, trial.MaxWait[model.PriorityLowSync])
	// Untouched entries keep their defaults.
	assert.Equal(t, 50, trial.MaximumBatchSize)
	assert.Equal(t, 15*time.Minute, trial.MaxWait[model.PriorityBackground])
}

func TestLoad_SLAOverlay(t *testing.T) {
	path := writeConfig(t, `
sla: {
	breach_window: 5
	alert_ttl:     "1h"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.SLA.BreachWindow)
	assert.Equal(t, time.Hour, cfg.SLA.AlertTTL)
	assert.Equal(t, DefaultSampleRing, cfg.SLA.SampleRing)
}

func TestValidate_RejectsNonPositiveAlertTTL(t *testing.T) {
	cfg := Default()
	cfg.SLA.AlertTTL = 0
	assert.ErrorContains(t, cfg.Validate(), "alert ttl")
}

func TestLoad_RejectsUnknownTier(t *testing.T) {
	path := writeConfig(t, `tier: "enterprise"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wellsync.cue")
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `handoff_deadline: "two seconds"`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `verbose: true`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsInvertedBatchSizes(t *testing.T) {
	path := writeConfig(t, `tiers: basic: {
	optimal_batch_size: 40
	maximum_batch_size: 10
}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch size")
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv(EnvDeviceID, "tablet-b")
	t.Setenv(EnvTier, "trial")
	t.Setenv(EnvDBDSN, "file:test.db")
	t.Setenv(EnvHTTPAddr, ":9000")

	cfg := Default()
	ApplyEnv(&cfg)

	assert.Equal(t, "tablet-b", cfg.DeviceID)
	assert.Equal(t, model.TierTrial, cfg.Tier)
	assert.Equal(t, "file:test.db", cfg.Store.DSN)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
}

func TestApplyEnv_IgnoresInvalidTier(t *testing.T) {
	t.Setenv(EnvTier, "gold")

	cfg := Default()
	ApplyEnv(&cfg)

	assert.Equal(t, model.TierBasic, cfg.Tier)
}

func TestValidate_RejectsMissingPolicy(t *testing.T) {
	cfg := Default()
	delete(cfg.Tiers, model.TierBasic)

	require.Error(t, cfg.Validate())
}
