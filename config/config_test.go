package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lookatitude/voxtenant/billing"
	"github.com/lookatitude/voxtenant/tenant"
)

func writeConfigFile(t *testing.T, dir, contents string) {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
}

func TestLoadConfig_DefaultsAppliedWithNoFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadConfig(dir); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if Cfg.Auth.AccessTokenLifetimeMinutes != 30 {
		t.Errorf("AccessTokenLifetimeMinutes = %d, want 30", Cfg.Auth.AccessTokenLifetimeMinutes)
	}
	if Cfg.Auth.RefreshTokenLifetimeDays != 7 {
		t.Errorf("RefreshTokenLifetimeDays = %d, want 7", Cfg.Auth.RefreshTokenLifetimeDays)
	}
	if Cfg.Auth.MaxFailedLogins != 5 {
		t.Errorf("MaxFailedLogins = %d, want 5", Cfg.Auth.MaxFailedLogins)
	}
	if Cfg.Auth.LockoutMinutes != 15 {
		t.Errorf("LockoutMinutes = %d, want 15", Cfg.Auth.LockoutMinutes)
	}
	if Cfg.Auth.LoginRateLimitPerMinute != 60 {
		t.Errorf("LoginRateLimitPerMinute = %d, want 60", Cfg.Auth.LoginRateLimitPerMinute)
	}
	if Cfg.Voice.TotalTurnHardCapMS != 2000 {
		t.Errorf("TotalTurnHardCapMS = %d, want 2000", Cfg.Voice.TotalTurnHardCapMS)
	}
	if Cfg.Voice.PipelineSoftBudget.STTMS != 50 || Cfg.Voice.PipelineSoftBudget.LLMMS != 100 || Cfg.Voice.PipelineSoftBudget.TTSMS != 80 {
		t.Errorf("PipelineSoftBudget = %+v, want {50 100 80}", Cfg.Voice.PipelineSoftBudget)
	}
	if Cfg.SynthCache.TTLHours != 24 {
		t.Errorf("SynthCache.TTLHours = %d, want 24", Cfg.SynthCache.TTLHours)
	}
	if Cfg.Counters.DayTTLDays != 7 || Cfg.Counters.MonthTTLMonths != 13 {
		t.Errorf("Counters = %+v, want {7 13}", Cfg.Counters)
	}
	if Cfg.Webhook.MaxAttempts != 3 || Cfg.Webhook.RetryDelaySeconds != 60 || Cfg.Webhook.TimeoutSeconds != 30 {
		t.Errorf("Webhook = %+v, want {3 60 30}", Cfg.Webhook)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
auth:
  access_token_lifetime_minutes: 45
  max_failed_logins: 10
voice:
  total_turn_hard_cap_ms: 3000
  pipeline_soft_budget_ms:
    stt_ms: 75
webhook:
  max_attempts: 5
`)

	if err := LoadConfig(dir); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if Cfg.Auth.AccessTokenLifetimeMinutes != 45 {
		t.Errorf("AccessTokenLifetimeMinutes = %d, want 45", Cfg.Auth.AccessTokenLifetimeMinutes)
	}
	if Cfg.Auth.MaxFailedLogins != 10 {
		t.Errorf("MaxFailedLogins = %d, want 10", Cfg.Auth.MaxFailedLogins)
	}
	// Keys left unset by the file still fall back to their defaults.
	if Cfg.Auth.RefreshTokenLifetimeDays != 7 {
		t.Errorf("RefreshTokenLifetimeDays = %d, want 7 (default)", Cfg.Auth.RefreshTokenLifetimeDays)
	}
	if Cfg.Voice.TotalTurnHardCapMS != 3000 {
		t.Errorf("TotalTurnHardCapMS = %d, want 3000", Cfg.Voice.TotalTurnHardCapMS)
	}
	if Cfg.Voice.PipelineSoftBudget.STTMS != 75 {
		t.Errorf("STTMS = %d, want 75", Cfg.Voice.PipelineSoftBudget.STTMS)
	}
	if Cfg.Voice.PipelineSoftBudget.LLMMS != 100 {
		t.Errorf("LLMMS = %d, want 100 (default)", Cfg.Voice.PipelineSoftBudget.LLMMS)
	}
	if Cfg.Webhook.MaxAttempts != 5 {
		t.Errorf("Webhook.MaxAttempts = %d, want 5", Cfg.Webhook.MaxAttempts)
	}
}

func TestLoadConfig_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
auth:
  access_token_lifetime_minutes: 45
`)
	t.Setenv("VOXTENANT_AUTH_ACCESS_TOKEN_LIFETIME_MINUTES", "90")

	if err := LoadConfig(dir); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if Cfg.Auth.AccessTokenLifetimeMinutes != 90 {
		t.Errorf("AccessTokenLifetimeMinutes = %d, want 90 (env override)", Cfg.Auth.AccessTokenLifetimeMinutes)
	}
}

func TestLoadConfig_MalformedFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "auth:\n  - this is not a map\n  max_failed_logins: [unterminated")

	if err := LoadConfig(dir); err == nil {
		t.Fatal("LoadConfig() expected error for malformed YAML")
	}
}

func TestConfig_TierLimits_BuildsLimitTableFromNestedMaps(t *testing.T) {
	c := Config{
		TenantTierDefaults: map[string]map[string]any{
			"call_minutes": {
				"free": map[string]any{
					"daily_hard":   60.0,
					"monthly_hard": 500.0,
				},
				"pro": map[string]any{
					"monthly_hard":     5000,
					"soft_monthly_pct": 0.8,
				},
			},
		},
	}

	table := c.TierLimits()
	free := table[billing.Metric("call_minutes")][tenant.Tier("free")]
	if free.DailyHard != 60 || free.MonthlyHard != 500 {
		t.Errorf("free limits = %+v, want {DailyHard:60 MonthlyHard:500}", free)
	}
	pro := table[billing.Metric("call_minutes")][tenant.Tier("pro")]
	if pro.MonthlyHard != 5000 || pro.SoftMonthlyPct != 0.8 {
		t.Errorf("pro limits = %+v, want {MonthlyHard:5000 SoftMonthlyPct:0.8}", pro)
	}
}

func TestConfig_TierLimits_SkipsMalformedEntries(t *testing.T) {
	c := Config{
		TenantTierDefaults: map[string]map[string]any{
			"call_minutes": {
				"free": "not a map",
			},
		},
	}

	table := c.TierLimits()
	if len(table[billing.Metric("call_minutes")]) != 0 {
		t.Errorf("expected malformed tier entry to be skipped, got %+v", table)
	}
}

func TestConfig_CounterTTLs_UsesLoadedValues(t *testing.T) {
	c := Config{}
	c.Counters.DayTTLDays = 3
	c.Counters.MonthTTLMonths = 6

	day, month := c.CounterTTLs()
	if day.Hours() != 3*24 {
		t.Errorf("day TTL = %v, want 72h", day)
	}
	if month.Hours() != 6*30*24 {
		t.Errorf("month TTL = %v, want %v", month, 6*30*24)
	}
}

func TestConfig_CounterTTLs_FallsBackWhenUnset(t *testing.T) {
	c := Config{}

	day, month := c.CounterTTLs()
	if day.Hours() != 7*24 {
		t.Errorf("day TTL = %v, want 168h (default fallback)", day)
	}
	if month.Hours() != 13*30*24 {
		t.Errorf("month TTL = %v, want default fallback", month)
	}
}
