// Package config handles loading and accessing application configuration
// using Viper, supporting environment variables and config files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lookatitude/voxtenant/billing"
	"github.com/lookatitude/voxtenant/tenant"
)

// Config holds every key the Configuration-recognized table (§6) names,
// tagged for Viper's mapstructure-based unmarshaling.
type Config struct {
	Auth struct {
		AccessTokenLifetimeMinutes int `mapstructure:"access_token_lifetime_minutes"`
		RefreshTokenLifetimeDays   int `mapstructure:"refresh_token_lifetime_days"`
		MaxFailedLogins            int `mapstructure:"max_failed_logins"`
		LockoutMinutes             int `mapstructure:"lockout_minutes"`
		LoginRateLimitPerMinute    int `mapstructure:"login_rate_limit_per_minute"`
	} `mapstructure:"auth"`

	Voice struct {
		TotalTurnHardCapMS int `mapstructure:"total_turn_hard_cap_ms"`
		PipelineSoftBudget struct {
			STTMS int `mapstructure:"stt_ms"`
			LLMMS int `mapstructure:"llm_ms"`
			TTSMS int `mapstructure:"tts_ms"`
		} `mapstructure:"pipeline_soft_budget_ms"`
	} `mapstructure:"voice"`

	SynthCache struct {
		CapacityBytes int64 `mapstructure:"capacity_bytes"`
		TTLHours      int   `mapstructure:"ttl_hours"`
	} `mapstructure:"synthesis_cache"`

	Counters struct {
		DayTTLDays    int `mapstructure:"day_ttl_days"`
		MonthTTLMonths int `mapstructure:"month_ttl_months"`
	} `mapstructure:"counters"`

	Webhook struct {
		MaxAttempts       int `mapstructure:"max_attempts"`
		RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
		TimeoutSeconds    int `mapstructure:"timeout_seconds"`
	} `mapstructure:"webhook"`

	// TenantTierDefaults and PricingTable are not expressed as fixed struct
	// fields: §6 describes both as per-(metric, tier) tables, loaded as
	// free-form maps and converted by TierDefaults/PricingTable below,
	// mirroring the teacher's own "structured data over code" stance for
	// anything that is operator-tunable rather than a build-time constant.
	TenantTierDefaults map[string]map[string]any `mapstructure:"tenant_tier_defaults"`
	PricingTable       map[string]map[string]any `mapstructure:"pricing_table"`
}

var Cfg Config

// LoadConfig reads configuration from file and environment variables,
// applying the §6 defaults for any key left unset.
func LoadConfig(configPaths ...string) error {
	v := viper.New()

	v.SetDefault("auth.access_token_lifetime_minutes", 30)
	v.SetDefault("auth.refresh_token_lifetime_days", 7)
	v.SetDefault("auth.max_failed_logins", 5)
	v.SetDefault("auth.lockout_minutes", 15)
	v.SetDefault("auth.login_rate_limit_per_minute", 60)

	v.SetDefault("voice.total_turn_hard_cap_ms", 2000)
	v.SetDefault("voice.pipeline_soft_budget_ms.stt_ms", 50)
	v.SetDefault("voice.pipeline_soft_budget_ms.llm_ms", 100)
	v.SetDefault("voice.pipeline_soft_budget_ms.tts_ms", 80)

	v.SetDefault("synthesis_cache.ttl_hours", 24)

	v.SetDefault("counters.day_ttl_days", 7)
	v.SetDefault("counters.month_ttl_months", 13)

	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.retry_delay_seconds", 60)
	v.SetDefault("webhook.timeout_seconds", 30)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/voxtenant/")
	v.AddConfigPath("$HOME/.voxtenant")
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables.")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("VOXTENANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&Cfg); err != nil {
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return nil
}

// LatencyBudgetMillis returns the loaded voice.pipeline_soft_budget_ms
// stage budgets (stt, llm, tts) and voice.total_turn_hard_cap_ms as plain
// millisecond counts, so pkg/voice stays free of a config dependency.
func (c Config) LatencyBudgetMillis() (stt, llm, tts, hardCap int) {
	return c.Voice.PipelineSoftBudget.STTMS, c.Voice.PipelineSoftBudget.LLMMS,
		c.Voice.PipelineSoftBudget.TTSMS, c.Voice.TotalTurnHardCapMS

}

// TierLimits builds a billing.LimitTable from the loaded tenant_tier_defaults
// map. Malformed or missing entries are skipped rather than failing the
// whole load, since an operator typo in one tier's limits should not take
// down every tenant's quota evaluation.
func (c Config) TierLimits() billing.LimitTable {
	table := billing.LimitTable{}
	for metricName, byTier := range c.TenantTierDefaults {
		metric := billing.Metric(metricName)
		for tierName, raw := range byTier {
			fields, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			limits := billing.Limits{
				DailyHard:      floatField(fields, "daily_hard"),
				MonthlyHard:    floatField(fields, "monthly_hard"),
				TotalHard:      floatField(fields, "total_hard"),
				SoftMonthlyPct: floatField(fields, "soft_monthly_pct"),
			}
			if table[metric] == nil {
				table[metric] = map[tenant.Tier]billing.Limits{}
			}
			table[metric][tenant.Tier(tierName)] = limits
		}
	}
	return table
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// CounterTTLs converts the loaded counter TTL keys to time.Duration.
func (c Config) CounterTTLs() (day, month time.Duration) {
	dayDays := c.Counters.DayTTLDays
	monthMonths := c.Counters.MonthTTLMonths
	if dayDays <= 0 {
		dayDays = 7
	}
	if monthMonths <= 0 {
		monthMonths = 13
	}
	return time.Duration(dayDays) * 24 * time.Hour, time.Duration(monthMonths) * 30 * 24 * time.Hour
}
