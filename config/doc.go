// Package config handles loading and accessing application configuration
// using Viper, supporting environment variables, config files, a typed
// provider-configuration shape, and file-based hot-reload.
//
// # Loading Configuration
//
// [LoadConfig] reads config.yaml (searched across the working directory,
// /etc/voxtenant/, $HOME/.voxtenant, and any caller-supplied paths),
// applies defaults for every key in the Configuration-recognized table,
// overlays environment variables prefixed VOXTENANT_, and unmarshals the
// result into the package-level [Cfg]:
//
//	if err := config.LoadConfig(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(config.Cfg.Auth.AccessTokenLifetimeMinutes)
//
// Nested keys use "_" as the env var separator, so voice.total_turn_hard_cap_ms
// is overridden by VOXTENANT_VOICE_TOTAL_TURN_HARD_CAP_MS.
//
// [Config.TierLimits] converts the loaded tenant_tier_defaults table into a
// billing.LimitTable, and [Config.CounterTTLs] converts the counter TTL
// keys into time.Duration, so callers never parse the raw map shape
// themselves.
//
// # Provider Configuration
//
// [ProviderConfig] holds common configuration for any external provider
// (speech-to-text, text-to-speech, LLM, etc.), including provider name, API
// key, model identifier, base URL, timeout, and a flexible Options map for
// provider-specific settings. [GetOption] retrieves typed values from the
// Options map:
//
//	temp, ok := config.GetOption[float64](cfg, "temperature")
//
// # File Watching
//
// The [Watcher] interface abstracts configuration change detection.
// [FileWatcher] polls a file at regular intervals using SHA-256 content
// hashing, invoking a callback when changes are detected — used to
// hot-reload role/permission tables and pricing data without a restart:
//
//	watcher := config.NewFileWatcher("pricing.yaml", 5*time.Second)
//	err := watcher.Watch(ctx, func(newConfig any) {
//	    data := newConfig.([]byte)
//	    // re-parse and apply configuration
//	})
package config
