package config

import "github.com/spf13/viper"

// setDefaults sets the values a gateway runs with when the config file
// leaves them out. Every recognized key appears here so environment
// overrides bind even without a config file entry.
func setDefaults(v *viper.Viper) {
	// Inbound listener defaults
	v.SetDefault("server.listen", "0.0.0.0:7583")
	v.SetDefault("server.max_conns", 0) // 0 means unlimited
	v.SetDefault("server.read_timeout_ms", 30000)
	v.SetDefault("server.write_timeout_ms", 10000)

	// Connection management defaults
	v.SetDefault("connection.auto_connect", true)
	v.SetDefault("connection.auto_sign_on", true)
	v.SetDefault("connection.graceful_shutdown_timeout_ms", 10000)

	// Duplicate store defaults
	v.SetDefault("dedup.retention_window", "24h")
	v.SetDefault("dedup.reversal_window", "24h")
	v.SetDefault("dedup.max_entries", 0) // 0 means unbounded

	// Security defaults: blank seeds are generated at startup
	v.SetDefault("security.pek", "")
	v.SetDefault("security.mak", "")
	v.SetDefault("security.zek", "")
	v.SetDefault("security.dek", "")
	v.SetDefault("security.generate_missing", true)

	// Transaction store defaults
	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.path", "data/txstore")
	v.SetDefault("storage.cache_size_mb", 64)
	v.SetDefault("storage.compression", "lz4")
	v.SetDefault("storage.sync_writes", false)

	// Settlement defaults: netting stays off until our_bank is set
	v.SetDefault("settlement.db", "sqlite")
	v.SetDefault("settlement.dsn", "data/settlement.db")
	v.SetDefault("settlement.our_bank", "")
	v.SetDefault("settlement.max_open_conns", 10)
	v.SetDefault("settlement.max_idle_conns", 2)

	// Router defaults: unmatched transactions go to the mainframe core
	v.SetDefault("router.default_destination", "MAINFRAME_CBS")
	v.SetDefault("router.timeout_ms", 30000)

	// Batch defaults
	v.SetDefault("batch.max_parallelism", 16)
	v.SetDefault("batch.item_timeout_ms", 30000)

	// Monitor feed defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.listen", "127.0.0.1:8089")
	v.SetDefault("monitor.send_buffer", 64)

	// Core gateway defaults
	v.SetDefault("coreapi.endpoint", "127.0.0.1:50061")
	v.SetDefault("coreapi.method", "/fep.CoreBanking/Execute")
	v.SetDefault("coreapi.health_service", "")
	v.SetDefault("coreapi.timeout_ms", 5000)
	v.SetDefault("coreapi.health_check_interval_ms", 10000)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// applyChannelDefaults sets per-section defaults on a channel
// sub-viper so sparse [channel.<name>] blocks inherit the production
// cadence.
func applyChannelDefaults(sub *viper.Viper) {
	sub.SetDefault("connect_timeout_ms", 5000)
	sub.SetDefault("request_timeout_ms", 30000)
	sub.SetDefault("write_timeout_ms", 10000)
	sub.SetDefault("idle_timeout_ms", 0) // 0 derives from heartbeat cadence

	sub.SetDefault("heartbeat_interval_ms", 30000)
	sub.SetDefault("max_missed_heartbeats", 3)
	sub.SetDefault("health_check_interval_ms", 10000)

	sub.SetDefault("auto_reconnect", true)
	sub.SetDefault("max_retries", 0) // 0 means retry forever
	sub.SetDefault("retry_delay_ms", 1000)
	sub.SetDefault("retry_max_delay_ms", 30000)

	sub.SetDefault("no_delay", true)
	sub.SetDefault("failure_strategy", "FAIL_WHEN_BOTH_DOWN")
}
