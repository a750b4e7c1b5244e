// Package config loads configuration for the relay binaries.
//
// # Gateway
//
// relay-gateway reads YAML. Values may reference environment variables with
// ${VAR_NAME}; unset variables expand to the empty string. Fields absent
// from the file keep the values from Default.
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"   # empty disables token checks
//	database:
//	  path: "./relay.db"                  # empty disables artifact storage
//	agents:
//	  builtin: ["drafter", "reviewer"]
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  agent_timeout: "5m"
//	  reconnect_grace_period: "30s"
//	sessions:
//	  rate_per_second: 20
//	  burst: 40
//	  dedupe_ttl: "5m"
//	logging:
//	  level: "info"                       # debug, info, warn, error
//	  format: "text"                      # text or json
//
// Durations use time.ParseDuration syntax.
//
// # Client
//
// relay-client reads TOML with the same ${VAR} expansion; see ClientConfig.
// ClientOptions converts it into client.Config.
package config
