// Package config loads switchboard configuration.
//
// # File formats
//
// Load accepts YAML, or TOML when the file name ends in .toml. Both formats
// support ${VAR} expansion before parsing. Durations are written as strings
// ("30s", "4h") and parsed after decoding.
//
// # Environment overrides
//
// Any field can be overridden with a SWITCHBOARD_ variable named after its
// section and key, for example SWITCHBOARD_CHATS_STALE_AGE=15m or
// SWITCHBOARD_AUTH_JWT_SECRET. FromEnv builds a configuration from the
// environment alone.
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"
//	database:
//	  path: "./switchboard.db"
//	auth:
//	  jwt_secret: "${SWITCHBOARD_SECRET}"
//	chats:
//	  reap_interval: "1m"
//	  stale_age: "4h"
//	  abandon_timeout: "10m"
//	  bid_timeout: "5s"
//	  default_capacity: 3
//	router:
//	  markdown: true
//	  blocked_words: ["spam"]
//	events:
//	  amqp_url: "${AMQP_URL}"
//	telemetry:
//	  otlp_endpoint: "http://localhost:4318"
package config
