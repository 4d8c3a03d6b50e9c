// Package config handles configuration loading for coven-mailbox.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion. Missing values get defaults
// and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_MAILBOX_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/mailbox.yaml
//  3. ~/.config/coven/mailbox.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # long-poll and producer API
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1 (optional)
//
//	database:
//	  path: ":memory:"            # channel event ledger
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"  # empty disables producer auth
//
//	channels:
//	  hold_timeout: "55s"
//	  id_format: "random"         # random, uuid, ulid
//	  id_length: 30
//
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 100000
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-mailbox"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// The same keys are accepted in TOML tables ([server], [channels], ...).
package config
