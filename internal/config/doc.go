// Package config handles configuration loading for coven-control.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. ~/.config/coven-control/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${COVEN_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  handshake_timeout: "10s"
//	  call_timeout: "30s"
//	  reconnect_initial: "1s"
//	  reconnect_max: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Gateway connection:
//
//	gateway:
//	  url: "wss://gateway.example.com/ws"
//	  token: "${COVEN_GATEWAY_TOKEN}"
//	  handshake_timeout: "10s"
//	  call_timeout: "30s"
//	  reconnect_initial: "1s"
//	  reconnect_max: "30s"
//
// Chat defaults:
//
//	chat:
//	  session_key: "main"
//	  deliver: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Gateway URL presence and ws/wss scheme
//   - Duration format validity
//   - Reconnect interval ordering
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
