// Package logging provides structured logging for the NXM bridge.
//
// It wraps Go's standard log/slog package so every component logs with the
// same shape: JSON in production, text for development, and default
// service/version fields on every entry.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.With("component", "supervisor").Info("live", "host", host)
//
// Security:
//
// Never log the appliance password, session cookies or the anti-forgery
// token. Log their presence, not their value.
package logging
