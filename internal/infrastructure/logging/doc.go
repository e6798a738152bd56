// Package logging provides structured logging for powerd.
//
// It wraps log/slog with the service defaults: JSON or text output, a level
// filter, service and version attributes on every entry, and redaction of
// attributes that carry credentials.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	registry.SetLogger(logger.Component("registry"))
//
// *Logger satisfies the small Logger interfaces declared by the device,
// reconcile, actuator, mqtt and bridge packages.
package logging
