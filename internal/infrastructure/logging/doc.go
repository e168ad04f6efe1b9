// Package logging provides structured logging for driverservice.
//
// It wraps log/slog and adds default fields (service, version) to every
// record. The resulting *Logger is passed to the supervisor, the event bus,
// the MQTT client and the API server.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("driver ready", "url", svc.URL())
//
// Never log secrets such as the JWT secret or MQTT password.
package logging
