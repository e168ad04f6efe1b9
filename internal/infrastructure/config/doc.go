// Package config handles loading and validating driverservice configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DRIVERSERVICE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Every integration (MQTT, InfluxDB, the HTTP API, run history) can be
// switched off, so the defaults alone describe a working supervisor for
// /usr/bin/safaridriver.
//
// Security Considerations:
//   - Secrets (MQTT password, InfluxDB token, JWT secret) belong in the environment
//   - An empty JWT secret disables authentication on control endpoints
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Driver.ExecutablePath)
package config
