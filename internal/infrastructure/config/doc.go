// Package config handles loading and validating tuyable configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with TUYABLE_* environment variables
//   - Validation of required fields and device entries
//   - Translating the tuya.session block into session tuning
//
// Security Considerations:
//   - Broker passwords, InfluxDB tokens and the JWT secret belong in
//     environment variables, not the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Tuya.Devices {
//	    sc := cfg.Tuya.SessionFor(d)
//	    ...
//	}
package config
