// Package config handles loading and validating powerd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and system descriptors
//   - Watching the file for descriptor additions at runtime
//
// Security Considerations:
//   - Device and broker credentials should be set via environment variables
//     or a file readable only by the service user (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/powerd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, s := range cfg.Systems {
//	    fmt.Println(s.Identity(), s.Name)
//	}
package config
