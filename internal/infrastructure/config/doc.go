// Package config handles loading and validating the NXM bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The appliance password and MQTT credentials should be set via
//     environment variables (GRAYLOGIC_NXM_PASSWORD, GRAYLOGIC_MQTT_PASSWORD)
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/nxmbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Appliance.Host)
package config
