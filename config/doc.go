// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CODESANDBOX_* environment variables. It
// covers server settings, sandbox defaults (image, resource limits, network
// mode, execution timeout) and teardown policy.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
