// Package config provides 12-factor configuration for the webterm server.
//
// Configuration is loaded from environment variables with defaults suited
// to running next to a local Docker engine.
//
// Configuration Sections:
//   - Server: listen address, connection cap, shutdown timeout
//   - Catalog: script catalog file (SCRIPTS_CONFIG)
//   - Runtime: docker or local, engine address, run directory, stop delay
//   - WS: terminal socket buffers, message cap, keepalive
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting
//   - CORS: allowed browser origins
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println("listening on", cfg.Addr())
package config
