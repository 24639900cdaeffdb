// Command webterm-server serves the script catalog, launches scripts in
// containers and bridges browser terminals to them over WebSockets.
//
// Configuration comes from the environment:
//
//	PORT, HOST              listen address (default 0.0.0.0:8000)
//	SCRIPTS_CONFIG          catalog file, YAML or TOML (default /configs/scripts.yaml)
//	RUNTIME                 docker or local (default docker)
//	DOCKER_HOST             engine socket (default unix:///var/run/docker.sock)
//	LOCAL_RUNTIME_DIR       run directories for RUNTIME=local
//	STOP_DELAY              idle time before a container is stopped (default 30s)
//	MAX_CONNECTIONS         concurrent connection cap (default 512)
//	CORS_ORIGINS            allowed browser origins (default *)
//	LOG_LEVEL, LOG_DEV      logging
//	RATE_LIMIT_*, WS_*      request limits and socket tuning
//
// SIGHUP reloads the catalog. SIGINT or SIGTERM shut the server down; idle
// stops still pending run before exit.
package main
