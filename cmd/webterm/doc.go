// Command webterm is the terminal client for webterm-server.
//
//	webterm list
//	webterm run <script-id> [--mode attach|exec] [--command CMD] [--download]
//	webterm attach <container-id>
//	webterm download <run-id> [--dir DIR]
//	webterm stop <container-id>
//
// Settings are read from ~/.webterm/config.yaml and WEBTERM_* variables
// (WEBTERM_API, WEBTERM_MODE, WEBTERM_COMMAND, WEBTERM_PROPAGATE_RESIZE,
// WEBTERM_LOG_LEVEL, WEBTERM_LOG_FILE, WEBTERM_DOWNLOAD_DIR); flags win.
package main
