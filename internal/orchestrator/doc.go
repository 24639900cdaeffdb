// Package orchestrator holds the client-side state of a terminal front
// end: the script catalog, the current selection and launch mode, the
// running container and whether its terminal is connected.
//
// Launches go through the HTTP API once each and are refused while one is
// in flight. A successful launch replaces the terminal session; callbacks
// from a replaced session are ignored.
package orchestrator
