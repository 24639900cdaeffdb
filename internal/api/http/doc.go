// Package http serves the catalog, launch, stop and artifact endpoints of
// the terminal server.
//
// Routes:
//
//	GET  /health               runtime reachability
//	GET  /config               the catalog document as JSON
//	GET  /ui-config            {"scripts": [...]}
//	GET  /scripts              [...]
//	POST /run                  {"script_id"} -> {"container_id", "run_id"}
//	POST /stop/:container_id   {"ok": true}
//	GET  /runs/:run_id/latest  newest artifact as an attachment
//
// Errors are {"detail": "..."} bodies.
package http
