// Package cli implements the webterm command line client: listing the
// server catalog, launching scripts, attaching the local terminal to a
// container, downloading artifacts and stopping containers.
//
// The local terminal is put in raw mode while attached, so Ctrl-C reaches
// the container; Ctrl-] detaches. Logs go to ~/.webterm/webterm.log
// because stdout belongs to the remote process.
package cli
