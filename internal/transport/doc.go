// Package transport connects a terminal to a container's interactive
// stream over a websocket.
//
// A Transport moves through disconnected, connecting, open and one of two
// closed states. Keystrokes leave as binary frames in the order they were
// written; output arrives as binary (decoded as UTF-8, split runes held
// back) or text frames and is reported on the event loop. There is no
// reconnect: a closed transport stays closed.
package transport
