// Package bridge binds a session transport to a terminal surface: input
// flows to the remote process, output flows to the screen, and teardown
// releases both along with any resize listener.
package bridge
