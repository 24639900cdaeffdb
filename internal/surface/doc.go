// Package surface is the terminal screen a session renders into.
//
// A Surface keeps the text written to it, mirrors it to an output writer
// once attached, captures raw input chunks from a reader and sizes itself
// in character cells from an Area. Resize sources (the window-change
// signal, or a manual trigger) refit it on the event loop.
package surface
