// Package local implements runtime.Runtime with host processes.
//
// Each launch gets a run directory under the configured root. Its out/
// subdirectory is exported as OUTPUT_DIR and is where the newest artifact
// is looked for. Processes run under creack/pty; the most recent output is
// kept in a ring and replayed to every new attacher.
package local
