//go:build windows

package surface

import "os"

// Windows consoles have no window-change signal.
var resizeSignal os.Signal
