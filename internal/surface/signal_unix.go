//go:build !windows

package surface

import (
	"os"
	"syscall"
)

var resizeSignal os.Signal = syscall.SIGWINCH
