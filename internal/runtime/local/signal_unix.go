//go:build !windows

package local

import (
	"os"
	"syscall"
)

// signalGroup signals the process group led by p. Processes started under a
// pseudo-terminal lead their own session, so this reaches their children.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}
