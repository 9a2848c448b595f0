//go:build windows

package listener

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddr is a net.ListenConfig Control hook that sets SO_REUSEADDR, so a
// restarted daemon can rebind its port at once.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
