//go:build windows

package transport

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// applySockOpts настраивает сокет (Windows)
func applySockOpts(fd uintptr, config Config) error {
	h := windows.Handle(fd)

	recv, send := socketBufferSizes(config.BufferSize)
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, recv); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recv, err)
	}
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, send); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", send, err)
	}

	// Windows не поддерживает SO_REUSEPORT
	if config.ReusePort {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}

	if config.DSCP > 0 {
		// QoS через IP_TOS часто требует прав администратора
		_ = windows.SetsockoptInt(h, windows.IPPROTO_IP, windows.IP_TOS, config.DSCP<<2)
	}

	return nil
}
