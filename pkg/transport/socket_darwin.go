//go:build darwin

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applySockOpts настраивает сокет (macOS)
func applySockOpts(fd uintptr, config Config) error {
	s := int(fd)

	recv, send := socketBufferSizes(config.BufferSize)
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recv, err)
	}
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", send, err)
	}

	if config.ReusePort {
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if config.DSCP > 0 {
		tos := config.DSCP << 2
		// Некоторые значения TOS требуют прав root
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}

	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)

	return nil
}
