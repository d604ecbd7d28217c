//go:build linux

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applySockOpts настраивает сокет (Linux)
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
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}

	if config.DSCP > 0 {
		tos := config.DSCP << 2
		// В контейнерах TOS может быть недоступен, это не критично
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}

	// Приоритет интерактивного трафика
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)

	return nil
}
