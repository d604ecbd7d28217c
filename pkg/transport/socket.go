package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// listenUDP создает UDP сокет, применяя опции до bind
func listenUDP(config Config) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = applySockOpts(fd, config)
			}); err != nil {
				return fmt.Errorf("ошибка управления сокетом: %w", err)
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", config.LocalAddr)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", pc)
	}
	return conn, nil
}

// socketBufferSizes вычисляет размеры системных буферов под размер пакета
func socketBufferSizes(bufferSize int) (recv, send int) {
	recv, send = DefaultRecvBuffer, DefaultSendBuffer
	if bufferSize > DefaultBufferSize {
		recv = bufferSize * 4
		send = bufferSize * 2
	}
	return recv, send
}
