package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Ограничения RTP пакета (RFC 3550)
const (
	MinRTPPacketSize   = 12
	ExpectedRTPVersion = 2
)

// ErrTransportClosed возвращается при работе с закрытым транспортом
var ErrTransportClosed = errors.New("транспорт закрыт")

// UDPTransport реализует Transport поверх UDP.
//
// Удаленный адрес задается в конфигурации или запоминается по первому
// принятому пакету.
type UDPTransport struct {
	conn   *net.UDPConn
	config Config
	logger *slog.Logger

	mutex  sync.RWMutex
	remote *net.UDPAddr
	closed bool
}

// NewUDPTransport создает UDP транспорт и привязывает сокет к LocalAddr
func NewUDPTransport(config Config) (*UDPTransport, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация транспорта: %w", err)
	}

	var remote *net.UDPAddr
	if config.RemoteAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
		}
		remote = addr
	}

	conn, err := listenUDP(config)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	t := &UDPTransport{
		conn:   conn,
		config: config,
		logger: slog.Default().With(slog.String("component", "udp_transport")),
		remote: remote,
	}
	t.logger.Debug("UDP транспорт создан",
		slog.String("local", conn.LocalAddr().String()),
		slog.String("remote", config.RemoteAddr))

	return t, nil
}

// Send сериализует и отправляет RTP пакет удаленной стороне
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	remote, err := t.remoteForSend()
	if err != nil {
		return err
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}
	if err := validatePacketSize(len(data), t.config.BufferSize); err != nil {
		return fmt.Errorf("невалидный размер исходящего пакета: %w", err)
	}

	if _, err := t.conn.WriteToUDP(data, remote); err != nil {
		return classifyNetworkError("UDP write", err)
	}
	return nil
}

func (t *UDPTransport) remoteForSend() (*net.UDPAddr, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.remote == nil {
		return nil, fmt.Errorf("удаленный адрес не установлен")
	}
	return t.remote, nil
}

// Receive ждет один пакет не дольше ReceiveTimeout. Заголовок проверяется,
// пакет возвращается в сериализованном виде. Таймаут распознается через IsTimeout.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	if !t.IsActive() {
		return nil, nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout)); err != nil {
		return nil, nil, classifyNetworkError("UDP deadline", err)
	}

	buffer := make([]byte, t.config.BufferSize)
	n, addr, err := t.conn.ReadFromUDP(buffer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		if !t.IsActive() {
			return nil, nil, ErrTransportClosed
		}
		return nil, nil, classifyNetworkError("UDP read", err)
	}

	data := buffer[:n]
	if err := validatePacketSize(n, t.config.BufferSize); err != nil {
		return nil, nil, fmt.Errorf("невалидный размер пакета: %w", err)
	}
	var header rtp.Header
	if _, err := header.Unmarshal(data); err != nil {
		return nil, nil, fmt.Errorf("ошибка демаршалинга RTP заголовка: %w", err)
	}
	if err := validateRTPHeader(&header); err != nil {
		return nil, nil, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}

	t.mutex.Lock()
	if t.remote == nil {
		t.remote = addr
	}
	t.mutex.Unlock()

	return data, addr, nil
}

// LocalAddr возвращает адрес привязки
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает удаленный адрес или nil, если он еще неизвестен
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.remote == nil {
		return nil
	}
	return t.remote
}

// Close закрывает сокет. Повторный вызов ничего не делает.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	return t.conn.Close()
}

// IsActive сообщает, открыт ли транспорт
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return !t.closed
}

func validatePacketSize(size, maxSize int) error {
	switch {
	case size < MinRTPPacketSize:
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	case size > maxSize:
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, maxSize)
	}
	return nil
}

func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d", header.Version)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d", header.PayloadType)
	}
	return nil
}
