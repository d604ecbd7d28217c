// Package transport граница ввода-вывода RTP пакетов.
//
// Потоки отправляют готовые RTP пакеты через Transport, а принятые сырые
// датаграммы передаются в реестр потоков без разбора: разбор выполняет
// получатель, потому что FEC восстановление работает с сериализованными пакетами.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
)

// Transport определяет интерфейс для транспортировки RTP пакетов
type Transport interface {
	// Send отправляет RTP пакет
	Send(packet *rtp.Packet) error

	// Receive получает сериализованный RTP пакет с указанием источника
	Receive(ctx context.Context) ([]byte, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает удаленный адрес транспорта (если применимо)
	RemoteAddr() net.Addr

	// Close закрывает транспорт
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут одного чтения, после которого проверяется контекст
	DefaultReceiveTimeout = 100 * time.Millisecond

	// Размеры системных буферов сокета по умолчанию
	DefaultRecvBuffer = 65535
	DefaultSendBuffer = 65535

	// DSCP значения для QoS классификации трафика (RFC 4594)
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// Config конфигурация UDP транспорта
type Config struct {
	LocalAddr      string        // Локальный адрес для привязки
	RemoteAddr     string        // Удаленный адрес для отправки (опционально)
	BufferSize     int           // Размер буфера для чтения
	ReusePort      bool          // Разрешить повторное использование порта
	DSCP           int           // DSCP маркировка для QoS (0 = не задана)
	ReceiveTimeout time.Duration // Таймаут одного чтения
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalAddr:      "127.0.0.1:0",
		BufferSize:     DefaultBufferSize,
		ReceiveTimeout: DefaultReceiveTimeout,
	}
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < MinRTPPacketSize {
		return fmt.Errorf("размер буфера должен быть не меньше %d", MinRTPPacketSize)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}
