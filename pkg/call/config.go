package call

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/media_transport/pkg/fec"
	"github.com/arzzra/media_transport/pkg/flexfec"
	"github.com/arzzra/media_transport/pkg/transport"
)

// PacketSink получатель RTP пакетов аудио приемного потока.
// recovered равен true для пакетов, восстановленных по FEC.
type PacketSink interface {
	OnRTPPacket(packet *rtp.Packet, recovered bool)
}

// PacketSinkFunc адаптер функции к PacketSink
type PacketSinkFunc func(packet *rtp.Packet, recovered bool)

func (f PacketSinkFunc) OnRTPPacket(packet *rtp.Packet, recovered bool) {
	f(packet, recovered)
}

// Config конфигурация реестра потоков
type Config struct {
	// Logger по умолчанию slog.Default()
	Logger *slog.Logger
	// Registerer для метрик; по умолчанию собственный реестр
	Registerer prometheus.Registerer
	// RecoveredPacketSink дополнительно получает все восстановленные пакеты
	RecoveredPacketSink flexfec.RecoveredPacketReceiver
	// Clock часы FlexFEC отправителей; по умолчанию системные
	Clock flexfec.Clock
}

// FlexfecSendConfig настройки FlexFEC защиты исходящего потока
type FlexfecSendConfig struct {
	PayloadType int
	SSRC        uint32
	Params      fec.ProtectionParams
}

// AudioSendStreamConfig конфигурация исходящего аудио потока
type AudioSendStreamConfig struct {
	SSRC        uint32
	PayloadType int
	Extensions  []flexfec.RTPExtension
	// Transport может быть nil, тогда поток не отправляет пакеты
	Transport transport.Transport
	// FlexFEC nil отключает FEC защиту
	FlexFEC *FlexfecSendConfig
}

// Validate проверяет конфигурацию
func (c *AudioSendStreamConfig) Validate() error {
	if c.PayloadType < 0 || c.PayloadType > 127 {
		return fmt.Errorf("payload type должен быть в диапазоне 0-127, получено %d", c.PayloadType)
	}
	for _, ext := range c.Extensions {
		// медиа пакеты получают transport-cc в one-byte формате
		if ext.URI == flexfec.TransportSequenceNumberURI && (ext.ID < 1 || ext.ID > 14) {
			return fmt.Errorf("идентификатор transport-cc должен быть в диапазоне 1-14, получено %d", ext.ID)
		}
	}
	if c.FlexFEC != nil {
		if c.FlexFEC.PayloadType < 0 || c.FlexFEC.PayloadType > 127 {
			return fmt.Errorf("payload type FlexFEC должен быть в диапазоне 0-127, получено %d", c.FlexFEC.PayloadType)
		}
		if c.FlexFEC.PayloadType == c.PayloadType {
			return fmt.Errorf("payload type FlexFEC совпадает с payload type медиа: %d", c.PayloadType)
		}
		if c.FlexFEC.SSRC == c.SSRC {
			return fmt.Errorf("SSRC FlexFEC совпадает с SSRC медиа: %d", c.SSRC)
		}
		if err := c.FlexFEC.Params.Validate(); err != nil {
			return fmt.Errorf("параметры FlexFEC: %w", err)
		}
	}
	return nil
}

func (c AudioSendStreamConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{ssrc: %d, payload_type: %d", c.SSRC, c.PayloadType)
	if c.FlexFEC != nil {
		fmt.Fprintf(&b, ", flexfec: {payload_type: %d, ssrc: %d, params: %s}",
			c.FlexFEC.PayloadType, c.FlexFEC.SSRC, c.FlexFEC.Params)
	}
	b.WriteString(", rtp_header_extensions: ")
	writeExtensions(&b, c.Extensions)
	b.WriteString("}")
	return b.String()
}

func (c AudioSendStreamConfig) copy() AudioSendStreamConfig {
	out := c
	out.Extensions = append([]flexfec.RTPExtension(nil), c.Extensions...)
	if c.FlexFEC != nil {
		fecConfig := *c.FlexFEC
		out.FlexFEC = &fecConfig
	}
	return out
}

// AudioReceiveStreamConfig конфигурация входящего аудио потока
type AudioReceiveStreamConfig struct {
	RemoteSSRC uint32
	LocalSSRC  uint32
	// Sink может быть nil, тогда пакеты только подсчитываются
	Sink PacketSink
}

func (c AudioReceiveStreamConfig) String() string {
	return fmt.Sprintf("{remote_ssrc: %d, local_ssrc: %d}", c.RemoteSSRC, c.LocalSSRC)
}

// FlexfecReceiveStreamConfig конфигурация FlexFEC приемного потока
type FlexfecReceiveStreamConfig struct {
	FlexfecPayloadType int
	FlexfecSSRC        uint32
	// ProtectedMediaSSRCs защищаемые потоки. Поддерживается защита одного
	// потока: лишние SSRC отбрасываются при создании.
	ProtectedMediaSSRCs []uint32
	Extensions          []flexfec.RTPExtension
	// RecoveredPacketSink получатель восстановленных пакетов;
	// по умолчанию пакеты передаются обратно в реестр, который отбрасывает
	// повторы от разных FlexFEC потоков. Собственный получатель видит каждое
	// восстановление этого потока, включая такие повторы.
	RecoveredPacketSink flexfec.RecoveredPacketReceiver
}

// DefaultFlexfecReceiveStreamConfig возвращает конфигурацию по умолчанию
// с невалидным payload type, который нужно задать явно
func DefaultFlexfecReceiveStreamConfig() FlexfecReceiveStreamConfig {
	return FlexfecReceiveStreamConfig{
		FlexfecPayloadType: -1,
	}
}

// Validate проверяет конфигурацию. Пустой набор защищаемых потоков не ошибка:
// такой поток создается, но не принимает пакеты.
func (c *FlexfecReceiveStreamConfig) Validate() error {
	if c.FlexfecPayloadType < 0 || c.FlexfecPayloadType > 127 {
		return fmt.Errorf("payload type FlexFEC должен быть в диапазоне 0-127, получено %d", c.FlexfecPayloadType)
	}
	return nil
}

func (c FlexfecReceiveStreamConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{payload_type: %d, remote_ssrc: %d, protected_media_ssrcs: [", c.FlexfecPayloadType, c.FlexfecSSRC)
	for i, ssrc := range c.ProtectedMediaSSRCs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", ssrc)
	}
	b.WriteString("], rtp_header_extensions: ")
	writeExtensions(&b, c.Extensions)
	b.WriteString("}")
	return b.String()
}

func (c FlexfecReceiveStreamConfig) copy() FlexfecReceiveStreamConfig {
	out := c
	out.ProtectedMediaSSRCs = append([]uint32(nil), c.ProtectedMediaSSRCs...)
	out.Extensions = append([]flexfec.RTPExtension(nil), c.Extensions...)
	return out
}

func writeExtensions(b *strings.Builder, extensions []flexfec.RTPExtension) {
	b.WriteString("[")
	for i, ext := range extensions {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ext.String())
	}
	b.WriteString("]")
}
