package call

import (
	"log/slog"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/fec"
	"github.com/arzzra/media_transport/pkg/flexfec"
)

// AudioSendStreamStats счетчики исходящего аудио потока
type AudioSendStreamStats struct {
	PacketsSent    uint64
	FecPacketsSent uint64
	SendErrors     uint64
}

// AudioSendStream исходящий аудио поток. Отправляет медиа пакеты через
// транспорт и, если настроен FlexFEC, сгенерированные FEC пакеты следом.
type AudioSendStream struct {
	config    AudioSendStreamConfig
	logger    *slog.Logger
	lifecycle *lifecycle
	clock     flexfec.Clock

	// transportSeqID идентификатор transport-cc расширения или 0
	transportSeqID uint8

	// mutex упорядочивает путь отправки: FEC генератору нужен строгий порядок пакетов
	mutex     sync.Mutex
	fecSender *flexfec.Sender
	// transportSeq общий для медиа и FEC пакетов потока
	transportSeq uint16
	stats        AudioSendStreamStats
}

func newAudioSendStream(config AudioSendStreamConfig, clock flexfec.Clock, logger *slog.Logger) (*AudioSendStream, error) {
	logger = logger.With(
		slog.String("component", "audio_send_stream"),
		slog.Uint64("ssrc", uint64(config.SSRC)))

	s := &AudioSendStream{
		config:    config.copy(),
		logger:    logger,
		lifecycle: newLifecycle(logger),
		clock:     clock,
	}
	for _, ext := range config.Extensions {
		if ext.URI == flexfec.TransportSequenceNumberURI {
			s.transportSeqID = uint8(ext.ID)
			break
		}
	}

	if config.FlexFEC != nil {
		sender, err := flexfec.NewSender(flexfec.SenderConfig{
			PayloadType:        config.FlexFEC.PayloadType,
			SSRC:               config.FlexFEC.SSRC,
			ProtectedMediaSSRC: config.SSRC,
			Extensions:         config.Extensions,
			Clock:              clock,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		sender.SetFecParameters(config.FlexFEC.Params)
		s.fecSender = sender
	}

	logger.Debug("AudioSendStream создан", slog.String("config", s.config.String()))
	return s, nil
}

// Config возвращает конфигурацию потока
func (s *AudioSendStream) Config() AudioSendStreamConfig {
	return s.config.copy()
}

// Start включает отправку
func (s *AudioSendStream) Start() {
	s.lifecycle.start()
}

// Stop выключает отправку
func (s *AudioSendStream) Stop() {
	s.lifecycle.stop()
}

// IsStarted сообщает, отправляет ли поток пакеты
func (s *AudioSendStream) IsStarted() bool {
	return s.lifecycle.started()
}

// SetFecParameters меняет параметры FEC защиты со следующего окна
func (s *AudioSendStream) SetFecParameters(params fec.ProtectionParams) error {
	if s.fecSender == nil {
		return newCallError(ErrorCodeFecNotConfigured, s.config.SSRC, "FlexFEC не настроен для потока", nil)
	}
	if err := params.Validate(); err != nil {
		return newCallError(ErrorCodeInvalidConfig, s.config.SSRC, "некорректные параметры FEC", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fecSender.SetFecParameters(params)
	return nil
}

// MaxPacketOverhead возвращает накладные расходы FEC пакета или 0 без FlexFEC
func (s *AudioSendStream) MaxPacketOverhead() int {
	if s.fecSender == nil {
		return 0
	}
	return s.fecSender.MaxPacketOverhead()
}

// SendRTP отправляет медиа пакет потока и сгенерированные по нему FEC пакеты.
// Если настроен transport-cc, отправляется копия пакета с transport-wide номером,
// исходный пакет не изменяется.
func (s *AudioSendStream) SendRTP(packet *rtp.Packet) error {
	if !s.lifecycle.started() {
		return newCallError(ErrorCodeStreamStopped, s.config.SSRC, "поток не запущен", nil)
	}
	if packet.SSRC != s.config.SSRC {
		return newCallError(ErrorCodeInvalidConfig, s.config.SSRC, "пакет другого SSRC", nil)
	}
	if s.config.Transport == nil {
		return newCallError(ErrorCodeNoTransport, s.config.SSRC, "транспорт не задан", nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	packet = s.withTransportSequence(packet)
	if err := s.config.Transport.Send(packet); err != nil {
		s.stats.SendErrors++
		return newCallError(ErrorCodeSendFailed, s.config.SSRC, "ошибка отправки медиа пакета", err)
	}
	s.stats.PacketsSent++

	if s.fecSender == nil || !s.fecSender.AddPacketAndGenerateFec(packet) {
		return nil
	}

	for _, fecPacket := range s.fecSender.GetFecPackets() {
		s.fillExtensions(fecPacket)
		if err := s.config.Transport.Send(&fecPacket.Packet); err != nil {
			s.stats.SendErrors++
			return newCallError(ErrorCodeSendFailed, s.config.FlexFEC.SSRC, "ошибка отправки FlexFEC пакета", err)
		}
		s.stats.FecPacketsSent++
	}

	return nil
}

// withTransportSequence возвращает копию медиа пакета со следующим
// transport-wide номером
func (s *AudioSendStream) withTransportSequence(packet *rtp.Packet) *rtp.Packet {
	if s.transportSeqID == 0 {
		return packet
	}

	value, err := (&rtp.TransportCCExtension{TransportSequence: s.transportSeq + 1}).Marshal()
	if err == nil {
		out := packet.Clone()
		if err = out.SetExtension(s.transportSeqID, value); err == nil {
			s.transportSeq++
			return out
		}
	}
	s.logger.Warn("не удалось заполнить transport-cc медиа пакета", slog.String("error", err.Error()))
	return packet
}

// fillExtensions заполняет зарезервированные BWE расширения FEC пакета
func (s *AudioSendStream) fillExtensions(packet *flexfec.Packet) {
	var err error
	if packet.HasExtension(flexfec.TransportSequenceNumberURI) {
		s.transportSeq++
		err = packet.SetTransportSequenceNumber(s.transportSeq)
	}
	if err == nil && packet.HasExtension(flexfec.AbsoluteSendTimeURI) {
		err = packet.SetAbsoluteSendTime(s.clock.Now())
	}
	if err == nil && packet.HasExtension(flexfec.TransmissionOffsetURI) {
		// пакет отправляется сразу после формирования
		err = packet.SetTransmissionOffset(0)
	}
	if err != nil {
		s.logger.Warn("не удалось заполнить расширения FlexFEC пакета", slog.String("error", err.Error()))
	}
}

// GetStats возвращает снимок счетчиков
func (s *AudioSendStream) GetStats() AudioSendStreamStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

func (s *AudioSendStream) destroy() {
	s.lifecycle.stop()
	s.logger.Debug("AudioSendStream удален")
}
