package call

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/media_transport/pkg/flexfec"
)

// FlexfecReceiveStreamStats статистика FlexFEC приемного потока.
// Битрейт пока не вычисляется и всегда равен нулю.
type FlexfecReceiveStreamStats struct {
	FlexfecBitrateBps int
}

// String форматирует статистику на момент timeMs
func (s FlexfecReceiveStreamStats) String(timeMs int64) string {
	return fmt.Sprintf("FlexfecReceiveStream stats: %d, {flexfec_bitrate_bps: %d}", timeMs, s.FlexfecBitrateBps)
}

// FlexfecReceiveStream приемный FlexFEC поток.
//
// Пакеты принимаются только после Start. Поток без защищаемых SSRC создается,
// но никогда не принимает пакеты. Start и Stop идемпотентны.
type FlexfecReceiveStream struct {
	config FlexfecReceiveStreamConfig
	logger *slog.Logger

	mutex    sync.Mutex
	started  bool
	receiver *flexfec.Receiver
}

func newFlexfecReceiveStream(config FlexfecReceiveStreamConfig, sink flexfec.RecoveredPacketReceiver, logger *slog.Logger) *FlexfecReceiveStream {
	s := &FlexfecReceiveStream{
		config: config.copy(),
		logger: logger.With(slog.String("component", "flexfec_receive_stream")),
	}

	switch n := len(s.config.ProtectedMediaSSRCs); {
	case n == 0:
		s.logger.Error("защищаемый SSRC не задан, FlexFEC поток не будет принимать пакеты",
			slog.Uint64("flexfec_ssrc", uint64(s.config.FlexfecSSRC)))
	default:
		if n > 1 {
			s.logger.Warn("поддерживается защита только одного потока, будут приниматься пакеты только первого SSRC",
				slog.Uint64("flexfec_ssrc", uint64(s.config.FlexfecSSRC)),
				slog.Uint64("protected_ssrc", uint64(s.config.ProtectedMediaSSRCs[0])),
				slog.Int("dropped", n-1))
			s.config.ProtectedMediaSSRCs = s.config.ProtectedMediaSSRCs[:1]
		}
		s.receiver = flexfec.NewReceiver(s.config.FlexfecSSRC, s.config.ProtectedMediaSSRCs[0], sink, logger)
	}

	s.logger.Info("FlexfecReceiveStream создан", slog.String("config", s.config.String()))
	return s
}

// Config возвращает сохраненную конфигурацию (после усечения защищаемых SSRC)
func (s *FlexfecReceiveStream) Config() FlexfecReceiveStreamConfig {
	return s.config.copy()
}

// Start включает прием пакетов
func (s *FlexfecReceiveStream) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.started = true
}

// Stop выключает прием пакетов
func (s *FlexfecReceiveStream) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.started = false
}

// IsStarted сообщает, принимает ли поток пакеты
func (s *FlexfecReceiveStream) IsStarted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.started
}

// AddAndProcessReceivedPacket обрабатывает сериализованный RTP пакет.
// Возвращает false, если поток остановлен, не имеет приемника или пакет не принят.
func (s *FlexfecReceiveStream) AddAndProcessReceivedPacket(packet []byte) bool {
	s.mutex.Lock()
	if !s.started {
		s.mutex.Unlock()
		return false
	}
	receiver := s.receiver
	s.mutex.Unlock()

	if receiver == nil {
		return false
	}
	return receiver.AddAndProcessReceivedPacket(packet)
}

// GetStats возвращает статистику потока
func (s *FlexfecReceiveStream) GetStats() FlexfecReceiveStreamStats {
	return FlexfecReceiveStreamStats{}
}

// ReceiverCounters возвращает счетчики приемника; false для потока без приемника
func (s *FlexfecReceiveStream) ReceiverCounters() (flexfec.ReceiverCounters, bool) {
	s.mutex.Lock()
	receiver := s.receiver
	s.mutex.Unlock()

	if receiver == nil {
		return flexfec.ReceiverCounters{}, false
	}
	return receiver.Counters(), true
}

// protectedMediaSSRC возвращает защищаемый SSRC; false для потока без приемника
func (s *FlexfecReceiveStream) protectedMediaSSRC() (uint32, bool) {
	if len(s.config.ProtectedMediaSSRCs) == 0 {
		return 0, false
	}
	return s.config.ProtectedMediaSSRCs[0], true
}

// destroy останавливает поток и освобождает приемник
func (s *FlexfecReceiveStream) destroy() {
	s.mutex.Lock()
	s.started = false
	receiver := s.receiver
	s.receiver = nil
	s.mutex.Unlock()

	if receiver != nil {
		receiver.Close()
	}
	s.logger.Info("FlexfecReceiveStream удален", slog.String("config", s.config.String()))
}
