package call

import (
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"
)

// AudioReceiveStreamStats счетчики входящего аудио потока
type AudioReceiveStreamStats struct {
	PacketsReceived  uint64
	RecoveredPackets uint64
	DroppedPackets   uint64
}

// AudioReceiveStream входящий аудио поток. Передает полученные и
// восстановленные пакеты удаленного SSRC получателю.
type AudioReceiveStream struct {
	config    AudioReceiveStreamConfig
	logger    *slog.Logger
	lifecycle *lifecycle

	packetsReceived  atomic.Uint64
	recoveredPackets atomic.Uint64
	droppedPackets   atomic.Uint64
}

func newAudioReceiveStream(config AudioReceiveStreamConfig, logger *slog.Logger) *AudioReceiveStream {
	logger = logger.With(
		slog.String("component", "audio_receive_stream"),
		slog.Uint64("remote_ssrc", uint64(config.RemoteSSRC)))

	s := &AudioReceiveStream{
		config:    config,
		logger:    logger,
		lifecycle: newLifecycle(logger),
	}
	logger.Debug("AudioReceiveStream создан", slog.String("config", config.String()))
	return s
}

// Config возвращает конфигурацию потока
func (s *AudioReceiveStream) Config() AudioReceiveStreamConfig {
	return s.config
}

// Start включает прием пакетов
func (s *AudioReceiveStream) Start() {
	s.lifecycle.start()
}

// Stop выключает прием пакетов
func (s *AudioReceiveStream) Stop() {
	s.lifecycle.stop()
}

// IsStarted сообщает, принимает ли поток пакеты
func (s *AudioReceiveStream) IsStarted() bool {
	return s.lifecycle.started()
}

// DeliverRTP передает пакет получателю. Возвращает false, если поток остановлен
// или пакет другого SSRC.
func (s *AudioReceiveStream) DeliverRTP(packet *rtp.Packet, recovered bool) bool {
	if !s.lifecycle.started() || packet.SSRC != s.config.RemoteSSRC {
		s.droppedPackets.Add(1)
		return false
	}

	if recovered {
		s.recoveredPackets.Add(1)
	} else {
		s.packetsReceived.Add(1)
	}

	if s.config.Sink != nil {
		s.config.Sink.OnRTPPacket(packet, recovered)
	}
	return true
}

// GetStats возвращает снимок счетчиков
func (s *AudioReceiveStream) GetStats() AudioReceiveStreamStats {
	return AudioReceiveStreamStats{
		PacketsReceived:  s.packetsReceived.Load(),
		RecoveredPackets: s.recoveredPackets.Load(),
		DroppedPackets:   s.droppedPackets.Load(),
	}
}

func (s *AudioReceiveStream) destroy() {
	s.lifecycle.stop()
	s.logger.Debug("AudioReceiveStream удален")
}
