// Package flexfec связывает FEC кодек с RTP потоками.
//
// Sender превращает FEC нагрузку, сгенерированную по защищаемому медиа потоку,
// в готовые к отправке RTP пакеты отдельного FEC потока. Receiver принимает
// медиа и FEC пакеты и передает восстановленные медиа пакеты получателю.
// InterceptorFactory встраивает Sender в цепочку pion/interceptor.
package flexfec

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/fec"
)

const (
	// Начальный sequence number выбирается из первой половины диапазона
	maxInitRTPSeqNumber = 0x7fff

	// FlexFEC использует частоту 90 кГц, как рекомендовано для защищаемого видео
	rtpTimestampHz   = 90000
	msToRTPTimestamp = rtpTimestampHz / 1000

	// Как часто логировать сгенерированные FEC пакеты
	packetLogInterval = 10 * time.Second
)

// Clock источник времени отправителя
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock системные часы
var SystemClock Clock = systemClock{}

// SenderConfig конфигурация FlexFEC отправителя
type SenderConfig struct {
	PayloadType        int            // Payload type FEC потока (0-127)
	SSRC               uint32         // SSRC FEC потока
	ProtectedMediaSSRC uint32         // SSRC защищаемого медиа потока
	Extensions         []RTPExtension // Согласованные расширения; используются только BWE
	Clock              Clock          // По умолчанию SystemClock
	Logger             *slog.Logger
}

// Validate проверяет конфигурацию отправителя
func (c SenderConfig) Validate() error {
	if c.PayloadType < 0 || c.PayloadType > 127 {
		return fmt.Errorf("payload type FlexFEC должен быть в диапазоне 0-127, получено %d", c.PayloadType)
	}
	return nil
}

// Sender генерирует FlexFEC пакеты для одного защищаемого медиа потока.
//
// Начальный sequence number и смещение timestamp выбираются один раз при создании
// из собственного генератора псевдослучайных чисел, инициализированного временем
// часов. Это не криптографическая защита: случайность лишь исключает совпадение
// потоков разных отправителей.
//
// Методы, кроме конструктора, должны вызываться последовательно; одновременный
// вызов из нескольких горутин приводит к panic.
type Sender struct {
	clock  Clock
	rng    *rand.Rand
	logger *slog.Logger

	payloadType        uint8
	ssrc               uint32
	protectedMediaSSRC uint32
	timestampOffset    uint32
	seqNum             uint16

	generator  *fec.Generator
	extensions extensionMap

	lastLoggedAt time.Time
	checker      serialChecker
}

// NewSender создает FlexFEC отправителя
func NewSender(config SenderConfig) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With(slog.String("component", "flexfec_sender"))

	seed := uint64(config.Clock.Now().UnixMicro())
	rng := rand.New(rand.NewPCG(seed, seed^uint64(config.SSRC)))

	s := &Sender{
		clock:              config.Clock,
		rng:                rng,
		logger:             logger,
		payloadType:        uint8(config.PayloadType),
		ssrc:               config.SSRC,
		protectedMediaSSRC: config.ProtectedMediaSSRC,
		generator:          fec.NewGenerator(),
		extensions:         registerBWEExtensions(config.Extensions, logger),
	}
	s.timestampOffset = rng.Uint32()
	s.seqNum = uint16(1 + rng.IntN(maxInitRTPSeqNumber))

	return s, nil
}

// SSRC возвращает SSRC FEC потока
func (s *Sender) SSRC() uint32 {
	return s.ssrc
}

// ProtectedMediaSSRC возвращает SSRC защищаемого потока
func (s *Sender) ProtectedMediaSSRC() uint32 {
	return s.protectedMediaSSRC
}

// SetFecParameters задает параметры защиты. Они применяются к пакетам,
// добавленным после вызова, начиная со следующего окна.
func (s *Sender) SetFecParameters(params fec.ProtectionParams) {
	s.checker.enter("SetFecParameters")
	defer s.checker.leave()

	s.generator.SetProtectionParams(params)
}

// AddPacketAndGenerateFec добавляет медиа пакет защищаемого потока.
// Возвращает true, если пакет закрыл окно и появилась новая FEC нагрузка.
//
// Пакет другого SSRC является ошибкой программирования: поддерживается защита
// только одного потока.
func (s *Sender) AddPacketAndGenerateFec(packet *rtp.Packet) bool {
	s.checker.enter("AddPacketAndGenerateFec")
	defer s.checker.leave()

	if packet.SSRC != s.protectedMediaSSRC {
		panic(fmt.Sprintf("flexfec: пакет SSRC %d, защищается только SSRC %d", packet.SSRC, s.protectedMediaSSRC))
	}

	generated, err := s.generator.AddPacket(packet)
	if err != nil {
		s.logger.Debug("окно FEC отброшено",
			slog.Uint64("ssrc", uint64(s.ssrc)),
			slog.String("error", err.Error()))
	}
	return generated
}

// FecAvailable сообщает, есть ли сгенерированные, но не забранные FEC пакеты
func (s *Sender) FecAvailable() bool {
	s.checker.enter("FecAvailable")
	defer s.checker.leave()

	return s.generator.FecAvailable()
}

// GetFecPackets забирает сгенерированные FEC пакеты и сбрасывает состояние генератора.
//
// Пакеты имеют marker=false, payload type FEC потока, последовательные sequence
// number, timestamp в 90 кГц от часов отправителя со случайным смещением и
// зарезервированные слоты BWE расширений.
func (s *Sender) GetFecPackets() []*Packet {
	s.checker.enter("GetFecPackets")
	defer s.checker.leave()

	payloads := s.generator.TakeFecPayloads()
	if len(payloads) == 0 {
		return nil
	}

	now := s.clock.Now()
	timestamp := s.timestampOffset + uint32(msToRTPTimestamp*now.UnixMilli())

	packets := make([]*Packet, 0, len(payloads))
	for _, payload := range payloads {
		pkt := &Packet{
			Packet: rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         false,
					PayloadType:    s.payloadType,
					SequenceNumber: s.seqNum,
					Timestamp:      timestamp,
					SSRC:           s.ssrc,
				},
				Payload: payload,
			},
			CaptureTime: now,
			extensions:  s.extensions,
		}
		if err := pkt.reserveExtensions(); err != nil {
			s.logger.Error("не удалось зарезервировать расширения FlexFEC пакета",
				slog.String("error", err.Error()))
		}
		s.seqNum++
		packets = append(packets, pkt)
	}

	if s.lastLoggedAt.IsZero() || now.Sub(s.lastLoggedAt) > packetLogInterval {
		s.logger.Info("сгенерированы FlexFEC пакеты",
			slog.Int("count", len(packets)),
			slog.Int("payload_type", int(s.payloadType)),
			slog.Uint64("ssrc", uint64(s.ssrc)))
		s.lastLoggedAt = now
	}

	return packets
}

// MaxPacketOverhead возвращает максимальные накладные расходы FEC пакета поверх
// защищаемой нагрузки: BWE расширения и максимальный FlexFEC заголовок
func (s *Sender) MaxPacketOverhead() int {
	return s.extensions.totalLength() + fec.MaxHeaderSize
}
