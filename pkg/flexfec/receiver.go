package flexfec

import (
	"log/slog"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/fec"
)

// RecoveredPacketReceiver получатель восстановленных медиа пакетов.
// Получает сериализованные RTP пакеты в порядке восстановления.
type RecoveredPacketReceiver interface {
	OnRecoveredPacket(packet []byte)
}

// RecoveredPacketReceiverFunc адаптер функции к RecoveredPacketReceiver
type RecoveredPacketReceiverFunc func(packet []byte)

func (f RecoveredPacketReceiverFunc) OnRecoveredPacket(packet []byte) {
	f(packet)
}

// ReceiverCounters счетчики пакетов приемника
type ReceiverCounters struct {
	MediaPackets     uint64
	FecPackets       uint64
	RecoveredPackets uint64
	DroppedPackets   uint64
}

// Receiver принимает FEC пакеты потока fecSSRC и медиа пакеты защищаемого потока,
// восстанавливает потерянные медиа пакеты и передает их получателю.
// Потокобезопасен. Получатель вызывается вне блокировки декодера и не должен
// вызывать Close того же приемника.
type Receiver struct {
	fecSSRC            uint32
	protectedMediaSSRC uint32
	sink               RecoveredPacketReceiver
	logger             *slog.Logger

	// deliverMutex удерживается на чтение на время вызовов sink,
	// Close берет его на запись и дожидается завершения доставки
	deliverMutex sync.RWMutex

	mutex    sync.Mutex
	decoder  *fec.Decoder
	counters ReceiverCounters
	closed   bool
}

// NewReceiver создает приемник. sink может быть nil, тогда восстановленные
// пакеты только подсчитываются.
func NewReceiver(fecSSRC, protectedMediaSSRC uint32, sink RecoveredPacketReceiver, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		fecSSRC:            fecSSRC,
		protectedMediaSSRC: protectedMediaSSRC,
		sink:               sink,
		logger:             logger.With(slog.String("component", "flexfec_receiver")),
		decoder:            fec.NewDecoder(protectedMediaSSRC),
	}
}

// FecSSRC возвращает SSRC FEC потока
func (r *Receiver) FecSSRC() uint32 {
	return r.fecSSRC
}

// ProtectedMediaSSRC возвращает SSRC защищаемого потока
func (r *Receiver) ProtectedMediaSSRC() uint32 {
	return r.protectedMediaSSRC
}

// AddAndProcessReceivedPacket обрабатывает полученный RTP пакет.
// Возвращает false, если пакет не относится к приемнику или некорректен.
func (r *Receiver) AddAndProcessReceivedPacket(raw []byte) bool {
	var packet rtp.Packet
	if err := packet.Unmarshal(raw); err != nil {
		r.drop("некорректный RTP пакет", err)
		return false
	}

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return false
	}

	var err error
	switch packet.SSRC {
	case r.fecSSRC:
		err = r.decoder.AddFec(fec.FecPacket{
			SequenceNumber: packet.SequenceNumber,
			Payload:        packet.Payload,
		})
		if err == nil {
			r.counters.FecPackets++
		}
	case r.protectedMediaSSRC:
		err = r.decoder.AddMedia(raw)
		if err == nil {
			r.counters.MediaPackets++
		}
	default:
		r.mutex.Unlock()
		return false
	}

	if err != nil {
		r.counters.DroppedPackets++
		r.mutex.Unlock()
		r.logger.Debug("пакет отброшен",
			slog.Uint64("ssrc", uint64(packet.SSRC)),
			slog.Int("seq", int(packet.SequenceNumber)),
			slog.String("error", err.Error()))
		return false
	}

	recovered := r.decoder.Recover()
	r.counters.RecoveredPackets += uint64(len(recovered))
	r.mutex.Unlock()

	if r.sink != nil && len(recovered) > 0 {
		r.deliver(recovered)
	}

	return true
}

// deliver передает восстановленные пакеты получателю, если приемник еще не закрыт
func (r *Receiver) deliver(recovered [][]byte) {
	r.deliverMutex.RLock()
	defer r.deliverMutex.RUnlock()

	if r.isClosed() {
		return
	}
	for _, pkt := range recovered {
		r.sink.OnRecoveredPacket(pkt)
	}
}

func (r *Receiver) isClosed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.closed
}

// Counters возвращает снимок счетчиков
func (r *Receiver) Counters() ReceiverCounters {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.counters
}

// Close освобождает состояние декодера. После закрытия пакеты не принимаются.
// Close дожидается доставки, уже начатой другим вызовом, и после возврата
// получатель больше не вызывается.
func (r *Receiver) Close() {
	r.deliverMutex.Lock()
	defer r.deliverMutex.Unlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.decoder.Reset()
}

func (r *Receiver) drop(reason string, err error) {
	r.mutex.Lock()
	r.counters.DroppedPackets++
	r.mutex.Unlock()

	r.logger.Debug(reason, slog.String("error", err.Error()))
}
