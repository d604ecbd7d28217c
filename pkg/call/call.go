// Package call реестр медиа потоков.
//
// Call создает, индексирует по SSRC и удаляет потоки трех видов: исходящие и
// входящие аудио потоки и приемные FlexFEC потоки. Вызывающий получает
// непрозрачный дескриптор; удаление выполняется только через реестр.
//
// SSRC уникален в пределах вида потока: создание потока с занятым SSRC
// отклоняется с ErrSSRCInUse. Удаление неизвестного или уже удаленного
// дескриптора является ошибкой программирования и приводит к panic.
package call

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/media_transport/pkg/flexfec"
)

// AudioSendStreamHandle дескриптор исходящего аудио потока
type AudioSendStreamHandle struct{ id uint64 }

// AudioReceiveStreamHandle дескриптор входящего аудио потока
type AudioReceiveStreamHandle struct{ id uint64 }

// FlexfecReceiveStreamHandle дескриптор FlexFEC приемного потока
type FlexfecReceiveStreamHandle struct{ id uint64 }

// DeliveryStatus результат доставки входящего пакета
type DeliveryStatus int

const (
	DeliveryOK DeliveryStatus = iota
	DeliveryUnknownSSRC
	DeliveryPacketError
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryOK:
		return "ok"
	case DeliveryUnknownSSRC:
		return "unknown_ssrc"
	case DeliveryPacketError:
		return "packet_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stats количество зарегистрированных потоков
type Stats struct {
	AudioSendStreams      int
	AudioReceiveStreams   int
	FlexfecReceiveStreams int
}

// streamIndex потоки одного вида: по дескриптору и по SSRC
type streamIndex[T any] struct {
	byHandle map[uint64]T
	ssrcs    map[uint64]uint32
	bySSRC   map[uint32]T
}

func newStreamIndex[T any]() streamIndex[T] {
	return streamIndex[T]{
		byHandle: make(map[uint64]T),
		ssrcs:    make(map[uint64]uint32),
		bySSRC:   make(map[uint32]T),
	}
}

func (idx *streamIndex[T]) has(ssrc uint32) bool {
	_, ok := idx.bySSRC[ssrc]
	return ok
}

func (idx *streamIndex[T]) insert(id uint64, ssrc uint32, stream T) {
	idx.byHandle[id] = stream
	idx.ssrcs[id] = ssrc
	idx.bySSRC[ssrc] = stream
}

func (idx *streamIndex[T]) remove(id uint64) (T, bool) {
	stream, ok := idx.byHandle[id]
	if !ok {
		return stream, false
	}
	delete(idx.bySSRC, idx.ssrcs[id])
	delete(idx.ssrcs, id)
	delete(idx.byHandle, id)
	return stream, true
}

// recoveredHistorySize количество последних восстановленных пакетов, по которым
// отбрасываются повторы от разных FlexFEC потоков
const recoveredHistorySize = 256

type recoveredKey struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

// recoveredHistory ограниченная история восстановленных пакетов
type recoveredHistory struct {
	mutex sync.Mutex
	seen  map[recoveredKey]struct{}
	order []recoveredKey
}

func newRecoveredHistory() *recoveredHistory {
	return &recoveredHistory{seen: make(map[recoveredKey]struct{}, recoveredHistorySize)}
}

// add запоминает пакет и возвращает false, если он уже был восстановлен
func (h *recoveredHistory) add(key recoveredKey) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.seen[key]; ok {
		return false
	}
	h.seen[key] = struct{}{}
	h.order = append(h.order, key)
	if len(h.order) > recoveredHistorySize {
		delete(h.seen, h.order[0])
		h.order = h.order[1:]
	}
	return true
}

var _ flexfec.RecoveredPacketReceiver = (*Call)(nil)

// Call реестр потоков. Потокобезопасен.
type Call struct {
	logger              *slog.Logger
	metrics             *callMetrics
	clock               flexfec.Clock
	recoveredPacketSink flexfec.RecoveredPacketReceiver
	recovered           *recoveredHistory

	mutex      sync.RWMutex
	nextHandle uint64

	audioSend      streamIndex[*AudioSendStream]
	audioReceive   streamIndex[*AudioReceiveStream]
	flexfecReceive streamIndex[*FlexfecReceiveStream]
	// FlexFEC потоки по защищаемому SSRC; один поток может защищаться несколькими
	flexfecByMedia map[uint32]map[uint64]*FlexfecReceiveStream
}

// New создает реестр потоков
func New(config Config) *Call {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}
	if config.Clock == nil {
		config.Clock = flexfec.SystemClock
	}

	return &Call{
		logger:              config.Logger.With(slog.String("component", "call")),
		metrics:             newCallMetrics(config.Registerer),
		clock:               config.Clock,
		recoveredPacketSink: config.RecoveredPacketSink,
		recovered:           newRecoveredHistory(),
		audioSend:           newStreamIndex[*AudioSendStream](),
		audioReceive:        newStreamIndex[*AudioReceiveStream](),
		flexfecReceive:      newStreamIndex[*FlexfecReceiveStream](),
		flexfecByMedia:      make(map[uint32]map[uint64]*FlexfecReceiveStream),
	}
}

// CreateAudioSendStream создает исходящий аудио поток
func (c *Call) CreateAudioSendStream(config AudioSendStreamConfig) (AudioSendStreamHandle, error) {
	if err := config.Validate(); err != nil {
		return AudioSendStreamHandle{}, newCallError(ErrorCodeInvalidConfig, config.SSRC, "некорректная конфигурация AudioSendStream", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.audioSend.has(config.SSRC) {
		return AudioSendStreamHandle{}, newCallError(ErrorCodeSSRCInUse, config.SSRC, "SSRC уже используется исходящим аудио потоком", nil)
	}

	stream, err := newAudioSendStream(config, c.clock, c.logger)
	if err != nil {
		return AudioSendStreamHandle{}, newCallError(ErrorCodeInvalidConfig, config.SSRC, "не удалось создать AudioSendStream", err)
	}

	id := c.allocateHandle()
	c.audioSend.insert(id, config.SSRC, stream)
	c.metrics.streamCreated(kindAudioSend)

	return AudioSendStreamHandle{id: id}, nil
}

// DestroyAudioSendStream останавливает и удаляет исходящий аудио поток
func (c *Call) DestroyAudioSendStream(handle AudioSendStreamHandle) {
	c.mutex.Lock()
	stream, ok := c.audioSend.remove(handle.id)
	c.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("call: удаление неизвестного AudioSendStream (handle %d)", handle.id))
	}

	stream.destroy()
	c.metrics.streamDestroyed(kindAudioSend)
}

// AudioSendStream возвращает поток по дескриптору
func (c *Call) AudioSendStream(handle AudioSendStreamHandle) (*AudioSendStream, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	stream, ok := c.audioSend.byHandle[handle.id]
	return stream, ok
}

// CreateAudioReceiveStream создает входящий аудио поток
func (c *Call) CreateAudioReceiveStream(config AudioReceiveStreamConfig) (AudioReceiveStreamHandle, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.audioReceive.has(config.RemoteSSRC) {
		return AudioReceiveStreamHandle{}, newCallError(ErrorCodeSSRCInUse, config.RemoteSSRC, "SSRC уже используется входящим аудио потоком", nil)
	}

	stream := newAudioReceiveStream(config, c.logger)

	id := c.allocateHandle()
	c.audioReceive.insert(id, config.RemoteSSRC, stream)
	c.metrics.streamCreated(kindAudioReceive)

	return AudioReceiveStreamHandle{id: id}, nil
}

// DestroyAudioReceiveStream останавливает и удаляет входящий аудио поток
func (c *Call) DestroyAudioReceiveStream(handle AudioReceiveStreamHandle) {
	c.mutex.Lock()
	stream, ok := c.audioReceive.remove(handle.id)
	c.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("call: удаление неизвестного AudioReceiveStream (handle %d)", handle.id))
	}

	stream.destroy()
	c.metrics.streamDestroyed(kindAudioReceive)
}

// AudioReceiveStream возвращает поток по дескриптору
func (c *Call) AudioReceiveStream(handle AudioReceiveStreamHandle) (*AudioReceiveStream, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	stream, ok := c.audioReceive.byHandle[handle.id]
	return stream, ok
}

// CreateFlexfecReceiveStream создает FlexFEC приемный поток. Несколько FlexFEC
// потоков с разными SSRC могут защищать один медиа поток.
func (c *Call) CreateFlexfecReceiveStream(config FlexfecReceiveStreamConfig) (FlexfecReceiveStreamHandle, error) {
	if err := config.Validate(); err != nil {
		return FlexfecReceiveStreamHandle{}, newCallError(ErrorCodeInvalidConfig, config.FlexfecSSRC, "некорректная конфигурация FlexfecReceiveStream", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.flexfecReceive.has(config.FlexfecSSRC) {
		return FlexfecReceiveStreamHandle{}, newCallError(ErrorCodeSSRCInUse, config.FlexfecSSRC, "SSRC уже используется FlexFEC потоком", nil)
	}

	sink := config.RecoveredPacketSink
	if sink == nil {
		sink = c
	}
	stream := newFlexfecReceiveStream(config, sink, c.logger)

	id := c.allocateHandle()
	c.flexfecReceive.insert(id, config.FlexfecSSRC, stream)
	if mediaSSRC, ok := stream.protectedMediaSSRC(); ok {
		streams := c.flexfecByMedia[mediaSSRC]
		if streams == nil {
			streams = make(map[uint64]*FlexfecReceiveStream)
			c.flexfecByMedia[mediaSSRC] = streams
		}
		streams[id] = stream
	}
	c.metrics.streamCreated(kindFlexfecReceive)

	return FlexfecReceiveStreamHandle{id: id}, nil
}

// DestroyFlexfecReceiveStream останавливает и удаляет FlexFEC поток
func (c *Call) DestroyFlexfecReceiveStream(handle FlexfecReceiveStreamHandle) {
	c.mutex.Lock()
	stream, ok := c.flexfecReceive.remove(handle.id)
	if ok {
		if mediaSSRC, protected := stream.protectedMediaSSRC(); protected {
			delete(c.flexfecByMedia[mediaSSRC], handle.id)
			if len(c.flexfecByMedia[mediaSSRC]) == 0 {
				delete(c.flexfecByMedia, mediaSSRC)
			}
		}
	}
	c.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("call: удаление неизвестного FlexfecReceiveStream (handle %d)", handle.id))
	}

	stream.destroy()
	c.metrics.streamDestroyed(kindFlexfecReceive)
}

// FlexfecReceiveStream возвращает поток по дескриптору
func (c *Call) FlexfecReceiveStream(handle FlexfecReceiveStreamHandle) (*FlexfecReceiveStream, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	stream, ok := c.flexfecReceive.byHandle[handle.id]
	return stream, ok
}

// DeliverPacket доставляет полученный RTP пакет входящему аудио потоку его
// SSRC и всем FlexFEC потокам, для которых пакет является FEC или защищаемым.
func (c *Call) DeliverPacket(raw []byte) DeliveryStatus {
	var packet rtp.Packet
	if err := packet.Unmarshal(raw); err != nil {
		c.metrics.packetsDelivered.WithLabelValues(DeliveryPacketError.String()).Inc()
		c.logger.Debug("некорректный RTP пакет", slog.String("error", err.Error()))
		return DeliveryPacketError
	}

	c.mutex.RLock()
	audio := c.audioReceive.bySSRC[packet.SSRC]
	var flexfecStreams []*FlexfecReceiveStream
	if stream, ok := c.flexfecReceive.bySSRC[packet.SSRC]; ok {
		flexfecStreams = append(flexfecStreams, stream)
	}
	for _, stream := range c.flexfecByMedia[packet.SSRC] {
		flexfecStreams = append(flexfecStreams, stream)
	}
	c.mutex.RUnlock()

	if audio == nil && len(flexfecStreams) == 0 {
		c.metrics.packetsDelivered.WithLabelValues(DeliveryUnknownSSRC.String()).Inc()
		return DeliveryUnknownSSRC
	}

	if audio != nil {
		audio.DeliverRTP(&packet, false)
	}
	for _, stream := range flexfecStreams {
		stream.AddAndProcessReceivedPacket(raw)
	}

	c.metrics.packetsDelivered.WithLabelValues(DeliveryOK.String()).Inc()
	return DeliveryOK
}

// OnRecoveredPacket принимает восстановленный FlexFEC пакет и передает его
// входящему аудио потоку и внешнему получателю. Если медиа поток защищен
// несколькими FlexFEC потоками, один и тот же пакет может быть восстановлен
// каждым из них: доставляется только первая копия.
func (c *Call) OnRecoveredPacket(raw []byte) {
	var packet rtp.Packet
	if err := packet.Unmarshal(raw); err != nil {
		c.logger.Warn("некорректный восстановленный пакет", slog.String("error", err.Error()))
		return
	}

	key := recoveredKey{ssrc: packet.SSRC, seq: packet.SequenceNumber, timestamp: packet.Timestamp}
	if !c.recovered.add(key) {
		c.logger.Debug("повторно восстановленный пакет отброшен",
			slog.Uint64("ssrc", uint64(packet.SSRC)),
			slog.Int("seq", int(packet.SequenceNumber)))
		return
	}
	c.metrics.packetsRecovered.Inc()

	c.mutex.RLock()
	audio := c.audioReceive.bySSRC[packet.SSRC]
	c.mutex.RUnlock()

	if audio != nil {
		audio.DeliverRTP(&packet, true)
	}
	if c.recoveredPacketSink != nil {
		c.recoveredPacketSink.OnRecoveredPacket(raw)
	}
}

// Stats возвращает количество зарегистрированных потоков
func (c *Call) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return Stats{
		AudioSendStreams:      len(c.audioSend.byHandle),
		AudioReceiveStreams:   len(c.audioReceive.byHandle),
		FlexfecReceiveStreams: len(c.flexfecReceive.byHandle),
	}
}

func (c *Call) allocateHandle() uint64 {
	c.nextHandle++
	return c.nextHandle
}
