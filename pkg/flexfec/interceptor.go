package flexfec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/fec"
)

// InterceptorOption настраивает Interceptor
type InterceptorOption func(*Interceptor) error

// WithProtectionParams задает начальные параметры защиты новых потоков
func WithProtectionParams(params fec.ProtectionParams) InterceptorOption {
	return func(i *Interceptor) error {
		if err := params.Validate(); err != nil {
			return err
		}
		i.params = params
		return nil
	}
}

// WithClock задает часы отправителей
func WithClock(clock Clock) InterceptorOption {
	return func(i *Interceptor) error {
		i.clock = clock
		return nil
	}
}

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) InterceptorOption {
	return func(i *Interceptor) error {
		i.logger = logger
		return nil
	}
}

// InterceptorFactory создает FlexFEC интерсепторы
type InterceptorFactory struct {
	opts []InterceptorOption
}

// NewInterceptorFactory возвращает фабрику FlexFEC интерсепторов
func NewInterceptorFactory(opts ...InterceptorOption) (*InterceptorFactory, error) {
	return &InterceptorFactory{opts: opts}, nil
}

// NewInterceptor создает новый Interceptor
func (f *InterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	i := &Interceptor{
		streams: make(map[uint32]*localStream),
		params:  fec.DefaultProtectionParams(),
		clock:   SystemClock,
		logger:  slog.Default(),
	}

	for _, opt := range f.opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	i.logger = i.logger.With(slog.String("component", "flexfec_interceptor"))

	return i, nil
}

// localStream состояние одного защищаемого потока
type localStream struct {
	mutex  sync.Mutex
	sender *Sender
}

// Interceptor добавляет FlexFEC пакеты к каждому локальному потоку, для
// которого согласованы payload type и SSRC FEC потока
type Interceptor struct {
	interceptor.NoOp

	mutex   sync.Mutex
	streams map[uint32]*localStream

	params fec.ProtectionParams
	clock  Clock
	logger *slog.Logger
}

// BindLocalStream вызывается один раз для каждого локального потока.
// Возвращаемый writer вызывается для каждого RTP пакета.
func (i *Interceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	if info.PayloadTypeForwardErrorCorrection == 0 || info.SSRCForwardErrorCorrection == 0 {
		return writer
	}

	extensions := make([]RTPExtension, 0, len(info.RTPHeaderExtensions))
	for _, ext := range info.RTPHeaderExtensions {
		extensions = append(extensions, RTPExtension{URI: ext.URI, ID: ext.ID})
	}

	sender, err := NewSender(SenderConfig{
		PayloadType:        int(info.PayloadTypeForwardErrorCorrection),
		SSRC:               info.SSRCForwardErrorCorrection,
		ProtectedMediaSSRC: info.SSRC,
		Extensions:         extensions,
		Clock:              i.clock,
		Logger:             i.logger,
	})
	if err != nil {
		i.logger.Error("не удалось создать FlexFEC отправителя",
			slog.Uint64("ssrc", uint64(info.SSRC)),
			slog.String("error", err.Error()))
		return writer
	}

	mediaSSRC := info.SSRC
	stream := &localStream{sender: sender}

	i.mutex.Lock()
	sender.SetFecParameters(i.params)
	i.streams[mediaSSRC] = stream
	i.mutex.Unlock()

	return interceptor.RTPWriterFunc(
		func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
			if header.SSRC != mediaSSRC {
				return writer.Write(header, payload, attributes)
			}

			var fecPackets []*Packet
			stream.mutex.Lock()
			if stream.sender.AddPacketAndGenerateFec(&rtp.Packet{Header: *header, Payload: payload}) {
				fecPackets = stream.sender.GetFecPackets()
			}
			stream.mutex.Unlock()

			var errs []error
			result, err := writer.Write(header, payload, attributes)
			if err != nil {
				errs = append(errs, err)
			}

			for _, packet := range fecPackets {
				if _, err := writer.Write(&packet.Header, packet.Payload, attributes); err != nil {
					errs = append(errs, err)
				}
			}

			return result, errors.Join(errs...)
		},
	)
}

// UnbindLocalStream удаляет состояние потока
func (i *Interceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	delete(i.streams, info.SSRC)
}

// SetProtectionParams меняет параметры защиты работающего потока mediaSSRC.
// Параметры применяются со следующего окна.
func (i *Interceptor) SetProtectionParams(mediaSSRC uint32, params fec.ProtectionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	i.mutex.Lock()
	stream, ok := i.streams[mediaSSRC]
	i.mutex.Unlock()
	if !ok {
		return fmt.Errorf("поток SSRC %d не защищается FlexFEC", mediaSSRC)
	}

	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.sender.SetFecParameters(params)
	return nil
}

// MaxPacketOverhead возвращает накладные расходы FEC пакета потока mediaSSRC
func (i *Interceptor) MaxPacketOverhead(mediaSSRC uint32) (int, bool) {
	i.mutex.Lock()
	stream, ok := i.streams[mediaSSRC]
	i.mutex.Unlock()
	if !ok {
		return 0, false
	}
	return stream.sender.MaxPacketOverhead(), true
}
