// Команда flexfec_loopback демонстрирует FlexFEC защиту аудио потока.
//
// Два реестра потоков обмениваются RTP по UDP на localhost. Отправитель
// теряет часть медиа пакетов, получатель восстанавливает их по FlexFEC.
// Метрики обоих реестров доступны по HTTP на /metrics, если задан адрес.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/media_transport/pkg/call"
	"github.com/arzzra/media_transport/pkg/flexfec"
	"github.com/arzzra/media_transport/pkg/transport"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Путь к YAML конфигурации")
		packets     = flag.Int("packets", 0, "Количество медиа пакетов (переопределяет конфигурацию)")
		loss        = flag.Float64("loss", -1, "Доля теряемых медиа пакетов (переопределяет конфигурацию)")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP сервера метрик, например :9090")
		debug       = flag.Bool("debug", false, "Включить отладочное логирование")
	)
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if *packets > 0 {
		config.Traffic.Packets = *packets
	}
	if *loss >= 0 {
		config.Loss.Rate = *loss
	}
	if *metricsAddr != "" {
		config.MetricsAddr = *metricsAddr
	}
	if *debug {
		config.LogLevel = "debug"
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Некорректная конфигурация: %v\n", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(config.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, config, logger)
	if err != nil {
		logger.Error("демонстрация завершилась с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Println("=== Результат ===")
	fmt.Printf("Отправлено медиа пакетов: %d\n", result.mediaSent)
	fmt.Printf("Отправлено FEC пакетов:   %d\n", result.fecSent)
	fmt.Printf("Потеряно медиа пакетов:   %d\n", result.dropped)
	fmt.Printf("Принято медиа пакетов:    %d\n", result.received)
	fmt.Printf("Восстановлено по FEC:     %d\n", result.recovered)
	fmt.Printf("Не восстановлено:         %d\n", result.unrecovered())
}

// summary итог демонстрации
type summary struct {
	mediaSent uint64
	fecSent   uint64
	dropped   uint64
	received  uint64
	recovered uint64
}

func (s summary) unrecovered() uint64 {
	if s.recovered >= s.dropped {
		return 0
	}
	return s.dropped - s.recovered
}

// countingSink считает принятые и восстановленные пакеты
type countingSink struct {
	received  atomic.Uint64
	recovered atomic.Uint64
}

func (s *countingSink) OnRTPPacket(_ *rtp.Packet, recovered bool) {
	if recovered {
		s.recovered.Add(1)
	} else {
		s.received.Add(1)
	}
}

func run(ctx context.Context, config *Config, logger *slog.Logger) (*summary, error) {
	params, err := config.FEC.protectionParams()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	recvTransport, err := transport.NewUDPTransport(transport.Config{LocalAddr: config.Receiver.LocalAddr})
	if err != nil {
		return nil, fmt.Errorf("транспорт получателя: %w", err)
	}
	defer recvTransport.Close()

	sendTransport, err := transport.NewUDPTransport(transport.Config{
		LocalAddr:  config.Sender.LocalAddr,
		RemoteAddr: recvTransport.LocalAddr().String(),
		DSCP:       config.Sender.DSCP,
	})
	if err != nil {
		return nil, fmt.Errorf("транспорт отправителя: %w", err)
	}
	defer sendTransport.Close()

	lossy := newLossyTransport(sendTransport, config.Sender.MediaSSRC, config.Loss.Rate, config.Loss.Seed)

	extensions := []flexfec.RTPExtension{
		{URI: flexfec.TransportSequenceNumberURI, ID: 3},
		{URI: flexfec.AbsoluteSendTimeURI, ID: 4},
	}

	// получатель
	recvCall := call.New(call.Config{
		Logger:     logger.With(slog.String("side", "receiver")),
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"side": "receiver"}, registry),
	})
	sink := &countingSink{}
	audioHandle, err := recvCall.CreateAudioReceiveStream(call.AudioReceiveStreamConfig{
		RemoteSSRC: config.Sender.MediaSSRC,
		Sink:       sink,
	})
	if err != nil {
		return nil, err
	}
	defer recvCall.DestroyAudioReceiveStream(audioHandle)

	fecHandle, err := recvCall.CreateFlexfecReceiveStream(call.FlexfecReceiveStreamConfig{
		FlexfecPayloadType:  config.Sender.FecPayloadType,
		FlexfecSSRC:         config.Sender.FecSSRC,
		ProtectedMediaSSRCs: []uint32{config.Sender.MediaSSRC},
		Extensions:          extensions,
	})
	if err != nil {
		return nil, err
	}
	defer recvCall.DestroyFlexfecReceiveStream(fecHandle)

	audioStream, _ := recvCall.AudioReceiveStream(audioHandle)
	audioStream.Start()
	fecStream, _ := recvCall.FlexfecReceiveStream(fecHandle)
	fecStream.Start()

	// отправитель
	sendCall := call.New(call.Config{
		Logger:     logger.With(slog.String("side", "sender")),
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"side": "sender"}, registry),
	})
	sendHandle, err := sendCall.CreateAudioSendStream(call.AudioSendStreamConfig{
		SSRC:        config.Sender.MediaSSRC,
		PayloadType: config.Sender.PayloadType,
		Extensions:  extensions,
		Transport:   lossy,
		FlexFEC: &call.FlexfecSendConfig{
			PayloadType: config.Sender.FecPayloadType,
			SSRC:        config.Sender.FecSSRC,
			Params:      params,
		},
	})
	if err != nil {
		return nil, err
	}
	defer sendCall.DestroyAudioSendStream(sendHandle)

	sendStream, _ := sendCall.AudioSendStream(sendHandle)
	sendStream.Start()

	if config.MetricsAddr != "" {
		server := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("сервер метрик остановлен", slog.String("error", err.Error()))
			}
		}()
		defer server.Close()
		logger.Info("метрики доступны", slog.String("addr", config.MetricsAddr))
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		receiveLoop(recvCtx, recvTransport, recvCall, logger)
	}()

	logger.Info("отправка начата",
		slog.Int("packets", config.Traffic.Packets),
		slog.Float64("loss_rate", config.Loss.Rate),
		slog.String("fec", params.String()),
		slog.Int("fec_overhead", sendStream.MaxPacketOverhead()))

	sendErr := sendLoop(ctx, sendStream, config)

	// ждем последние пакеты
	select {
	case <-time.After(config.Traffic.Linger):
	case <-ctx.Done():
	}
	cancelRecv()
	wg.Wait()

	if sendErr != nil {
		return nil, sendErr
	}

	sendStats := sendStream.GetStats()
	return &summary{
		mediaSent: sendStats.PacketsSent,
		fecSent:   sendStats.FecPacketsSent,
		dropped:   lossy.dropped.Load(),
		received:  sink.received.Load(),
		recovered: sink.recovered.Load(),
	}, nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// sendLoop отправляет аудио кадры с заданным интервалом
func sendLoop(ctx context.Context, stream *call.AudioSendStream, config *Config) error {
	ticker := time.NewTicker(config.Traffic.Interval)
	defer ticker.Stop()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: uint8(config.Sender.PayloadType),
			SSRC:        config.Sender.MediaSSRC,
		},
	}

	for i := 0; i < config.Traffic.Packets; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		lastInFrame := (i+1)%config.Traffic.PacketsInFrame == 0 || i == config.Traffic.Packets-1
		packet.SequenceNumber = uint16(i + 1)
		packet.Marker = lastInFrame
		packet.Payload = makePayload(i, config.Traffic.PayloadSize)

		if err := stream.SendRTP(packet); err != nil {
			return fmt.Errorf("ошибка отправки пакета %d: %w", i, err)
		}
		if lastInFrame {
			packet.Timestamp += 960
		}
	}
	return nil
}

// receiveLoop передает принятые пакеты в реестр до отмены контекста
func receiveLoop(ctx context.Context, t transport.Transport, c *call.Call, logger *slog.Logger) {
	for {
		data, _, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || !t.IsActive() {
				return
			}
			if !transport.IsTimeout(err) {
				logger.Warn("ошибка приема", slog.String("error", err.Error()))
			}
			continue
		}

		if status := c.DeliverPacket(data); status != call.DeliveryOK {
			logger.Debug("пакет не доставлен", slog.String("status", status.String()))
		}
	}
}

func makePayload(index, size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(index + i)
	}
	return payload
}
