package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/media_transport/pkg/fec"
)

// Config конфигурация демонстрации
type Config struct {
	Sender      SenderConfig   `yaml:"sender"`
	Receiver    ReceiverConfig `yaml:"receiver"`
	FEC         FECConfig      `yaml:"fec"`
	Loss        LossConfig     `yaml:"loss"`
	Traffic     TrafficConfig  `yaml:"traffic"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
}

type SenderConfig struct {
	LocalAddr      string `yaml:"local_addr"`
	MediaSSRC      uint32 `yaml:"media_ssrc"`
	FecSSRC        uint32 `yaml:"fec_ssrc"`
	PayloadType    int    `yaml:"payload_type"`
	FecPayloadType int    `yaml:"fec_payload_type"`
	DSCP           int    `yaml:"dscp"`
}

type ReceiverConfig struct {
	LocalAddr string `yaml:"local_addr"`
}

type FECConfig struct {
	Rate      uint8  `yaml:"rate"`
	MaxFrames int    `yaml:"max_frames"`
	Mask      string `yaml:"mask"` // random или bursty
}

type LossConfig struct {
	Rate float64 `yaml:"rate"`
	Seed uint64  `yaml:"seed"`
}

type TrafficConfig struct {
	Packets        int           `yaml:"packets"`
	PacketsInFrame int           `yaml:"packets_in_frame"`
	PayloadSize    int           `yaml:"payload_size"`
	Interval       time.Duration `yaml:"interval"`
	// Linger время ожидания последних пакетов после отправки
	Linger time.Duration `yaml:"linger"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Sender: SenderConfig{
			LocalAddr:      "127.0.0.1:0",
			MediaSSRC:      1324234,
			FecSSRC:        838383,
			PayloadType:    111,
			FecPayloadType: 118,
		},
		Receiver: ReceiverConfig{
			LocalAddr: "127.0.0.1:0",
		},
		FEC: FECConfig{
			Rate:      80,
			MaxFrames: 3,
			Mask:      "random",
		},
		Loss: LossConfig{
			Rate: 0.05,
			Seed: 1,
		},
		Traffic: TrafficConfig{
			Packets:        500,
			PacketsInFrame: 1,
			PayloadSize:    160,
			Interval:       20 * time.Millisecond,
			Linger:         300 * time.Millisecond,
		},
		MetricsAddr: "",
		LogLevel:    "info",
	}
}

// LoadConfig читает YAML поверх значений по умолчанию. Пустой путь
// возвращает значения по умолчанию.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	return config, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Sender.MediaSSRC == c.Sender.FecSSRC {
		return fmt.Errorf("SSRC медиа и FEC потоков совпадают: %d", c.Sender.MediaSSRC)
	}
	if _, err := c.FEC.protectionParams(); err != nil {
		return err
	}
	if c.Loss.Rate < 0 || c.Loss.Rate >= 1 {
		return fmt.Errorf("доля потерь должна быть в диапазоне [0, 1), получено %v", c.Loss.Rate)
	}
	if c.Traffic.Packets <= 0 {
		return fmt.Errorf("количество пакетов должно быть положительным")
	}
	if c.Traffic.PacketsInFrame <= 0 {
		return fmt.Errorf("количество пакетов в кадре должно быть положительным")
	}
	if c.Traffic.PayloadSize <= 0 {
		return fmt.Errorf("размер payload должен быть положительным")
	}
	if c.Traffic.Interval <= 0 {
		return fmt.Errorf("интервал отправки должен быть положительным, получено %v", c.Traffic.Interval)
	}
	if c.Traffic.Linger < 0 {
		return fmt.Errorf("время ожидания не может быть отрицательным, получено %v", c.Traffic.Linger)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c FECConfig) protectionParams() (fec.ProtectionParams, error) {
	params := fec.ProtectionParams{
		FecRate:      c.Rate,
		MaxFecFrames: c.MaxFrames,
	}
	switch strings.ToLower(c.Mask) {
	case "", "random":
		params.MaskType = fec.MaskRandom
	case "bursty":
		params.MaskType = fec.MaskBursty
	default:
		return params, fmt.Errorf("неизвестный тип маски: %q", c.Mask)
	}
	if err := params.Validate(); err != nil {
		return params, fmt.Errorf("параметры FEC: %w", err)
	}
	return params, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("неизвестный уровень логирования: %q", level)
	}
	return l, nil
}
