package fec

import "fmt"

const (
	// MaxFecFrames максимальное число кадров в одном окне
	MaxFecFrames = 48

	// Порог "высокой защиты" (Q8), выше которого окно должно содержать больше пакетов
	highProtectionThreshold       = 80
	minMediaPacketsHighProtection = 4

	// Допустимое превышение фактического overhead над запрошенным (Q8)
	maxExcessOverhead = 50

	// При среднем числе пакетов на кадр ниже порога достаточно minNumMediaPackets пакетов
	minMediaPacketsAdaptationThreshold = 2.0
)

// ProtectionParams параметры защиты: сколько FEC пакетов генерировать на окно
// и как распределять между ними медиа пакеты
type ProtectionParams struct {
	// FecRate доля FEC пакетов относительно медиа пакетов в Q8 (0..255)
	FecRate uint8
	// MaxFecFrames максимальное число кадров (по marker биту) в одном окне
	MaxFecFrames int
	// MaskType распределение медиа пакетов между FEC пакетами
	MaskType MaskType
}

// DefaultProtectionParams возвращает параметры по умолчанию (защита отключена)
func DefaultProtectionParams() ProtectionParams {
	return ProtectionParams{
		FecRate:      0,
		MaxFecFrames: 1,
		MaskType:     MaskRandom,
	}
}

// Validate проверяет корректность параметров
func (p ProtectionParams) Validate() error {
	if p.MaxFecFrames < 1 || p.MaxFecFrames > MaxFecFrames {
		return fmt.Errorf("MaxFecFrames должен быть в диапазоне 1-%d, получено %d", MaxFecFrames, p.MaxFecFrames)
	}
	if p.MaskType != MaskRandom && p.MaskType != MaskBursty {
		return fmt.Errorf("неизвестный тип маски: %d", p.MaskType)
	}
	return nil
}

func (p ProtectionParams) String() string {
	return fmt.Sprintf("{fec_rate: %d, max_fec_frames: %d, mask: %s}", p.FecRate, p.MaxFecFrames, p.MaskType)
}

// NumFecPackets вычисляет количество FEC пакетов для numMedia медиа пакетов
// при доле защиты rate (Q8). При ненулевой доле генерируется хотя бы один пакет.
func NumFecPackets(numMedia int, rate uint8) int {
	num := (numMedia*int(rate) + (1 << 7)) >> 8
	if rate > 0 && num == 0 {
		num = 1
	}
	if num > numMedia {
		num = numMedia
	}
	return num
}
