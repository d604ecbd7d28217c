package fec

import (
	"fmt"

	"github.com/pion/rtp"
)

// Generator накапливает окно медиа пакетов одного потока и генерирует FEC нагрузку,
// когда окно закрывается.
//
// Окно закрывается на пакете с marker битом (конец кадра), если
//   - набрано MaxFecFrames кадров, или
//   - фактический overhead превышает запрошенный не более чем на maxExcessOverhead
//     и набрано минимальное количество медиа пакетов.
//
// Полное окно (MaxMediaPackets пакетов) закрывается без ожидания marker бита.
// После генерации окно очищается сразу, поэтому одно окно никогда не защищается дважды.
// Новые параметры защиты применяются только к следующему окну.
//
// Generator не потокобезопасен.
type Generator struct {
	params    ProtectionParams
	newParams ProtectionParams

	minNumMediaPackets int
	numProtectedFrames int
	media              []*rtp.Packet

	generated [][]byte
}

// NewGenerator создает генератор с параметрами по умолчанию (защита отключена)
func NewGenerator() *Generator {
	g := &Generator{}
	g.SetProtectionParams(DefaultProtectionParams())
	g.params = g.newParams
	return g
}

// SetProtectionParams задает параметры защиты для следующего окна
func (g *Generator) SetProtectionParams(params ProtectionParams) {
	if params.MaxFecFrames < 1 {
		params.MaxFecFrames = 1
	}
	if params.MaxFecFrames > MaxFecFrames {
		params.MaxFecFrames = MaxFecFrames
	}
	g.newParams = params

	if params.FecRate > highProtectionThreshold {
		g.minNumMediaPackets = minMediaPacketsHighProtection
	} else {
		g.minNumMediaPackets = 1
	}
}

// AddPacket добавляет медиа пакет в текущее окно.
// Возвращает true, если пакет закрыл окно и была сгенерирована новая FEC нагрузка.
//
// Ошибка означает, что окно было отброшено (пакет не укладывается в маску или
// генерация не удалась); пакет в этом случае открывает новое окно.
func (g *Generator) AddPacket(pkt *rtp.Packet) (bool, error) {
	if len(g.media) == 0 {
		g.params = g.newParams
	}
	if g.params.FecRate == 0 {
		return false, nil
	}

	var discarded error
	if n := len(g.media); n > 0 {
		base := g.media[0].SequenceNumber
		off := pkt.SequenceNumber - base
		last := g.media[n-1].SequenceNumber - base
		if off <= last || off >= MaxMediaPackets {
			discarded = fmt.Errorf("%w: пакет %d не продолжает окно [%d, %d]",
				ErrWindowInvalid, pkt.SequenceNumber, base, base+last)
			g.resetWindow()
			g.params = g.newParams
		}
	}

	g.media = append(g.media, pkt.Clone())

	completeFrame := false
	if pkt.Marker {
		g.numProtectedFrames++
		completeFrame = true
	}

	full := len(g.media) == MaxMediaPackets
	if !full && !(completeFrame && (g.numProtectedFrames >= g.params.MaxFecFrames ||
		(g.excessOverheadBelowMax() && g.minimumMediaPacketsReached()))) {
		return false, discarded
	}

	numFec := NumFecPackets(len(g.media), g.params.FecRate)
	payloads, err := Encode(g.media, numFec, g.params.MaskType)
	g.resetWindow()
	if err != nil {
		return false, err
	}

	g.generated = append(g.generated, payloads...)
	return len(payloads) > 0, discarded
}

// FecAvailable сообщает, есть ли сгенерированная, но не забранная FEC нагрузка
func (g *Generator) FecAvailable() bool {
	return len(g.generated) > 0
}

// TakeFecPayloads забирает всю сгенерированную нагрузку и сбрасывает состояние генератора
func (g *Generator) TakeFecPayloads() [][]byte {
	out := g.generated
	g.ResetState()
	return out
}

// ResetState очищает текущее окно и сгенерированную нагрузку
func (g *Generator) ResetState() {
	g.resetWindow()
	g.generated = nil
}

// NumMediaPackets возвращает количество пакетов в текущем окне
func (g *Generator) NumMediaPackets() int {
	return len(g.media)
}

func (g *Generator) resetWindow() {
	g.media = nil
	g.numProtectedFrames = 0
}

// excessOverheadBelowMax проверяет, что фактический overhead (Q8) не превышает запрошенный
// больше чем на maxExcessOverhead
func (g *Generator) excessOverheadBelowMax() bool {
	n := len(g.media)
	overhead := (NumFecPackets(n, g.params.FecRate) << 8) / n
	return overhead-int(g.params.FecRate) < maxExcessOverhead
}

// minimumMediaPacketsReached проверяет минимальный размер окна. При большом числе
// пакетов на кадр порог увеличивается на единицу.
func (g *Generator) minimumMediaPacketsReached() bool {
	n := len(g.media)
	avg := float64(n) / float64(g.numProtectedFrames)
	if avg < minMediaPacketsAdaptationThreshold {
		return n >= g.minNumMediaPackets
	}
	return n >= g.minNumMediaPackets+1
}
