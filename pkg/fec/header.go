// Package fec реализует XOR-кодек FlexFEC (draft-ietf-payload-flexible-fec-scheme-03)
//
// Пакет не выполняет ввод-вывод и не запускает горутин: он только строит
// FEC нагрузку из окна медиа пакетов и восстанавливает потерянные медиа пакеты
// по полученным FEC пакетам.
//
// Основные компоненты:
//   - Header: разбор и запись FlexFEC заголовка (маска + диапазон номеров)
//   - Encode / Generator: генерация FEC нагрузки по окну медиа пакетов
//   - Decoder / Decode: восстановление потерянных пакетов
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
FlexFEC-03 заголовок (один защищаемый SSRC):

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|R|F|P|X|  CC   |M| PT recovery |        length recovery        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                          TS recovery                          |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   SSRCCount   |                    reserved                   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                             SSRC_i                            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|           SN base_i           |k|          Mask [0-14]        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|k|                   Mask [15-45] (optional)                   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|k|                                                             |
	+-+                   Mask [46-108] (optional)                  |
	|                                                               |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

const (
	// RTPHeaderSize размер фиксированной части RTP заголовка
	RTPHeaderSize = 12

	// BaseHeaderSize минимальный размер FlexFEC заголовка (с первой маской)
	BaseHeaderSize = 20
	// MaxHeaderSize максимальный размер FlexFEC заголовка (все три маски)
	MaxHeaderSize = 32

	// MaxMediaPackets максимальное количество медиа пакетов, защищаемых одним FEC пакетом
	MaxMediaPackets = mask1Bits + mask2Bits + mask3Bits

	mask1Bits = 15
	mask2Bits = 31
	mask3Bits = 63

	headerSizeMask2 = BaseHeaderSize + 4
	headerSizeMask3 = BaseHeaderSize + 12

	kBit = 0x80
)

// Ошибки разбора и восстановления. Все они означают, что пакет отброшен.
var (
	ErrMalformedHeader      = errors.New("fec: некорректный FlexFEC заголовок")
	ErrUnsupportedSSRCCount = errors.New("fec: поддерживается только один защищаемый SSRC")
	ErrEmptyMask            = errors.New("fec: FEC пакет не защищает ни одного пакета")
	ErrSSRCMismatch         = errors.New("fec: защищаемый SSRC не совпадает")
	ErrDuplicatePacket      = errors.New("fec: дубликат sequence number")
	ErrRecoveryLength       = errors.New("fec: некорректная длина восстановленного пакета")
	ErrPacketTooShort       = errors.New("fec: пакет короче RTP заголовка")
	ErrWindowInvalid        = errors.New("fec: некорректное окно медиа пакетов")
)

// Header разобранный FlexFEC заголовок
type Header struct {
	// Восстанавливающие поля (XOR соответствующих полей защищаемых пакетов)
	RecoveryBits      [2]byte // P, X, CC, M, PT (биты R и F очищены)
	LengthRecovery    uint16
	TimestampRecovery uint32

	ProtectedSSRC uint32
	SeqNumBase    uint16

	// Offsets смещения защищаемых пакетов относительно SeqNumBase (по возрастанию)
	Offsets []uint16

	// Size размер заголовка в байтах; дальше идет repair payload
	Size int
}

// ProtectedSequenceNumbers возвращает номера защищаемых пакетов
func (h *Header) ProtectedSequenceNumbers() []uint16 {
	seqs := make([]uint16, len(h.Offsets))
	for i, off := range h.Offsets {
		seqs[i] = h.SeqNumBase + off
	}
	return seqs
}

// ParseHeader разбирает FlexFEC заголовок в начале RTP нагрузки FEC пакета
func ParseHeader(payload []byte) (*Header, error) {
	if len(payload) < BaseHeaderSize {
		return nil, fmt.Errorf("%w: нагрузка %d байт", ErrMalformedHeader, len(payload))
	}

	// R=1 означает retransmission, F=1 фиксированную маску; оба режима не поддерживаются
	if payload[0]&0xc0 != 0 {
		return nil, fmt.Errorf("%w: биты R/F установлены", ErrMalformedHeader)
	}

	if payload[8] != 1 {
		return nil, fmt.Errorf("%w: SSRCCount=%d", ErrUnsupportedSSRCCount, payload[8])
	}

	h := &Header{
		RecoveryBits:      [2]byte{payload[0], payload[1]},
		LengthRecovery:    binary.BigEndian.Uint16(payload[2:4]),
		TimestampRecovery: binary.BigEndian.Uint32(payload[4:8]),
		ProtectedSSRC:     binary.BigEndian.Uint32(payload[12:16]),
		SeqNumBase:        binary.BigEndian.Uint16(payload[16:18]),
	}

	var m mask
	m1 := binary.BigEndian.Uint16(payload[18:20])
	m.setMask1(m1 &^ (kBit << 8))
	h.Size = BaseHeaderSize

	if m1&(kBit<<8) == 0 {
		if len(payload) < headerSizeMask2 {
			return nil, fmt.Errorf("%w: обрезана вторая маска", ErrMalformedHeader)
		}
		m2 := binary.BigEndian.Uint32(payload[20:24])
		m.setMask2(m2 &^ (kBit << 24))
		h.Size = headerSizeMask2

		if m2&(kBit<<24) == 0 {
			if len(payload) < headerSizeMask3 {
				return nil, fmt.Errorf("%w: обрезана третья маска", ErrMalformedHeader)
			}
			m3 := binary.BigEndian.Uint64(payload[24:32])
			if m3&(uint64(kBit)<<56) == 0 {
				return nil, fmt.Errorf("%w: k-бит последней маски не установлен", ErrMalformedHeader)
			}
			m.setMask3(m3 &^ (uint64(kBit) << 56))
			h.Size = headerSizeMask3
		}
	}

	h.Offsets = m.offsets()
	if len(h.Offsets) == 0 {
		return nil, ErrEmptyMask
	}

	return h, nil
}

// writeHeader записывает неизменяемую часть заголовка (SSRC, base, маски).
// Восстанавливающие поля заполняются XOR'ом при кодировании.
func writeHeader(buf []byte, ssrc uint32, seqBase uint16, m *mask) {
	buf[8] = 1
	buf[9], buf[10], buf[11] = 0, 0, 0
	binary.BigEndian.PutUint32(buf[12:16], ssrc)
	binary.BigEndian.PutUint16(buf[16:18], seqBase)

	binary.BigEndian.PutUint16(buf[18:20], m.mask1())
	switch m.headerSize() {
	case BaseHeaderSize:
		buf[18] |= kBit
	case headerSizeMask2:
		binary.BigEndian.PutUint32(buf[20:24], m.mask2())
		buf[20] |= kBit
	default:
		binary.BigEndian.PutUint32(buf[20:24], m.mask2())
		binary.BigEndian.PutUint64(buf[24:32], m.mask3())
		buf[24] |= kBit
	}
}
