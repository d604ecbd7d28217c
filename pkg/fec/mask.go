package fec

import "math/bits"

// MaskType определяет, какие медиа пакеты окна защищает каждый FEC пакет
type MaskType int

const (
	// MaskRandom чередующееся покрытие: медиа пакет i защищается FEC пакетом i % k.
	// Подходит для случайных одиночных потерь.
	MaskRandom MaskType = iota
	// MaskBursty покрытие непрерывными блоками: FEC пакет j защищает j-й блок окна.
	MaskBursty
)

func (t MaskType) String() string {
	switch t {
	case MaskRandom:
		return "random"
	case MaskBursty:
		return "bursty"
	default:
		return "unknown"
	}
}

// mask битовая маска защищаемых смещений 0..MaxMediaPackets-1
type mask [2]uint64

func (m *mask) set(offset uint16) {
	m[offset/64] |= 1 << (offset % 64)
}

func (m *mask) has(offset uint16) bool {
	return m[offset/64]&(1<<(offset%64)) != 0
}

func (m *mask) empty() bool {
	return m[0] == 0 && m[1] == 0
}

func (m *mask) count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1])
}

// offsets возвращает установленные смещения по возрастанию
func (m *mask) offsets() []uint16 {
	out := make([]uint16, 0, m.count())
	for off := uint16(0); off < MaxMediaPackets; off++ {
		if m.has(off) {
			out = append(out, off)
		}
	}
	return out
}

// maxOffset возвращает наибольшее установленное смещение или -1
func (m *mask) maxOffset() int {
	if m[1] != 0 {
		return 127 - bits.LeadingZeros64(m[1])
	}
	if m[0] != 0 {
		return 63 - bits.LeadingZeros64(m[0])
	}
	return -1
}

func (m *mask) headerSize() int {
	switch top := m.maxOffset(); {
	case top >= mask1Bits+mask2Bits:
		return headerSizeMask3
	case top >= mask1Bits:
		return headerSizeMask2
	default:
		return BaseHeaderSize
	}
}

// В заголовке смещение 0 соответствует старшему биту маски сразу после k-бита.

func (m *mask) mask1() uint16 {
	var v uint16
	for i := uint16(0); i < mask1Bits; i++ {
		if m.has(i) {
			v |= 1 << (mask1Bits - 1 - i)
		}
	}
	return v
}

func (m *mask) mask2() uint32 {
	var v uint32
	for i := uint16(0); i < mask2Bits; i++ {
		if m.has(mask1Bits + i) {
			v |= 1 << (mask2Bits - 1 - i)
		}
	}
	return v
}

func (m *mask) mask3() uint64 {
	var v uint64
	for i := uint16(0); i < mask3Bits; i++ {
		if m.has(mask1Bits + mask2Bits + i) {
			v |= 1 << (mask3Bits - 1 - i)
		}
	}
	return v
}

func (m *mask) setMask1(v uint16) {
	for i := uint16(0); i < mask1Bits; i++ {
		if v&(1<<(mask1Bits-1-i)) != 0 {
			m.set(i)
		}
	}
}

func (m *mask) setMask2(v uint32) {
	for i := uint16(0); i < mask2Bits; i++ {
		if v&(1<<(mask2Bits-1-i)) != 0 {
			m.set(mask1Bits + i)
		}
	}
}

func (m *mask) setMask3(v uint64) {
	for i := uint16(0); i < mask3Bits; i++ {
		if v&(1<<(mask3Bits-1-i)) != 0 {
			m.set(mask1Bits + mask2Bits + i)
		}
	}
}

// buildMasks распределяет медиа пакеты окна (по их смещениям) между numFec FEC пакетами.
// Каждый медиа пакет покрывается ровно одним FEC пакетом.
func buildMasks(offsets []uint16, numFec int, maskType MaskType) []mask {
	n := len(offsets)
	if numFec > n {
		numFec = n
	}
	masks := make([]mask, numFec)
	if numFec == 0 {
		return masks
	}

	for i, off := range offsets {
		var fecIndex int
		switch maskType {
		case MaskBursty:
			fecIndex = i * numFec / n
		default:
			fecIndex = i % numFec
		}
		masks[fecIndex].set(off)
	}

	return masks
}
