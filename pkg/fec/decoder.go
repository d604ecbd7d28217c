package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// maxTrackedMediaPackets количество последних медиа пакетов, хранимых для восстановления
	maxTrackedMediaPackets = 2 * MaxMediaPackets
	// maxTrackedFecPackets количество последних FEC пакетов, ожидающих восстановления
	maxTrackedFecPackets = MaxMediaPackets
)

// FecPacket полученный FEC пакет: RTP sequence number FEC потока и RTP нагрузка
type FecPacket struct {
	SequenceNumber uint16
	Payload        []byte
}

type receivedFec struct {
	seq      uint16
	header   *Header
	repair   []byte
	resolved bool
}

// Decoder хранит полученные медиа и FEC пакеты одного защищаемого потока и
// восстанавливает потерянные медиа пакеты.
//
// Медиа пакет восстанавливается из FEC пакета, если ровно один из защищаемых
// им пакетов отсутствует. Восстановленный пакет добавляется к полученным,
// поэтому после каждого восстановления все ожидающие FEC пакеты проверяются заново.
//
// Память ограничена: хранится не более maxTrackedMediaPackets медиа пакетов и
// maxTrackedFecPackets FEC пакетов, старые вытесняются.
//
// Decoder не потокобезопасен.
type Decoder struct {
	protectedSSRC uint32

	media      map[uint16][]byte
	mediaOrder []uint16

	fec     []*receivedFec
	fecSeqs map[uint16]struct{}
}

// NewDecoder создает декодер для потока с SSRC protectedSSRC
func NewDecoder(protectedSSRC uint32) *Decoder {
	return &Decoder{
		protectedSSRC: protectedSSRC,
		media:         make(map[uint16][]byte),
		fecSeqs:       make(map[uint16]struct{}),
	}
}

// ProtectedSSRC возвращает SSRC защищаемого потока
func (d *Decoder) ProtectedSSRC() uint32 {
	return d.protectedSSRC
}

// AddMedia сохраняет полученный медиа пакет (сериализованный RTP пакет)
func (d *Decoder) AddMedia(raw []byte) error {
	if len(raw) < RTPHeaderSize {
		return ErrPacketTooShort
	}
	if ssrc := binary.BigEndian.Uint32(raw[8:12]); ssrc != d.protectedSSRC {
		return fmt.Errorf("%w: медиа SSRC %d, ожидается %d", ErrSSRCMismatch, ssrc, d.protectedSSRC)
	}

	seq := binary.BigEndian.Uint16(raw[2:4])
	if _, exists := d.media[seq]; exists {
		return fmt.Errorf("%w: медиа пакет %d", ErrDuplicatePacket, seq)
	}

	d.storeMedia(seq, append([]byte(nil), raw...))
	return nil
}

// AddFec сохраняет полученный FEC пакет после проверки заголовка
func (d *Decoder) AddFec(pkt FecPacket) error {
	if _, exists := d.fecSeqs[pkt.SequenceNumber]; exists {
		return fmt.Errorf("%w: FEC пакет %d", ErrDuplicatePacket, pkt.SequenceNumber)
	}

	header, err := ParseHeader(pkt.Payload)
	if err != nil {
		return err
	}
	if header.ProtectedSSRC != d.protectedSSRC {
		return fmt.Errorf("%w: FEC защищает SSRC %d, ожидается %d", ErrSSRCMismatch, header.ProtectedSSRC, d.protectedSSRC)
	}

	d.fec = append(d.fec, &receivedFec{
		seq:    pkt.SequenceNumber,
		header: header,
		repair: append([]byte(nil), pkt.Payload[header.Size:]...),
	})
	d.fecSeqs[pkt.SequenceNumber] = struct{}{}

	if len(d.fec) > maxTrackedFecPackets {
		oldest := d.fec[0]
		d.fec[0] = nil
		d.fec = d.fec[1:]
		delete(d.fecSeqs, oldest.seq)
	}

	return nil
}

// Recover пытается восстановить потерянные медиа пакеты по всем ожидающим FEC пакетам.
// Возвращает восстановленные пакеты в порядке восстановления.
func (d *Decoder) Recover() [][]byte {
	var recovered [][]byte

	for progress := true; progress; {
		progress = false

		for _, f := range d.fec {
			if f.resolved {
				continue
			}

			missing, numMissing := d.findMissing(f)
			switch numMissing {
			case 0:
				f.resolved = true
			case 1:
				f.resolved = true
				raw, err := d.recoverOne(f, missing)
				if err != nil {
					continue
				}
				d.storeMedia(f.header.SeqNumBase+missing, raw)
				recovered = append(recovered, raw)
				progress = true
			}
		}
	}

	return recovered
}

// Reset удаляет все сохраненные пакеты
func (d *Decoder) Reset() {
	d.media = make(map[uint16][]byte)
	d.mediaOrder = nil
	d.fec = nil
	d.fecSeqs = make(map[uint16]struct{})
}

func (d *Decoder) storeMedia(seq uint16, raw []byte) {
	d.media[seq] = raw
	d.mediaOrder = append(d.mediaOrder, seq)

	if len(d.mediaOrder) > maxTrackedMediaPackets {
		delete(d.media, d.mediaOrder[0])
		d.mediaOrder = d.mediaOrder[1:]
	}
}

// findMissing возвращает смещение последнего отсутствующего пакета и их количество
func (d *Decoder) findMissing(f *receivedFec) (uint16, int) {
	var missing uint16
	numMissing := 0
	for _, off := range f.header.Offsets {
		if _, ok := d.media[f.header.SeqNumBase+off]; !ok {
			missing = off
			numMissing++
		}
	}
	return missing, numMissing
}

// recoverOne восстанавливает пакет со смещением missing: XOR FEC нагрузки со всеми
// присутствующими защищаемыми пакетами
func (d *Decoder) recoverOne(f *receivedFec, missing uint16) ([]byte, error) {
	h := f.header
	repair := append([]byte(nil), f.repair...)

	b0, b1 := h.RecoveryBits[0], h.RecoveryBits[1]
	length := h.LengthRecovery
	ts := h.TimestampRecovery

	for _, off := range h.Offsets {
		if off == missing {
			continue
		}
		raw := d.media[h.SeqNumBase+off]
		if len(raw)-RTPHeaderSize > len(repair) {
			return nil, fmt.Errorf("%w: медиа пакет длиннее repair payload", ErrRecoveryLength)
		}
		b0 ^= raw[0]
		b1 ^= raw[1]
		length ^= uint16(len(raw) - RTPHeaderSize)
		ts ^= binary.BigEndian.Uint32(raw[4:8])
		for i, b := range raw[RTPHeaderSize:] {
			repair[i] ^= b
		}
	}

	if int(length) > len(repair) {
		return nil, fmt.Errorf("%w: %d байт при repair payload %d байт", ErrRecoveryLength, length, len(repair))
	}

	out := make([]byte, RTPHeaderSize+int(length))
	// Версия RTP не передается: восстанавливаем V=2
	out[0] = 0x80 | (b0 & 0x3f)
	out[1] = b1
	binary.BigEndian.PutUint16(out[2:4], h.SeqNumBase+missing)
	binary.BigEndian.PutUint32(out[4:8], ts)
	binary.BigEndian.PutUint32(out[8:12], h.ProtectedSSRC)
	copy(out[RTPHeaderSize:], repair[:length])

	var check rtp.Packet
	if err := check.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryLength, err)
	}

	return out, nil
}

// Decode восстанавливает потерянные пакеты потока protectedSSRC по набору полученных
// медиа и FEC пакетов. Некорректные и чужие пакеты пропускаются.
func Decode(media [][]byte, fec []FecPacket, protectedSSRC uint32) [][]byte {
	d := NewDecoder(protectedSSRC)
	for _, raw := range media {
		_ = d.AddMedia(raw)
	}
	for _, pkt := range fec {
		_ = d.AddFec(pkt)
	}
	return d.Recover()
}
