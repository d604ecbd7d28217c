package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// Encode строит numFec FEC нагрузок (FlexFEC заголовок + repair payload) для окна медиа пакетов.
//
// Медиа пакеты должны принадлежать одному SSRC и идти по возрастанию sequence number,
// причем все номера должны укладываться в MaxMediaPackets от первого. Пропуски допустимы:
// маска адресует пакеты по смещению от первого номера окна.
//
// Каждая нагрузка содержит XOR защищаемых пакетов:
//   - байтов 0-1 RTP заголовка (P, X, CC, M, PT; биты R/F очищаются)
//   - длины всего, что идет после фиксированных 12 байт заголовка
//   - timestamp
//   - всех байт после фиксированного заголовка (более короткие пакеты дополняются нулями)
func Encode(media []*rtp.Packet, numFec int, maskType MaskType) ([][]byte, error) {
	if len(media) == 0 || len(media) > MaxMediaPackets {
		return nil, fmt.Errorf("%w: %d пакетов", ErrWindowInvalid, len(media))
	}
	if numFec <= 0 {
		return nil, nil
	}

	base := media[0].SequenceNumber
	ssrc := media[0].SSRC
	offsets := make([]uint16, len(media))
	raws := make([][]byte, len(media))

	for i, pkt := range media {
		if pkt.SSRC != ssrc {
			return nil, fmt.Errorf("%w: смешанные SSRC %d и %d", ErrWindowInvalid, ssrc, pkt.SSRC)
		}
		off := pkt.SequenceNumber - base
		if off >= MaxMediaPackets || (i > 0 && off <= offsets[i-1]) {
			return nil, fmt.Errorf("%w: sequence number %d вне окна с базой %d", ErrWindowInvalid, pkt.SequenceNumber, base)
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("ошибка маршалинга медиа пакета %d: %w", pkt.SequenceNumber, err)
		}
		offsets[i] = off
		raws[i] = raw
	}

	masks := buildMasks(offsets, numFec, maskType)
	payloads := make([][]byte, 0, len(masks))

	for fecIndex := range masks {
		m := &masks[fecIndex]
		if m.empty() {
			continue
		}

		maxLen := 0
		for i, off := range offsets {
			if m.has(off) {
				maxLen = max(maxLen, len(raws[i])-RTPHeaderSize)
			}
		}

		headerSize := m.headerSize()
		payload := make([]byte, headerSize+maxLen)
		repair := payload[headerSize:]

		for i, off := range offsets {
			if m.has(off) {
				xorPacket(payload, repair, raws[i])
			}
		}

		// Бит R и F очищаются: flexible mask, не retransmission
		payload[0] &= 0x3f
		writeHeader(payload, ssrc, base, m)

		payloads = append(payloads, payload)
	}

	return payloads, nil
}

// xorPacket добавляет сериализованный медиа пакет raw к восстанавливающим полям заголовка hdr
// и к repair payload
func xorPacket(hdr, repair, raw []byte) {
	hdr[0] ^= raw[0]
	hdr[1] ^= raw[1]

	length := uint16(len(raw) - RTPHeaderSize)
	binary.BigEndian.PutUint16(hdr[2:4], binary.BigEndian.Uint16(hdr[2:4])^length)

	hdr[4] ^= raw[4]
	hdr[5] ^= raw[5]
	hdr[6] ^= raw[6]
	hdr[7] ^= raw[7]

	for i, b := range raw[RTPHeaderSize:] {
		repair[i] ^= b
	}
}
