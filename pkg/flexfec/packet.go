package flexfec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Packet исходящий FEC пакет, готовый к передаче.
//
// Слоты BWE расширений зарезервированы (заполнены нулями) и заполняются
// дальше по конвейеру отправки через SetTransportSequenceNumber,
// SetAbsoluteSendTime и SetTransmissionOffset.
type Packet struct {
	rtp.Packet

	// CaptureTime время формирования пакета, используется для transmission offset
	CaptureTime time.Time

	extensions extensionMap
}

// HasExtension сообщает, зарезервирован ли слот для расширения с данным URI
func (p *Packet) HasExtension(uri string) bool {
	t, ok := extensionTypeFromURI(uri)
	if !ok {
		return false
	}
	_, ok = p.extensions[t]
	return ok
}

// SetTransportSequenceNumber заполняет transport-wide sequence number
func (p *Packet) SetTransportSequenceNumber(seq uint16) error {
	value, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
	if err != nil {
		return err
	}
	return p.fill(extensionTransportSequenceNumber, value)
}

// SetAbsoluteSendTime заполняет abs-send-time временем отправки sendTime
func (p *Packet) SetAbsoluteSendTime(sendTime time.Time) error {
	value, err := rtp.NewAbsSendTimeExtension(sendTime).Marshal()
	if err != nil {
		return err
	}
	return p.fill(extensionAbsoluteSendTime, value)
}

// SetTransmissionOffset заполняет transmission offset (24 бита со знаком, в единицах RTP clock)
func (p *Packet) SetTransmissionOffset(offset int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(offset)&0x00ffffff)
	return p.fill(extensionTransmissionOffset, buf[1:])
}

func (p *Packet) fill(t extensionType, value []byte) error {
	id, ok := p.extensions[t]
	if !ok {
		return fmt.Errorf("расширение не зарегистрировано для FlexFEC пакета")
	}
	return p.Header.SetExtension(id, value)
}

// reserveExtensions добавляет нулевые значения всех зарегистрированных расширений
func (p *Packet) reserveExtensions() error {
	for _, t := range p.extensions.sorted() {
		if err := p.Header.SetExtension(p.extensions[t], make([]byte, t.valueSize())); err != nil {
			return err
		}
	}
	return nil
}
