package flexfec

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/fec"
)

const (
	testFecPayloadType = 118
	testFecSSRC        = 98765
	testMediaSSRC      = 1234
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestSender(t *testing.T, clock Clock, extensions []RTPExtension, logger *slog.Logger) *Sender {
	t.Helper()
	s, err := NewSender(SenderConfig{
		PayloadType:        testFecPayloadType,
		SSRC:               testFecSSRC,
		ProtectedMediaSSRC: testMediaSSRC,
		Extensions:         extensions,
		Clock:              clock,
		Logger:             logger,
	})
	require.NoError(t, err)
	return s
}

func mediaPacket(seq uint16, marker bool) *rtp.Packet {
	payload := make([]byte, 20+int(seq%7))
	for i := range payload {
		payload[i] = byte(int(seq)*13 + i)
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 960,
			SSRC:           testMediaSSRC,
		},
		Payload: payload,
	}
}

// addFrame добавляет кадр из n пакетов, marker на последнем
func addFrame(s *Sender, firstSeq uint16, n int) bool {
	generated := false
	for i := 0; i < n; i++ {
		generated = s.AddPacketAndGenerateFec(mediaPacket(firstSeq+uint16(i), i == n-1))
	}
	return generated
}

func TestNewSenderRejectsInvalidPayloadType(t *testing.T) {
	for _, pt := range []int{-1, 128, 1000} {
		_, err := NewSender(SenderConfig{PayloadType: pt, SSRC: testFecSSRC, ProtectedMediaSSRC: testMediaSSRC})
		assert.Error(t, err, "payload type %d", pt)
	}

	s, err := NewSender(SenderConfig{PayloadType: 0, SSRC: testFecSSRC, ProtectedMediaSSRC: testMediaSSRC})
	require.NoError(t, err)
	assert.Equal(t, uint32(testFecSSRC), s.SSRC())
	assert.Equal(t, uint32(testMediaSSRC), s.ProtectedMediaSSRC())
}

func TestSenderNoFecWithoutParameters(t *testing.T) {
	s := newTestSender(t, newFakeClock(), nil, nil)

	assert.False(t, addFrame(s, 0, 5))
	assert.False(t, s.FecAvailable())
	assert.Empty(t, s.GetFecPackets())
}

func TestSenderGetFecPackets(t *testing.T) {
	clock := newFakeClock()
	s := newTestSender(t, clock, nil, nil)
	s.SetFecParameters(fec.ProtectionParams{FecRate: 128, MaxFecFrames: 1})

	require.True(t, addFrame(s, 100, 4))
	require.True(t, s.FecAvailable())

	packets := s.GetFecPackets()
	require.Len(t, packets, 2)
	assert.False(t, s.FecAvailable())

	first := packets[0]
	assert.GreaterOrEqual(t, first.SequenceNumber, uint16(1))
	assert.LessOrEqual(t, first.SequenceNumber, uint16(0x7fff))

	for i, pkt := range packets {
		assert.Equal(t, uint8(2), pkt.Version)
		assert.False(t, pkt.Marker)
		assert.Equal(t, uint8(testFecPayloadType), pkt.PayloadType)
		assert.Equal(t, uint32(testFecSSRC), pkt.SSRC)
		assert.Equal(t, first.SequenceNumber+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, first.Timestamp, pkt.Timestamp)
		assert.Equal(t, clock.now, pkt.CaptureTime)
		assert.False(t, pkt.Header.Extension)

		header, err := fec.ParseHeader(pkt.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(testMediaSSRC), header.ProtectedSSRC)
		assert.Equal(t, uint16(100), header.SeqNumBase)
	}

	// следующее окно продолжает нумерацию, timestamp идет по 90 кГц часам
	clock.advance(time.Second)
	require.True(t, addFrame(s, 104, 4))
	next := s.GetFecPackets()
	require.Len(t, next, 2)
	assert.Equal(t, first.SequenceNumber+2, next[0].SequenceNumber)
	assert.Equal(t, first.Timestamp+90000, next[0].Timestamp)
}

func TestSenderRandomStateDependsOnClock(t *testing.T) {
	clock := newFakeClock()
	a := newTestSender(t, clock, nil, nil)
	b := newTestSender(t, clock, nil, nil)

	// одинаковые часы дают одинаковое начальное состояние
	assert.Equal(t, a.seqNum, b.seqNum)
	assert.Equal(t, a.timestampOffset, b.timestampOffset)

	clock.advance(1234 * time.Microsecond)
	c := newTestSender(t, clock, nil, nil)
	assert.False(t, a.seqNum == c.seqNum && a.timestampOffset == c.timestampOffset)
}

func TestSenderParametersApplyToNextWindow(t *testing.T) {
	s := newTestSender(t, newFakeClock(), nil, nil)
	s.SetFecParameters(fec.ProtectionParams{FecRate: 64, MaxFecFrames: 1})

	s.AddPacketAndGenerateFec(mediaPacket(0, false))
	s.SetFecParameters(fec.ProtectionParams{FecRate: 255, MaxFecFrames: 1})
	s.AddPacketAndGenerateFec(mediaPacket(1, false))
	s.AddPacketAndGenerateFec(mediaPacket(2, false))
	require.True(t, s.AddPacketAndGenerateFec(mediaPacket(3, true)))
	assert.Len(t, s.GetFecPackets(), fec.NumFecPackets(4, 64))

	require.True(t, addFrame(s, 4, 4))
	assert.Len(t, s.GetFecPackets(), fec.NumFecPackets(4, 255))
}

func TestSenderPanicsOnForeignSSRC(t *testing.T) {
	s := newTestSender(t, newFakeClock(), nil, nil)

	pkt := mediaPacket(1, true)
	pkt.SSRC = testMediaSSRC + 1
	assert.Panics(t, func() { s.AddPacketAndGenerateFec(pkt) })
}

func TestSenderExtensions(t *testing.T) {
	extensions := []RTPExtension{
		{URI: TransportSequenceNumberURI, ID: 3},
		{URI: AbsoluteSendTimeURI, ID: 5},
		{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 7},
		{URI: TransmissionOffsetURI, ID: 20},
	}
	clock := newFakeClock()
	s := newTestSender(t, clock, extensions, nil)
	s.SetFecParameters(fec.ProtectionParams{FecRate: 255, MaxFecFrames: 1})

	// 4 байта преамбулы + (1+2) + (1+3), выравнивание до 12
	assert.Equal(t, 12+fec.MaxHeaderSize, s.MaxPacketOverhead())

	require.True(t, addFrame(s, 0, 1))
	packets := s.GetFecPackets()
	require.Len(t, packets, 1)
	pkt := packets[0]

	assert.True(t, pkt.HasExtension(TransportSequenceNumberURI))
	assert.True(t, pkt.HasExtension(AbsoluteSendTimeURI))
	assert.False(t, pkt.HasExtension(TransmissionOffsetURI))
	assert.False(t, pkt.HasExtension("urn:ietf:params:rtp-hdrext:sdes:mid"))

	assert.Equal(t, []byte{0, 0}, pkt.GetExtension(3))
	assert.Equal(t, []byte{0, 0, 0}, pkt.GetExtension(5))
	assert.Nil(t, pkt.GetExtension(7))

	require.NoError(t, pkt.SetTransportSequenceNumber(0x1234))
	assert.Equal(t, []byte{0x12, 0x34}, pkt.GetExtension(3))

	require.NoError(t, pkt.SetAbsoluteSendTime(clock.now))
	assert.Len(t, pkt.GetExtension(5), 3)

	assert.Error(t, pkt.SetTransmissionOffset(100))

	raw, err := pkt.Marshal()
	require.NoError(t, err)
	var parsed rtp.Packet
	require.NoError(t, parsed.Unmarshal(raw))
	assert.Equal(t, pkt.Payload, parsed.Payload)
	assert.Equal(t, []byte{0x12, 0x34}, parsed.GetExtension(3))
}

func TestSenderMaxPacketOverhead(t *testing.T) {
	s := newTestSender(t, newFakeClock(), nil, nil)
	assert.Equal(t, fec.MaxHeaderSize, s.MaxPacketOverhead())

	all := newTestSender(t, newFakeClock(), []RTPExtension{
		{URI: TransportSequenceNumberURI, ID: 1},
		{URI: AbsoluteSendTimeURI, ID: 2},
		{URI: TransmissionOffsetURI, ID: 3},
	}, nil)
	// 4 + 3 + 4 + 4 = 15, выравнивание до 16
	assert.Equal(t, 16+fec.MaxHeaderSize, all.MaxPacketOverhead())
}

func TestSenderTransmissionOffset(t *testing.T) {
	s := newTestSender(t, newFakeClock(), []RTPExtension{{URI: TransmissionOffsetURI, ID: 2}}, nil)
	s.SetFecParameters(fec.ProtectionParams{FecRate: 255, MaxFecFrames: 1})

	require.True(t, addFrame(s, 0, 1))
	pkt := s.GetFecPackets()[0]

	require.NoError(t, pkt.SetTransmissionOffset(-1))
	assert.Equal(t, []byte{0xff, 0xff, 0xff}, pkt.GetExtension(2))
	require.NoError(t, pkt.SetTransmissionOffset(0x010203))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, pkt.GetExtension(2))
}

func TestSenderLogsGeneratedPacketsPeriodically(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	clock := newFakeClock()
	s := newTestSender(t, clock, nil, logger)
	s.SetFecParameters(fec.ProtectionParams{FecRate: 255, MaxFecFrames: 1})

	const message = "сгенерированы FlexFEC пакеты"
	seq := uint16(0)
	generate := func() {
		require.True(t, addFrame(s, seq, 2))
		seq += 2
		require.NotEmpty(t, s.GetFecPackets())
	}

	generate()
	assert.Equal(t, 1, strings.Count(buf.String(), message))

	clock.advance(5 * time.Second)
	generate()
	assert.Equal(t, 1, strings.Count(buf.String(), message))

	clock.advance(6 * time.Second)
	generate()
	assert.Equal(t, 2, strings.Count(buf.String(), message))
}

func TestSerialCheckerDetectsOverlappingCalls(t *testing.T) {
	var c serialChecker

	c.enter("first")
	assert.Panics(t, func() { c.enter("second") })
	c.leave()

	assert.NotPanics(t, func() {
		c.enter("third")
		c.leave()
	})
}
