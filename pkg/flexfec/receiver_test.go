package flexfec

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/fec"
)

type recordingSink struct {
	mutex   sync.Mutex
	packets [][]byte
}

func (s *recordingSink) OnRecoveredPacket(packet []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.packets = append(s.packets, append([]byte(nil), packet...))
}

func (s *recordingSink) received() [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.packets
}

// generateWindow генерирует кадр из n медиа пакетов и FEC пакеты для него
func generateWindow(t *testing.T, s *Sender, firstSeq uint16, n int) ([][]byte, [][]byte) {
	t.Helper()

	var media [][]byte
	for i := 0; i < n; i++ {
		pkt := mediaPacket(firstSeq+uint16(i), i == n-1)
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		media = append(media, raw)
		s.AddPacketAndGenerateFec(pkt)
	}

	var fecPackets [][]byte
	for _, pkt := range s.GetFecPackets() {
		if pkt.HasExtension(TransportSequenceNumberURI) {
			require.NoError(t, pkt.SetTransportSequenceNumber(uint16(len(fecPackets))))
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		fecPackets = append(fecPackets, raw)
	}
	require.NotEmpty(t, fecPackets)

	return media, fecPackets
}

func TestReceiverRecoversLostPacket(t *testing.T) {
	sender := newTestSender(t, newFakeClock(), []RTPExtension{{URI: TransportSequenceNumberURI, ID: 4}}, nil)
	sender.SetFecParameters(fec.ProtectionParams{FecRate: 128, MaxFecFrames: 1, MaskType: fec.MaskRandom})
	media, fecPackets := generateWindow(t, sender, 500, 4)

	sink := &recordingSink{}
	r := NewReceiver(testFecSSRC, testMediaSSRC, sink, nil)

	for i, raw := range media {
		if i == 1 {
			continue
		}
		assert.True(t, r.AddAndProcessReceivedPacket(raw))
	}
	assert.Empty(t, sink.received())

	for _, raw := range fecPackets {
		assert.True(t, r.AddAndProcessReceivedPacket(raw))
	}

	recovered := sink.received()
	require.Len(t, recovered, 1)
	assert.Equal(t, media[1], recovered[0])

	counters := r.Counters()
	assert.Equal(t, uint64(3), counters.MediaPackets)
	assert.Equal(t, uint64(2), counters.FecPackets)
	assert.Equal(t, uint64(1), counters.RecoveredPackets)
	assert.Equal(t, uint64(0), counters.DroppedPackets)
}

func TestReceiverFecBeforeMedia(t *testing.T) {
	sender := newTestSender(t, newFakeClock(), nil, nil)
	sender.SetFecParameters(fec.ProtectionParams{FecRate: 128, MaxFecFrames: 1, MaskType: fec.MaskBursty})
	media, fecPackets := generateWindow(t, sender, 65534, 4)

	var recovered [][]byte
	r := NewReceiver(testFecSSRC, testMediaSSRC, RecoveredPacketReceiverFunc(func(p []byte) {
		recovered = append(recovered, p)
	}), nil)

	for _, raw := range fecPackets {
		assert.True(t, r.AddAndProcessReceivedPacket(raw))
	}
	assert.Empty(t, recovered)

	// FEC пакеты защищают {0, 1} и {2, 3}: каждый приход медиа пакета
	// оставляет в своей группе ровно одну потерю, и она восстанавливается
	assert.True(t, r.AddAndProcessReceivedPacket(media[0]))
	require.Len(t, recovered, 1)
	assert.Equal(t, media[1], recovered[0])

	assert.True(t, r.AddAndProcessReceivedPacket(media[2]))
	require.Len(t, recovered, 2)
	assert.Equal(t, media[3], recovered[1])

	// опоздавший оригинал уже восстановленного пакета отбрасывается
	assert.False(t, r.AddAndProcessReceivedPacket(media[3]))
	assert.False(t, r.AddAndProcessReceivedPacket(media[1]))
	assert.Len(t, recovered, 2)
}

func TestReceiverNoLossRecoversNothing(t *testing.T) {
	sender := newTestSender(t, newFakeClock(), nil, nil)
	sender.SetFecParameters(fec.ProtectionParams{FecRate: 128, MaxFecFrames: 1})
	media, fecPackets := generateWindow(t, sender, 10, 6)

	sink := &recordingSink{}
	r := NewReceiver(testFecSSRC, testMediaSSRC, sink, nil)
	for _, raw := range append(media, fecPackets...) {
		assert.True(t, r.AddAndProcessReceivedPacket(raw))
	}

	assert.Empty(t, sink.received())
	assert.Equal(t, uint64(0), r.Counters().RecoveredPackets)
}

func TestReceiverRejectsUnrelatedAndMalformedPackets(t *testing.T) {
	r := NewReceiver(testFecSSRC, testMediaSSRC, nil, nil)

	foreign := mediaPacket(1, false)
	foreign.SSRC = 777
	raw, err := foreign.Marshal()
	require.NoError(t, err)
	assert.False(t, r.AddAndProcessReceivedPacket(raw))

	assert.False(t, r.AddAndProcessReceivedPacket([]byte{0x80, 0x01}))

	// FEC пакет с некорректным заголовком
	badFec := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: testFecPayloadType, SequenceNumber: 1, SSRC: testFecSSRC},
		Payload: []byte{0x40, 0, 0, 0},
	}
	raw, err = badFec.Marshal()
	require.NoError(t, err)
	assert.False(t, r.AddAndProcessReceivedPacket(raw))

	// повторный медиа пакет
	dup, err := mediaPacket(5, false).Marshal()
	require.NoError(t, err)
	assert.True(t, r.AddAndProcessReceivedPacket(dup))
	assert.False(t, r.AddAndProcessReceivedPacket(dup))

	counters := r.Counters()
	assert.Equal(t, uint64(1), counters.MediaPackets)
	assert.Equal(t, uint64(3), counters.DroppedPackets)
}

func TestReceiverClose(t *testing.T) {
	r := NewReceiver(testFecSSRC, testMediaSSRC, nil, nil)

	raw, err := mediaPacket(1, false).Marshal()
	require.NoError(t, err)
	assert.True(t, r.AddAndProcessReceivedPacket(raw))

	r.Close()
	r.Close()

	raw, err = mediaPacket(2, false).Marshal()
	require.NoError(t, err)
	assert.False(t, r.AddAndProcessReceivedPacket(raw))
	assert.Equal(t, uint32(testFecSSRC), r.FecSSRC())
	assert.Equal(t, uint32(testMediaSSRC), r.ProtectedMediaSSRC())
}

func TestReceiverCloseWaitsForDelivery(t *testing.T) {
	sender := newTestSender(t, newFakeClock(), nil, nil)
	sender.SetFecParameters(fec.ProtectionParams{FecRate: 128, MaxFecFrames: 1, MaskType: fec.MaskRandom})
	media, fecPackets := generateWindow(t, sender, 700, 4)

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered int
	r := NewReceiver(testFecSSRC, testMediaSSRC, RecoveredPacketReceiverFunc(func([]byte) {
		delivered++
		close(entered)
		<-release
	}), nil)

	for i, raw := range media {
		if i != 1 {
			require.True(t, r.AddAndProcessReceivedPacket(raw))
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, raw := range fecPackets {
			r.AddAndProcessReceivedPacket(raw)
		}
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("восстановленный пакет не доставлен")
	}

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	// Close ждет, пока получатель не вернет управление
	assert.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close не завершился после доставки")
	}
	wg.Wait()

	assert.Equal(t, 1, delivered)
	assert.False(t, r.AddAndProcessReceivedPacket(media[1]))
}
