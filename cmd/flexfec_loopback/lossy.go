package main

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/transport"
)

// lossyTransport отбрасывает медиа пакеты с заданной вероятностью.
// FEC пакеты проходят без потерь, чтобы потери были восстановимы.
type lossyTransport struct {
	transport.Transport

	mediaSSRC uint32
	rate      float64

	mutex sync.Mutex
	rng   *rand.Rand

	dropped atomic.Uint64
}

func newLossyTransport(inner transport.Transport, mediaSSRC uint32, rate float64, seed uint64) *lossyTransport {
	return &lossyTransport{
		Transport: inner,
		mediaSSRC: mediaSSRC,
		rate:      rate,
		rng:       rand.New(rand.NewPCG(seed, seed^uint64(mediaSSRC))),
	}
}

func (t *lossyTransport) Send(packet *rtp.Packet) error {
	if packet.SSRC == t.mediaSSRC && t.drop() {
		t.dropped.Add(1)
		return nil
	}
	return t.Transport.Send(packet)
}

func (t *lossyTransport) drop() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.rng.Float64() < t.rate
}
