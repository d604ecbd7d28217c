package fec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumFecPackets(t *testing.T) {
	tests := []struct {
		numMedia int
		rate     uint8
		want     int
	}{
		{5, 128, 3},
		{1, 1, 1},
		{10, 0, 0},
		{3, 255, 3},
		{4, 64, 1},
		{20, 51, 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NumFecPackets(tt.numMedia, tt.rate), "media=%d rate=%d", tt.numMedia, tt.rate)
	}
}

func TestGeneratorSingleFrameWindow(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 128, MaxFecFrames: 1, MaskType: MaskRandom})

	for seq := uint16(0); seq < 3; seq++ {
		generated, err := g.AddPacket(makeMediaPacket(seq, 1000, 30, false))
		require.NoError(t, err)
		assert.False(t, generated)
		assert.False(t, g.FecAvailable())
	}

	generated, err := g.AddPacket(makeMediaPacket(3, 1000, 30, true))
	require.NoError(t, err)
	assert.True(t, generated)
	assert.True(t, g.FecAvailable())
	assert.Equal(t, 0, g.NumMediaPackets())

	payloads := g.TakeFecPayloads()
	assert.Len(t, payloads, 2)
	assert.False(t, g.FecAvailable())
	assert.Empty(t, g.TakeFecPayloads())
}

func TestGeneratorParamsApplyToNextWindow(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 128, MaxFecFrames: 1})

	seq := uint16(0)
	for ; seq < 3; seq++ {
		_, err := g.AddPacket(makeMediaPacket(seq, 0, 30, false))
		require.NoError(t, err)
	}

	// изменение во время окна не влияет на текущее окно
	g.SetProtectionParams(ProtectionParams{FecRate: 255, MaxFecFrames: 1})

	generated, err := g.AddPacket(makeMediaPacket(seq, 0, 30, true))
	require.NoError(t, err)
	require.True(t, generated)
	assert.Len(t, g.TakeFecPayloads(), NumFecPackets(4, 128))

	for i := 0; i < 4; i++ {
		seq++
		_, err = g.AddPacket(makeMediaPacket(seq, 0, 30, i == 3))
		require.NoError(t, err)
	}
	assert.Len(t, g.TakeFecPayloads(), NumFecPackets(4, 255))
}

func TestGeneratorWaitsForOverhead(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 80, MaxFecFrames: 3})

	// один пакет на кадр: overhead 256 при запрошенном 80, окно не закрывается
	generated, err := g.AddPacket(makeMediaPacket(0, 0, 10, true))
	require.NoError(t, err)
	assert.False(t, generated)

	generated, err = g.AddPacket(makeMediaPacket(1, 3000, 10, true))
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, g.TakeFecPayloads(), 1)
}

func TestGeneratorDisabledByZeroRate(t *testing.T) {
	g := NewGenerator()

	for seq := uint16(0); seq < 10; seq++ {
		generated, err := g.AddPacket(makeMediaPacket(seq, 0, 10, true))
		require.NoError(t, err)
		assert.False(t, generated)
	}
	assert.False(t, g.FecAvailable())
	assert.Equal(t, 0, g.NumMediaPackets())
}

func TestGeneratorDiscardsWindowOnDiscontinuity(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 128, MaxFecFrames: 1})

	_, err := g.AddPacket(makeMediaPacket(10, 0, 10, false))
	require.NoError(t, err)
	_, err = g.AddPacket(makeMediaPacket(11, 0, 10, false))
	require.NoError(t, err)

	_, err = g.AddPacket(makeMediaPacket(5, 0, 10, false))
	assert.ErrorIs(t, err, ErrWindowInvalid)
	assert.Equal(t, 1, g.NumMediaPackets())
}

func TestGeneratorClosesFullWindow(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 26, MaxFecFrames: 1})

	var generated bool
	for seq := uint16(0); seq < MaxMediaPackets; seq++ {
		var err error
		generated, err = g.AddPacket(makeMediaPacket(seq, 0, 10, false))
		require.NoError(t, err)
	}

	assert.True(t, generated)
	assert.Len(t, g.TakeFecPayloads(), NumFecPackets(MaxMediaPackets, 26))
}

func TestGeneratorOutputRecoversLoss(t *testing.T) {
	g := NewGenerator()
	g.SetProtectionParams(ProtectionParams{FecRate: 85, MaxFecFrames: 2, MaskType: MaskBursty})

	var raws [][]byte
	for seq := uint16(200); seq < 206; seq++ {
		pkt := makeMediaPacket(seq, uint32(seq/3)*3000, 40, (seq-200)%3 == 2)
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		raws = append(raws, raw)
		_, err = g.AddPacket(pkt)
		require.NoError(t, err)
	}
	require.True(t, g.FecAvailable())

	payloads := g.TakeFecPayloads()
	recovered := Decode(without(raws, 4), toFecPackets(payloads, 9), testSSRC)
	require.Len(t, recovered, 1)
	assert.Equal(t, raws[4], recovered[0])
}
