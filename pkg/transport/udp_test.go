package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()

	a, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0", RemoteAddr: a.LocalAddr().String()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return a, b
}

func testPacket() *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 42,
			Timestamp:      960,
			SSRC:           0xabcdef,
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}
}

func TestUDPTransportSendReceive(t *testing.T) {
	a, b := newLoopbackPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pkt := testPacket()
	require.NoError(t, b.Send(pkt))

	var data []byte
	var addr net.Addr
	for {
		var err error
		data, addr, err = a.Receive(ctx)
		if IsTimeout(err) {
			continue
		}
		require.NoError(t, err)
		break
	}

	expected, err := pkt.Marshal()
	require.NoError(t, err)
	assert.Equal(t, expected, data)
	assert.Equal(t, b.LocalAddr().String(), addr.String())

	// удаленный адрес запоминается по первому пакету
	require.NotNil(t, a.RemoteAddr())
	assert.Equal(t, b.LocalAddr().String(), a.RemoteAddr().String())
}

func TestUDPTransportSendRequiresRemote(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer tr.Close()

	assert.Nil(t, tr.RemoteAddr())
	assert.Error(t, tr.Send(testPacket()))
}

func TestUDPTransportRejectsInvalidPackets(t *testing.T) {
	_, b := newLoopbackPair(t)

	pkt := testPacket()
	pkt.Version = 1
	assert.Error(t, b.Send(pkt))

	pkt = testPacket()
	pkt.PayloadType = 200
	assert.Error(t, b.Send(pkt))

	pkt = testPacket()
	pkt.Payload = make([]byte, DefaultBufferSize)
	assert.Error(t, b.Send(pkt))
}

func TestUDPTransportReceiveTimeout(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0", ReceiveTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	_, _, err = tr.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.True(t, classified.Retryable())
}

func TestUDPTransportReceiveCancelled(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUDPTransportClose(t *testing.T) {
	tr, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0", RemoteAddr: "127.0.0.1:9"})
	require.NoError(t, err)

	assert.True(t, tr.IsActive())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsActive())

	assert.ErrorIs(t, tr.Send(testPacket()), ErrTransportClosed)
	_, _, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		valid  bool
	}{
		{"default", DefaultConfig(), true},
		{"no local address", Config{BufferSize: DefaultBufferSize}, false},
		{"small buffer", Config{LocalAddr: "127.0.0.1:0", BufferSize: 4}, false},
		{"dscp out of range", Config{LocalAddr: "127.0.0.1:0", BufferSize: DefaultBufferSize, DSCP: 64}, false},
		{"expedited forwarding", Config{LocalAddr: "127.0.0.1:0", BufferSize: DefaultBufferSize, DSCP: DSCPExpeditedForwarding}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	_, err := NewUDPTransport(Config{LocalAddr: "127.0.0.1:0", DSCP: -1})
	assert.Error(t, err)
}

func TestClassifyNetworkError(t *testing.T) {
	assert.Nil(t, classifyNetworkError("op", nil))

	err := classifyNetworkError("UDP write", &net.OpError{Op: "write", Net: "udp", Err: os.NewSyscallError("sendto", syscall.ECONNREFUSED)})
	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrorTypeConnection, classified.Type)
	assert.True(t, classified.Retryable())

	err = classifyNetworkError("UDP write", errors.New("something odd"))
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrorTypeUnknown, classified.Type)
	assert.False(t, classified.Retryable())
	assert.False(t, IsTimeout(err))

	err = classifyNetworkError("UDP read", net.ErrClosed)
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrorTypePermanent, classified.Type)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Contains(t, err.Error(), "permanent")
}
