package flexfec

import (
	"bytes"
	"log/slog"
	"net/url"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtensionsFromSDP(t *testing.T) {
	uri, err := url.Parse(sdp.TransportCCURI)
	require.NoError(t, err)

	maps := []sdp.ExtMap{
		{Value: 5, URI: uri},
		{Value: 6},
	}

	assert.Equal(t, []RTPExtension{{URI: TransportSequenceNumberURI, ID: 5}}, ExtensionsFromSDP(maps))
}

func TestRegisterBWEExtensions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	m := registerBWEExtensions([]RTPExtension{
		{URI: AbsoluteSendTimeURI, ID: 9},
		{URI: TransportSequenceNumberURI, ID: 2},
		{URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ID: 1},
		{URI: TransmissionOffsetURI, ID: 2},
		{URI: TransmissionOffsetURI, ID: 0},
	}, logger)

	assert.Equal(t, extensionMap{
		extensionAbsoluteSendTime:        9,
		extensionTransportSequenceNumber: 2,
	}, m)
	assert.Equal(t, []extensionType{extensionTransportSequenceNumber, extensionAbsoluteSendTime}, m.sorted())
	assert.Equal(t, 12, m.totalLength())

	assert.Contains(t, buf.String(), "ssrc-audio-level")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestExtensionMapTotalLength(t *testing.T) {
	assert.Equal(t, 0, extensionMap{}.totalLength())
	assert.Equal(t, 8, extensionMap{extensionTransportSequenceNumber: 1}.totalLength())
	assert.Equal(t, 8, extensionMap{extensionAbsoluteSendTime: 1}.totalLength())
}
