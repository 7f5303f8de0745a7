package peer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/bitpull/peer"
)

func TestRequestFraming(t *testing.T) {
	// Scenario 6 from the spec.
	msg := peer.Request(0, 0, 16384)
	var buf bytes.Buffer
	require.NoError(t, peer.WriteMessage(&buf, msg))

	expected := []byte{
		0x00, 0x00, 0x00, 0x0D,
		0x06,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x40, 0x00,
	}
	assert.Equal(t, expected, buf.Bytes())
}

func TestReadMessageSkipsKeepAlives(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // keep-alive
	require.NoError(t, peer.WriteMessage(&buf, peer.Unchoke()))

	msg, err := peer.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, peer.MsgUnchoke, msg.Type)
}

func TestReadMessageRejectsUnknownID(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 99})

	_, err := peer.ReadMessage(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ProtocolError)
}

func TestParsePieceRoundTrip(t *testing.T) {
	payload := make([]byte, 8+3)
	payload[3] = 5   // index = 5
	payload[7] = 10  // begin = 10
	copy(payload[8:], []byte("abc"))

	index, begin, data, err := peer.ParsePiece(payload)
	require.NoError(t, err)
	assert.Equal(t, 5, index)
	assert.Equal(t, int64(10), begin)
	assert.Equal(t, []byte("abc"), data)
}

func TestParseHaveRejectsBadLength(t *testing.T) {
	_, err := peer.ParseHave([]byte{1, 2, 3})
	require.Error(t, err)
}
