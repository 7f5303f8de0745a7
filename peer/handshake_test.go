package peer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/bitpull/peer"
)

func TestHandshakeRoundTrip(t *testing.T) {
	// Scenario 5 from the spec.
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = 0xAB
		peerID[i] = 0xCD
	}

	wire := peer.BuildHandshake(infoHash, peerID)
	require.Len(t, wire, 68)

	expected := append([]byte{0x13}, []byte(peer.Protocol)...)
	expected = append(expected, make([]byte, 8)...)
	expected = append(expected, bytes.Repeat([]byte{0xAB}, 20)...)
	expected = append(expected, bytes.Repeat([]byte{0xCD}, 20)...)
	assert.Equal(t, expected, wire)

	gotPeerID, err := peer.ParseHandshake(wire, infoHash)
	require.NoError(t, err)
	assert.Equal(t, peerID, gotPeerID)
}

func TestParseHandshakeRejectsWrongLength(t *testing.T) {
	var infoHash [20]byte
	_, err := peer.ParseHandshake([]byte{1, 2, 3}, infoHash)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.HandshakeError)
}

func TestParseHandshakeRejectsInfoHashMismatch(t *testing.T) {
	var infoHash, other, peerID [20]byte
	other[0] = 1
	wire := peer.BuildHandshake(infoHash, peerID)
	_, err := peer.ParseHandshake(wire, other)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.HandshakeError)
}
