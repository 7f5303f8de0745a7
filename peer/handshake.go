package peer

import "github.com/pkg/errors"

// Protocol is the identifier string carried in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed wire size of a handshake message.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// HandshakeError marks a failure during the fixed-size handshake
// exchange: wrong protocol length/string, or an info_hash mismatch.
var HandshakeError = errors.New("peer: handshake failed")

// BuildHandshake serializes the fixed 68-byte handshake message:
// [len][protocol][8 reserved bytes][info_hash][peer_id].
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// 8 reserved bytes left zero: this client advertises no extensions.
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ParseHandshake validates and decodes a received 68-byte handshake.
// A reserved-byte mismatch is never fatal (peers may advertise
// extensions this client ignores); only the protocol length/string and
// info_hash are checked.
func ParseHandshake(buf []byte, wantInfoHash [20]byte) (peerID [20]byte, err error) {
	if len(buf) != HandshakeSize {
		return peerID, errors.Wrapf(HandshakeError, "received %d bytes, expected %d", len(buf), HandshakeSize)
	}
	if int(buf[0]) != len(Protocol) {
		return peerID, errors.Wrapf(HandshakeError, "protocol length %d, expected %d", buf[0], len(Protocol))
	}
	if string(buf[1:1+len(Protocol)]) != Protocol {
		return peerID, errors.Wrapf(HandshakeError, "unexpected protocol string %q", buf[1:1+len(Protocol)])
	}
	var gotHash [20]byte
	copy(gotHash[:], buf[1+len(Protocol)+8:1+len(Protocol)+8+20])
	if gotHash != wantInfoHash {
		return peerID, errors.Wrap(HandshakeError, "info_hash mismatch")
	}
	copy(peerID[:], buf[1+len(Protocol)+8+20:])
	return peerID, nil
}
