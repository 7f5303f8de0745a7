package peer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MessageType identifies the taxonomy of post-handshake framed messages.
type MessageType byte

const (
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
)

// ProtocolError marks a violation of the framing or session-state
// contract: an unknown message id, a misplaced first message, or a
// payload of the wrong length.
var ProtocolError = errors.New("peer: protocol violation")

// Message is one parsed framed message; Payload excludes the id byte.
type Message struct {
	Type    MessageType
	Payload []byte
}

// readFrame reads one [length][payload] frame. A zero-length frame is
// a keep-alive and is reported as (nil, nil).
func readFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "peer: reading frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil // keep-alive
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "peer: reading frame body")
	}
	msgType := MessageType(buf[0])
	if msgType > MsgCancel {
		return nil, errors.Wrapf(ProtocolError, "unknown message id %d", buf[0])
	}
	return &Message{Type: msgType, Payload: buf[1:]}, nil
}

// ReadMessage reads and silently discards keep-alives until a real
// framed message arrives.
func ReadMessage(r io.Reader) (*Message, error) {
	for {
		msg, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// WriteMessage serializes and writes msg as [length][id][payload].
func WriteMessage(w io.Writer, msg *Message) error {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.Type)
	copy(buf[5:], msg.Payload)
	_, err := w.Write(buf)
	return errors.Wrap(err, "peer: writing frame")
}

// Unchoke builds an unchoke message.
func Unchoke() *Message { return &Message{Type: MsgUnchoke} }

// Interested builds an interested message.
func Interested() *Message { return &Message{Type: MsgInterested} }

// Have builds a have message for pieceIndex.
func Have(pieceIndex int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return &Message{Type: MsgHave, Payload: payload}
}

// Request builds a request message for a block.
func Request(pieceIndex int, begin, length int64) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{Type: MsgRequest, Payload: payload}
}

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, errors.Wrapf(ProtocolError, "have payload length %d, expected 4", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParsePiece extracts the piece index, begin offset and block data
// from a piece message's payload.
func ParsePiece(payload []byte) (index int, begin int64, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, errors.Wrapf(ProtocolError, "piece payload length %d, expected at least 8", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int64(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}
