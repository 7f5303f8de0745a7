// Package peer owns a single TCP connection to a remote peer: the
// handshake, message framing, the choked/interested session state
// machine, and the request/piece block exchange.
package peer

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/kestrel-dev/bitpull/piece"
)

// TimeoutError marks an expired wait for a framed message. It fails
// only the affected session; the scheduler retries the block elsewhere.
var TimeoutError = errors.New("peer: timed out waiting for message")

// IOError marks any other socket failure.
var IOError = errors.New("peer: i/o error")

// DefaultTimeout bounds every wait for a single framed message.
const DefaultTimeout = 5 * time.Second

// DialTimeout bounds the TCP connect + handshake exchange.
const DialTimeout = 5 * time.Second

// Delivery is one received block, ready for the scheduler to copy into
// its piece buffer.
type Delivery struct {
	PieceIndex int
	Begin      int64
	Data       []byte
}

// Session is a live, handshaked connection to one peer.
type Session struct {
	conn         net.Conn
	Bitfield     Bitfield
	RemotePeerID [20]byte
	// Endpoint is the dialed address, stored alongside the session so a
	// piece's candidate set can reference it without holding a pointer
	// to a connection whose lifetime may end before the piece does.
	Endpoint     string
	weAreChoked  bool
	weSentIntent bool
	timeout      time.Duration
}

// Connect dials endpoint, performs the handshake, and consumes the
// peer's initial bitfield. The bitfield keeps the length of the received
// payload; numPieces is not used to size or check it.
func Connect(endpoint string, localPeerID, infoHash [20]byte, numPieces int) (*Session, error) {
	conn, err := net.DialTimeout("tcp", endpoint, DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(IOError, "dialing %s: %s", endpoint, err)
	}

	s := &Session{conn: conn, Endpoint: endpoint, weAreChoked: true, timeout: DefaultTimeout}

	if err := s.handshake(localPeerID, infoHash); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.readInitialBitfield(numPieces); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) handshake(localPeerID, infoHash [20]byte) error {
	s.conn.SetDeadline(time.Now().Add(DialTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := writeAll(s.conn, BuildHandshake(infoHash, localPeerID)); err != nil {
		return errors.Wrap(IOError, err.Error())
	}

	resp := make([]byte, HandshakeSize)
	if _, err := readAll(s.conn, resp); err != nil {
		return errors.Wrap(IOError, err.Error())
	}

	remotePeerID, err := ParseHandshake(resp, infoHash)
	if err != nil {
		return err
	}
	s.RemotePeerID = remotePeerID
	return nil
}

func (s *Session) readInitialBitfield(numPieces int) error {
	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := ReadMessage(s.conn)
	if err != nil {
		return classifyReadErr(err)
	}
	if msg.Type != MsgBitfield {
		return errors.Wrapf(ProtocolError, "expected bitfield as first message, got type %d", msg.Type)
	}
	bf := make(Bitfield, len(msg.Payload))
	copy(bf, msg.Payload)
	s.Bitfield = bf
	_ = numPieces // the bitfield's trailing padding bits are simply never queried past numPieces
	return nil
}

// AvailablePieces returns the piece indices this peer has advertised,
// up to numPieces.
func (s *Session) AvailablePieces(numPieces int) []int {
	return s.Bitfield.Indices(numPieces)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Drain consumes blocks from requests, sending a request and awaiting
// the matching piece for each in turn, emitting every received block
// to deliveries. It returns when requests is closed or on failure; on
// failure the block that was in flight (if any) is pushed back onto
// requests so another session can pick it up.
func (s *Session) Drain(requests chan piece.Block, deliveries chan<- Delivery) ([20]byte, error) {
	if !s.weSentIntent {
		if err := WriteMessage(s.conn, Interested()); err != nil {
			return s.RemotePeerID, errors.Wrap(IOError, err.Error())
		}
		s.weSentIntent = true
	}

	for {
		block, ok := <-requests
		if !ok {
			return s.RemotePeerID, nil
		}
		if err := s.fetchBlock(block, deliveries); err != nil {
			requests <- block
			return s.RemotePeerID, err
		}
	}
}

func (s *Session) fetchBlock(block piece.Block, deliveries chan<- Delivery) error {
	if err := s.waitUntilUnchoked(); err != nil {
		return err
	}

	req := Request(block.PieceIndex, block.Begin, block.Length)
	if err := WriteMessage(s.conn, req); err != nil {
		return errors.Wrap(IOError, err.Error())
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		msg, err := ReadMessage(s.conn)
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return classifyReadErr(err)
		}

		switch msg.Type {
		case MsgChoke:
			s.weAreChoked = true
		case MsgUnchoke:
			s.weAreChoked = false
		case MsgHave:
			idx, err := ParseHave(msg.Payload)
			if err != nil {
				return err
			}
			s.Bitfield.Set(idx)
		case MsgPiece:
			index, begin, data, err := ParsePiece(msg.Payload)
			if err != nil {
				return err
			}
			if index != block.PieceIndex || begin != block.Begin {
				continue // stale or unrelated delivery; keep waiting
			}
			deliveries <- Delivery{PieceIndex: index, Begin: begin, Data: data}
			return nil
		case MsgRequest, MsgCancel:
			// We do not seed; ignore inbound requests from the remote.
		case MsgBitfield, MsgInterested, MsgNotInterested:
			// Unexpected this late, but not a protocol violation worth
			// failing the session over.
		}
	}
}

func (s *Session) waitUntilUnchoked() error {
	for s.weAreChoked {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		msg, err := ReadMessage(s.conn)
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return classifyReadErr(err)
		}
		switch msg.Type {
		case MsgUnchoke:
			s.weAreChoked = false
		case MsgChoke:
			s.weAreChoked = true
		case MsgHave:
			if idx, err := ParseHave(msg.Payload); err == nil {
				s.Bitfield.Set(idx)
			}
		}
	}
	return nil
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.Wrap(TimeoutError, err.Error())
	}
	return errors.Wrap(IOError, err.Error())
}

func writeAll(w interface{ Write([]byte) (int, error) }, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readAll(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
