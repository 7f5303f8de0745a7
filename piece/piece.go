// Package piece models the scheduler's view of one piece of the file:
// its index, expected digest, length, candidate peers, and its split
// into fixed-size request blocks.
package piece

import (
	"github.com/pkg/errors"

	"github.com/kestrel-dev/bitpull/metainfo"
)

// BlockSize is the maximum length requested in a single block, except
// for the final block of a piece which is truncated to fit.
const BlockSize = 16 * 1024

// Block is a sub-range of a piece exchanged in one request/piece round.
type Block struct {
	PieceIndex int
	Begin      int64
	Length     int64
}

// Piece is the scheduler's view of one piece to download.
type Piece struct {
	Index       int
	Digest      [20]byte
	LengthBytes int64
	// Candidates holds the peer endpoints known to advertise this
	// piece, stored by endpoint rather than by session reference so a
	// piece's candidate set outlives any one connection.
	Candidates []string
}

// New builds a Piece for index, failing if the index is out of range
// for the given metainfo.
func New(index int, m *metainfo.Metainfo, candidates []string) (*Piece, error) {
	n := m.Info.NumPieces()
	if index < 0 || index >= n {
		return nil, errors.Errorf("piece: index %d out of range [0, %d)", index, n)
	}
	return &Piece{
		Index:       index,
		Digest:      m.Info.Pieces[index],
		LengthBytes: m.Info.PieceLen(index),
		Candidates:  candidates,
	}, nil
}

// Blocks enumerates the piece's blocks in ascending offset order: 0,
// BlockSize, 2*BlockSize, ...; the final block is truncated so that
// block lengths sum to exactly p.LengthBytes.
func (p *Piece) Blocks() []Block {
	n := p.LengthBytes / BlockSize
	if p.LengthBytes%BlockSize != 0 {
		n++
	}
	blocks := make([]Block, 0, n)
	for begin := int64(0); begin < p.LengthBytes; begin += BlockSize {
		length := int64(BlockSize)
		if begin+length > p.LengthBytes {
			length = p.LengthBytes - begin
		}
		blocks = append(blocks, Block{
			PieceIndex: p.Index,
			Begin:      begin,
			Length:     length,
		})
	}
	return blocks
}
