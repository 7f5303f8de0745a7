// Package metainfo loads a single-file torrent's metainfo file: the
// announce URL and the info dictionary (name, length, piece length,
// per-piece digests), plus the derived info_hash.
package metainfo

import (
	"crypto/sha1"
	"net/url"
	"os"

	"github.com/pkg/errors"

	"github.com/kestrel-dev/bitpull/bencode"
)

// ErrInvalid marks a metainfo file that could not be parsed into a
// valid single-file torrent record; always wrapped with context.
var ErrInvalid = errors.New("metainfo: invalid metainfo file")

// Info is the metainfo's info dictionary.
type Info struct {
	Name        string
	Length      int64
	PieceLength int64
	// Pieces holds one 20-byte SHA-1 digest per piece, in order.
	Pieces [][20]byte
}

// NumPieces returns the number of pieces implied by Length and
// PieceLength: ceil(Length / PieceLength).
func (i *Info) NumPieces() int {
	n := i.Length / i.PieceLength
	if i.Length%i.PieceLength != 0 {
		n++
	}
	return int(n)
}

// PieceLen returns the length in bytes of piece index: PieceLength for
// every piece but the last, which is truncated to the remainder.
func (i *Info) PieceLen(index int) int64 {
	if index == i.NumPieces()-1 {
		if rem := i.Length % i.PieceLength; rem != 0 {
			return rem
		}
	}
	return i.PieceLength
}

// Metainfo is the immutable, fully-parsed torrent description.
type Metainfo struct {
	Announce *url.URL
	Info     Info
	// InfoHash is SHA-1 of the canonical bencode encoding of Info; it
	// is derived here, never read directly off the wire.
	InfoHash [20]byte
}

// Load reads and parses a metainfo file at path.
func Load(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "opening %s: %s", path, err)
	}
	defer f.Close()

	root, err := bencode.DecodeReader(f)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "decoding %s: %s", path, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.Wrapf(ErrInvalid, "%s: top level value is not a dictionary", path)
	}

	announceRaw, err := root.RequireString("announce", "metainfo")
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	announce, err := url.Parse(string(announceRaw))
	if err != nil || !announce.IsAbs() || (announce.Scheme != "http" && announce.Scheme != "https") {
		return nil, errors.Wrapf(ErrInvalid, "announce %q is not an absolute HTTP URL", announceRaw)
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, errors.Wrap(ErrInvalid, "metainfo: missing or non-dictionary key \"info\"")
	}

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	return &Metainfo{
		Announce: announce,
		Info:     *info,
		InfoHash: sha1.Sum(bencode.Encode(infoVal)),
	}, nil
}

func parseInfo(v *bencode.Value) (*Info, error) {
	name, err := v.RequireString("name", "info")
	if err != nil {
		return nil, err
	}
	length, err := v.RequireInt("length", "info")
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, errors.Errorf("info: length %d is negative", length)
	}
	pieceLength, err := v.RequireInt("piece length", "info")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, errors.Errorf("info: piece length %d is not positive", pieceLength)
	}
	piecesRaw, err := v.RequireString("pieces", "info")
	if err != nil {
		return nil, err
	}
	chunks, err := bencode.Chunks(piecesRaw, 20)
	if err != nil {
		return nil, errors.Wrap(err, "info: pieces")
	}
	pieces := make([][20]byte, len(chunks))
	for i, c := range chunks {
		copy(pieces[i][:], c)
	}

	expected := length / pieceLength
	if length%pieceLength != 0 {
		expected++
	}
	if int64(len(pieces)) != expected {
		return nil, errors.Errorf("info: expected %d pieces for length %d and piece length %d, got %d", expected, length, pieceLength, len(pieces))
	}

	return &Info{
		Name:        string(name),
		Length:      length,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}, nil
}
