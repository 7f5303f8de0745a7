package scheduler_test

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/bitpull/bencode"
	"github.com/kestrel-dev/bitpull/metainfo"
	"github.com/kestrel-dev/bitpull/peer"
	"github.com/kestrel-dev/bitpull/scheduler"
)

const (
	fileLength  = 92063
	pieceLength = 32768
)

// buildFile deterministically fills fileLength bytes so the test is
// reproducible without depending on the math/rand seeding rules that
// apply inside workflow scripts (this is ordinary test code, not one).
func buildFile() []byte {
	data := make([]byte, fileLength)
	src := rand.New(rand.NewSource(7))
	src.Read(data)
	return data
}

func pieceDigests(data []byte) []byte {
	var out []byte
	for off := 0; off < len(data); off += pieceLength {
		end := off + pieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[off:end])
		out = append(out, h[:]...)
	}
	return out
}

func writeMetainfoFile(t *testing.T, announceURL string, data []byte) string {
	t.Helper()
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String([]byte("sample.txt")),
		"length":       bencode.Int(int64(len(data))),
		"piece length": bencode.Int(pieceLength),
		"pieces":       bencode.String(pieceDigests(data)),
	})
	root := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String([]byte(announceURL)),
		"info":     info,
	})
	path := filepath.Join(t.TempDir(), "sample.torrent")
	require.NoError(t, os.WriteFile(path, bencode.Encode(root), 0o644))
	return path
}

// runFakePeer accepts exactly one connection, serves the handshake, a
// full bitfield, and then answers every request with the matching
// slice of data until the scheduler closes the connection.
func runFakePeer(t *testing.T, ln net.Listener, infoHash [20]byte, data []byte, ready chan<- struct{}) {
	close(ready)
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	hs := make([]byte, peer.HandshakeSize)
	if _, err := readFull(conn, hs); err != nil {
		return
	}
	var remotePeerID [20]byte
	remotePeerID[0] = 0x42
	if _, err := conn.Write(peer.BuildHandshake(infoHash, remotePeerID)); err != nil {
		return
	}

	// 3 pieces fit in one byte: bits 0,1,2 set -> 0b11100000.
	if err := peer.WriteMessage(conn, &peer.Message{Type: peer.MsgBitfield, Payload: []byte{0xE0}}); err != nil {
		return
	}

	unchokeSent := false
	for {
		msg, err := peer.ReadMessage(conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case peer.MsgInterested:
			if !unchokeSent {
				peer.WriteMessage(conn, peer.Unchoke())
				unchokeSent = true
			}
		case peer.MsgRequest:
			index := binary.BigEndian.Uint32(msg.Payload[0:4])
			begin := binary.BigEndian.Uint32(msg.Payload[4:8])
			length := binary.BigEndian.Uint32(msg.Payload[8:12])
			start := int64(index)*pieceLength + int64(begin)
			block := data[start : start+int64(length)]
			payload := make([]byte, 8+len(block))
			binary.BigEndian.PutUint32(payload[0:4], index)
			binary.BigEndian.PutUint32(payload[4:8], begin)
			copy(payload[8:], block)
			if err := peer.WriteMessage(conn, &peer.Message{Type: peer.MsgPiece, Payload: payload}); err != nil {
				return
			}
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDownloadSinglePeerFullFile(t *testing.T) {
	data := buildFile()

	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peerLn.Close()
	peerPort := peerLn.Addr().(*net.TCPAddr).Port

	var infoHash [20]byte // filled in once the metainfo is loaded below

	var trackerSrv *httptest.Server
	trackerSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := net.ParseIP("127.0.0.1").To4()
		compact := append([]byte{}, ip...)
		compact = binary.BigEndian.AppendUint16(compact, uint16(peerPort))
		resp := bencode.Dict(map[string]*bencode.Value{
			"interval": bencode.Int(900),
			"peers":    bencode.String(compact),
		})
		w.Write(bencode.Encode(resp))
	}))
	defer trackerSrv.Close()

	torrentPath := writeMetainfoFile(t, trackerSrv.URL+"/announce", data)
	m, err := metainfo.Load(torrentPath)
	require.NoError(t, err)
	infoHash = m.InfoHash

	ready := make(chan struct{})
	go runFakePeer(t, peerLn, infoHash, data, ready)
	<-ready

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	opts := scheduler.Options{
		Port:     6881,
		MaxPeers: 1,
		Rand:     rand.New(rand.NewSource(42)),
		Log:      zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = scheduler.Download(ctx, m, outputPath, opts)
	require.NoError(t, err)

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Len(t, got, fileLength)
	require.Equal(t, data, got)

	for i := 0; i*pieceLength < fileLength; i++ {
		end := (i + 1) * pieceLength
		if end > fileLength {
			end = fileLength
		}
		h := sha1.Sum(got[i*pieceLength : end])
		require.Equal(t, m.Info.Pieces[i], h, fmt.Sprintf("piece %d digest mismatch", i))
	}
}
