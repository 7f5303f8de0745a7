// Package tracker implements the HTTP tracker announce call: forming
// the GET request with percent-encoded binary parameters, and parsing
// the bencoded response into peer endpoints.
package tracker

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/kestrel-dev/bitpull/bencode"
	"github.com/kestrel-dev/bitpull/metainfo"
)

// HTTPError marks a non-2xx tracker response with no parseable failure
// reason.
var HTTPError = errors.New("tracker: http error")

// FailureError marks a tracker response carrying a "failure reason" key.
var FailureError = errors.New("tracker: announce failed")

const httpTimeout = 30 * time.Second

// Peer is one endpoint advertised by the tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Addr returns the host:port form used to dial the peer.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is a successful tracker announce response.
type Response struct {
	Interval int64
	Peers    []Peer
}

// Client announces a torrent's presence to its tracker and asks for
// peers.
type Client struct {
	HTTPClient *http.Client
	PeerID     [20]byte
	Port       int
}

// NewClient builds a tracker client identified by peerID, advertising
// listenPort as this client's own (unused, inbound-only) port.
func NewClient(peerID [20]byte, listenPort int) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: httpTimeout},
		PeerID:     peerID,
		Port:       listenPort,
	}
}

// Announce performs GET {announce} for m and returns the peers the
// tracker knows about.
func (c *Client) Announce(m *metainfo.Metainfo) (*Response, error) {
	u := c.announceURL(m)
	resp, err := c.HTTPClient.Get(u)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: reading response body")
	}

	root, decodeErr := bencode.Decode(body)
	if decodeErr == nil {
		if reason, ok := root.Get("failure reason"); ok && reason.Kind == bencode.KindString {
			return nil, errors.Wrapf(FailureError, "%s", reason.Str)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(HTTPError, "status %s", resp.Status)
	}

	if decodeErr != nil {
		return nil, errors.Wrap(decodeErr, "tracker: decoding response")
	}

	return parseResponse(root)
}

func (c *Client) announceURL(m *metainfo.Metainfo) string {
	q := url.Values{}
	q.Set("info_hash", string(m.InfoHash[:]))
	q.Set("peer_id", string(c.PeerID[:]))
	q.Set("port", strconv.Itoa(c.Port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(m.Info.Length, 10))
	q.Set("compact", "1")

	u := *m.Announce
	u.RawQuery = encodeRawBytes(q)
	return u.String()
}

// encodeRawBytes percent-encodes every byte of info_hash/peer_id
// individually (url.Values.Encode would instead treat them as text and
// mangle non-printable bytes), per spec section 6: "every non-unreserved
// byte encoded as %XX".
func encodeRawBytes(q url.Values) string {
	keys := []string{"info_hash", "peer_id", "port", "uploaded", "downloaded", "left", "compact"}
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "&"
		}
		out += k + "=" + percentEncode(q.Get(k))
	}
	return out
}

func percentEncode(s string) string {
	const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"
	out := make([]byte, 0, len(s)*3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if indexByte(unreserved, c) {
			out = append(out, c)
		} else {
			out = append(out, '%')
			out = append(out, hexDigit(c>>4), hexDigit(c&0xF))
		}
	}
	return string(out)
}

func indexByte(set string, c byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == c {
			return true
		}
	}
	return false
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func parseResponse(root *bencode.Value) (*Response, error) {
	interval, err := root.RequireInt("interval", "tracker response")
	if err != nil {
		return nil, errors.Wrap(err, "tracker: response")
	}

	peersRaw, err := root.RequireString("peers", "tracker response")
	if err != nil {
		return nil, errors.Wrap(err, "tracker: response")
	}

	chunks, err := bencode.Chunks(peersRaw, 6)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: response peers")
	}

	peers := make([]Peer, len(chunks))
	for i, c := range chunks {
		peers[i] = Peer{
			IP:   net.IPv4(c[0], c[1], c[2], c[3]),
			Port: uint16(c[4])<<8 | uint16(c[5]),
		}
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

// GeneratePeerID returns 20 random ASCII-alphanumeric bytes, for
// compatibility with trackers that log peer ids as text. Every call
// draws a new id; scheduler.Download calls it once per download.
func GeneratePeerID() ([20]byte, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	var id [20]byte
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return id, fmt.Errorf("tracker: generating peer id: %w", err)
	}
	for i, b := range buf {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return id, nil
}
