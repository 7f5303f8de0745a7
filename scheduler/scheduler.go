// Package scheduler drives a single-file download end to end: it
// discovers peers via the tracker, builds a rarest-first piece queue,
// fans each piece's blocks out across its candidate peers, verifies the
// assembled bytes, and hands them to a dedicated output writer.
package scheduler

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kestrel-dev/bitpull/metainfo"
	"github.com/kestrel-dev/bitpull/peer"
	"github.com/kestrel-dev/bitpull/piece"
	"github.com/kestrel-dev/bitpull/tracker"
)

// Options configures a download.
type Options struct {
	Port     int
	MaxPeers int
	// Rand seeds the piece-order tie-break (spec.md §9: intentionally
	// random in production, injectable for deterministic tests).
	Rand *rand.Rand
	Log  zerolog.Logger
}

func (o Options) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Download runs the full pipeline described by spec.md §4.6 and writes
// the result to outputPath.
func Download(ctx context.Context, m *metainfo.Metainfo, outputPath string, opts Options) error {
	log := opts.Log

	localPeerID, err := tracker.GeneratePeerID()
	if err != nil {
		return errors.Wrap(err, "scheduler: generating peer id")
	}

	trackerClient := tracker.NewClient(localPeerID, opts.Port)
	announceResp, err := trackerClient.Announce(m)
	if err != nil {
		return errors.Wrap(err, "scheduler: tracker announce")
	}
	log.Info().Int("peers", len(announceResp.Peers)).Msg("tracker announce succeeded")

	sessions, err := discoverPeers(ctx, announceResp.Peers, localPeerID, m.InfoHash, m.Info.NumPieces(), opts.MaxPeers, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	sessionsByAddr := make(map[string]*peer.Session, len(sessions))
	for _, s := range sessions {
		sessionsByAddr[s.Endpoint] = s
	}

	numPieces := m.Info.NumPieces()
	pieces := make([]*piece.Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		var candidates []string
		for _, s := range sessions {
			if s.Bitfield.Get(i) {
				candidates = append(candidates, s.Endpoint)
			}
		}
		if len(candidates) == 0 {
			return errors.Wrapf(ErrNoPeersForPiece, "piece %d: no connected peer advertises it", i)
		}
		p, err := piece.New(i, m, candidates)
		if err != nil {
			return errors.Wrap(err, "scheduler: building piece")
		}
		pieces[i] = p
	}

	rng := opts.rng()
	queue := newPieceQueue(pieces, rng)

	jobs := make(chan writeJob, numPieces)
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- runWriter(outputPath, m.Info.Length, numPieces, jobs, log)
	}()

	var mapMu sync.Mutex
	retries := make(map[int]int)

	for queue.Len() > 0 {
		p := queue.Pop()

		buf, err := runOnePiece(ctx, p, sessionsByAddr, &mapMu, log)
		if err != nil {
			if errors.Is(err, errDigestMismatch) {
				mapMu.Lock()
				retries[p.Index]++
				n := retries[p.Index]
				mapMu.Unlock()
				if n > maxDigestRetries {
					close(jobs)
					return errors.Wrapf(ErrDigestMismatch, "piece %d: exceeded %d retries", p.Index, maxDigestRetries)
				}
				log.Warn().Int("piece", p.Index).Int("attempt", n).Msg("piece digest mismatch, re-queueing")
				queue.Push(p, rng)
				continue
			}
			close(jobs)
			return err
		}

		select {
		case jobs <- writeJob{offset: int64(p.Index) * m.Info.PieceLength, data: buf}:
		case err := <-writerDone:
			return errors.Wrap(err, "scheduler: writer exited early")
		}
		log.Info().Int("piece", p.Index).Msg("piece verified")
	}
	close(jobs)

	if err := <-writerDone; err != nil {
		return err
	}
	return nil
}

// discoverPeers opens up to maxPeers concurrent handshakes, bounded by
// a weighted semaphore, and collects the first maxPeers successes.
func discoverPeers(ctx context.Context, peers []tracker.Peer, localPeerID, infoHash [20]byte, numPieces, maxPeers int, log zerolog.Logger) ([]*peer.Session, error) {
	sem := semaphore.NewWeighted(int64(maxPeers))
	var mu sync.Mutex
	var sessions []*peer.Session

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			mu.Lock()
			full := len(sessions) >= maxPeers
			mu.Unlock()
			if full {
				return nil
			}

			sess, err := peer.Connect(p.Addr(), localPeerID, infoHash, numPieces)
			if err != nil {
				log.Warn().Str("peer", p.Addr()).Err(err).Msg("peer connect failed")
				return nil
			}

			mu.Lock()
			if len(sessions) >= maxPeers {
				mu.Unlock()
				sess.Close()
				return nil
			}
			sessions = append(sessions, sess)
			mu.Unlock()
			log.Info().Str("peer", p.Addr()).Msg("peer connected")
			return nil
		})
	}
	// errgroup's Go never returns a non-nil error above, so Wait cannot fail.
	_ = g.Wait()

	if len(sessions) == 0 {
		return nil, ErrNoPeers
	}
	return sessions, nil
}

// errDigestMismatch is runOnePiece's private sentinel distinguishing a
// retryable mismatch from the exported ErrDigestMismatch, which marks
// the final, non-retryable failure after the threshold is exceeded.
var errDigestMismatch = errors.New("scheduler: digest mismatch (retryable)")

// runOnePiece fans a single piece's blocks out across its still-live
// candidate sessions and returns the verified, assembled bytes.
func runOnePiece(ctx context.Context, p *piece.Piece, sessionsByAddr map[string]*peer.Session, mapMu *sync.Mutex, log zerolog.Logger) ([]byte, error) {
	blocks := p.Blocks()
	requests := make(chan piece.Block, len(blocks))
	deliveries := make(chan peer.Delivery, len(blocks))
	for _, b := range blocks {
		requests <- b
	}

	var candidates []*peer.Session
	mapMu.Lock()
	for _, addr := range p.Candidates {
		if s, ok := sessionsByAddr[addr]; ok {
			candidates = append(candidates, s)
		}
	}
	mapMu.Unlock()

	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrNoPeersForPiece, "piece %d: no live candidates remain", p.Index)
	}

	var wg sync.WaitGroup
	for _, sess := range candidates {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sess.Drain(requests, deliveries); err != nil {
				log.Warn().Str("peer", sess.Endpoint).Err(err).Msg("peer session failed, dropping")
				sess.Close()
				mapMu.Lock()
				delete(sessionsByAddr, sess.Endpoint)
				mapMu.Unlock()
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	buf := make([]byte, p.LengthBytes)
	var written int64
	closedRequests := false

	cancelled := false
loop:
	for written < p.LengthBytes {
		select {
		case d := <-deliveries:
			n := copy(buf[d.Begin:], d.Data)
			written += int64(n)
		case <-allDone:
			break loop
		case <-ctx.Done():
			cancelled = true
			break loop
		}
	}

	if !closedRequests && (written == p.LengthBytes || cancelled) {
		close(requests)
		closedRequests = true
	}
	<-allDone

	if cancelled {
		return nil, errors.Wrap(ctx.Err(), "scheduler: download cancelled")
	}
	if written != p.LengthBytes {
		return nil, errors.Wrapf(ErrNoPeersForPiece, "piece %d: all candidates exhausted after %d/%d bytes", p.Index, written, p.LengthBytes)
	}

	digest := sha1.Sum(buf)
	if digest != p.Digest {
		return nil, errors.Wrapf(errDigestMismatch, "piece %d", p.Index)
	}
	return buf, nil
}
