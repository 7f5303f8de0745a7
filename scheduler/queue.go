package scheduler

import (
	"container/heap"
	"math/rand"

	"github.com/kestrel-dev/bitpull/piece"
)

// pieceQueue is a rarest-first priority queue: pieces with fewer
// candidate peers are popped first, ties broken by a random draw fixed
// at push time (so repeated pops of equally-rare pieces are stable),
// then by ascending index. Grounded on the teacher's availability-bucket
// PieceQueue, but simplified to a one-shot heap since the candidate map
// here is fixed for the life of one download rather than updated as
// peers connect and disconnect mid-run.
type pieceQueue struct {
	items pieceHeap
}

type queueItem struct {
	p        *piece.Piece
	tieBreak float64
}

type pieceHeap []queueItem

func (h pieceHeap) Len() int { return len(h) }
func (h pieceHeap) Less(i, j int) bool {
	ci, cj := len(h[i].p.Candidates), len(h[j].p.Candidates)
	if ci != cj {
		return ci < cj
	}
	if h[i].tieBreak != h[j].tieBreak {
		return h[i].tieBreak < h[j].tieBreak
	}
	return h[i].p.Index < h[j].p.Index
}
func (h pieceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pieceHeap) Push(x any)   { *h = append(*h, x.(queueItem)) }
func (h *pieceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// newPieceQueue builds a rarest-first queue over pieces, breaking ties
// with rng (inject a seeded rng for deterministic tests; spec.md §9
// notes the tie-break is intentionally random in production).
func newPieceQueue(pieces []*piece.Piece, rng *rand.Rand) *pieceQueue {
	q := &pieceQueue{items: make(pieceHeap, 0, len(pieces))}
	for _, p := range pieces {
		q.items = append(q.items, queueItem{p: p, tieBreak: rng.Float64()})
	}
	heap.Init(&q.items)
	return q
}

func (q *pieceQueue) Len() int { return q.items.Len() }

// Pop removes and returns the rarest remaining piece, or nil if empty.
func (q *pieceQueue) Pop() *piece.Piece {
	if q.items.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(queueItem)
	return item.p
}

// Push re-queues a piece, e.g. after a digest mismatch, at a fresh
// random tie-break position among its rarity peers.
func (q *pieceQueue) Push(p *piece.Piece, rng *rand.Rand) {
	heap.Push(&q.items, queueItem{p: p, tieBreak: rng.Float64()})
}
