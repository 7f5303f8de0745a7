package scheduler

import "github.com/pkg/errors"

// ErrDigestMismatch marks a piece whose assembled bytes failed SHA-1
// verification against the metainfo's expected digest.
var ErrDigestMismatch = errors.New("scheduler: piece digest mismatch")

// ErrNoPeersForPiece marks a piece with no live candidate peer left to
// serve it.
var ErrNoPeersForPiece = errors.New("scheduler: no peers available for piece")

// ErrOutputIO marks a failure writing the output file.
var ErrOutputIO = errors.New("scheduler: output file error")

// ErrNoPeers marks a discovery phase that produced zero usable sessions.
var ErrNoPeers = errors.New("scheduler: no peers available")

// maxDigestRetries bounds how many times a piece may be re-queued after
// a digest mismatch before the download fails outright.
const maxDigestRetries = 3
