package scheduler

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// writeJob is one verified piece's bytes, ready to be persisted at a
// known offset.
type writeJob struct {
	offset int64
	data   []byte
}

// runWriter owns the output file for the lifetime of one download: it
// creates/truncates it once, then serializes every positional write
// from jobs until it has processed total pieces (spec.md §4.6 step 5).
func runWriter(path string, length int64, total int, jobs <-chan writeJob, log zerolog.Logger) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(ErrOutputIO, "creating output file %s: %s", path, err)
	}
	defer f.Close()

	if err := f.Truncate(length); err != nil {
		return errors.Wrapf(ErrOutputIO, "truncating %s to %d bytes: %s", path, length, err)
	}

	written := 0
	for job := range jobs {
		if _, err := f.WriteAt(job.data, job.offset); err != nil {
			return errors.Wrapf(ErrOutputIO, "writing %d bytes at offset %d: %s", len(job.data), job.offset, err)
		}
		written++
		log.Debug().Int64("offset", job.offset).Int("bytes", len(job.data)).Msg("wrote piece")
		if written == total {
			return nil
		}
	}
	return errors.Wrapf(ErrOutputIO, "writer stopped after %d/%d pieces", written, total)
}
