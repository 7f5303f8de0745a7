package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWriterWritesAtOffsetsAndExitsAfterTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	jobs := make(chan writeJob, 2)
	jobs <- writeJob{offset: 4, data: []byte("bbbb")}
	jobs <- writeJob{offset: 0, data: []byte("aaaa")}
	close(jobs)

	err := runWriter(path, 8, 2, jobs, zerolog.Nop())
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaabbbb"), got)
}

func TestRunWriterFailsOnClosedChannelBeforeTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	jobs := make(chan writeJob)
	close(jobs)

	err := runWriter(path, 8, 2, jobs, zerolog.Nop())
	require.Error(t, err)
}

func TestRunWriterTruncatesToLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	jobs := make(chan writeJob, 1)
	jobs <- writeJob{offset: 0, data: []byte("x")}
	close(jobs)

	err := runWriter(path, 10, 1, jobs, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
}
