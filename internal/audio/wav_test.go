package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWAV(t *testing.T, path string, sampleRate, channels, samples int) {
	t.Helper()
	w, err := NewWriter(path, sampleRate, channels)
	require.NoError(t, err)
	buf := make([]int16, samples*channels)
	for i := range buf {
		buf[i] = int16(i % 2000)
	}
	require.NoError(t, w.WriteSamples(buf))
	require.NoError(t, w.Close())
}

func TestWriterProducesReadableHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	writeTestWAV(t, path, 44100, 1, 44100) // one second of mono audio

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitsPerSample)
	assert.Equal(t, int64(88200), info.DataBytes)
	assert.Equal(t, time.Second, info.Duration())
}

func TestWriterEmptyFileIsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := NewWriter(path, 44100, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), fi.Size())

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.DataBytes)
	assert.Equal(t, time.Duration(0), info.Duration())
}

func TestReadInfoRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not audio data at all"), 0o644))

	_, err := ReadInfo(path)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestReadSamplesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.wav")
	w, err := NewWriter(path, 8000, 1)
	require.NoError(t, err)
	in := []int16{0, 100, -100, 32767, -32768, 42}
	require.NoError(t, w.WriteSamples(in))
	require.NoError(t, w.Close())

	info, out, err := ReadSamples(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, in, out)
}

func TestDurationStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	writeTestWAV(t, path, 8000, 2, 4000) // half a second of stereo

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 500*time.Millisecond, info.Duration())
}
