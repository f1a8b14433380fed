package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Info describes a WAV file's format as read from its container header.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int64
}

// Duration computes the playback duration from the container metadata.
func (i Info) Duration() time.Duration {
	bytesPerSecond := i.SampleRate * i.Channels * i.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(i.DataBytes) / float64(bytesPerSecond) * float64(time.Second))
}

// HeaderSize is the size of the canonical PCM WAV header this package
// writes. A file at or below this size carries no audio data.
const HeaderSize = 44

// ErrNotWAV is returned when a file does not carry a readable RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// ReadInfo parses the RIFF header and fmt chunk of the file at path.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return readInfo(f)
}

func readInfo(r io.ReadSeeker) (Info, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	var info Info
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if haveFmt && errors.Is(err, io.EOF) {
				break
			}
			return Info{}, fmt.Errorf("%w: truncated chunk header", ErrNotWAV)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if size < 16 {
				return Info{}, fmt.Errorf("%w: fmt chunk too small", ErrNotWAV)
			}
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return Info{}, fmt.Errorf("%w: truncated fmt chunk", ErrNotWAV)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			haveFmt = true
			if size > 16 {
				if _, err := r.Seek(size-16, io.SeekCurrent); err != nil {
					return Info{}, err
				}
			}
		case "data":
			info.DataBytes = size
			if !haveFmt {
				return Info{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			return info, nil
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			skip := size
			if size%2 == 1 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return Info{}, err
			}
		}
	}
	return info, nil
}

// Writer streams 16-bit PCM samples into a WAV file, patching the RIFF
// sizes on Close so the header stays consistent even after an abrupt stop.
type Writer struct {
	f          *os.File
	sampleRate int
	channels   int
	dataBytes  uint32
}

// NewWriter creates the file at path and writes a provisional header.
func NewWriter(path string, sampleRate, channels int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	const bitsPerSample = 16
	byteRate := uint32(w.sampleRate * w.channels * bitsPerSample / 8)
	blockAlign := uint16(w.channels * bitsPerSample / 8)

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+w.dataBytes)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.dataBytes)

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.f.Write(hdr[:])
	return err
}

// WriteSamples appends PCM samples to the data chunk.
func (w *Writer) WriteSamples(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	n, err := w.f.Write(buf)
	w.dataBytes += uint32(n)
	return err
}

// Close patches the RIFF sizes and syncs the file to disk.
func (w *Writer) Close() error {
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadSamples loads the full data chunk of a 16-bit PCM WAV file.
func ReadSamples(path string) (Info, []int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, nil, err
	}
	defer f.Close()

	info, err := readInfo(f)
	if err != nil {
		return Info{}, nil, err
	}
	if info.BitsPerSample != 16 {
		return Info{}, nil, fmt.Errorf("unsupported bit depth %d", info.BitsPerSample)
	}

	raw := make([]byte, info.DataBytes)
	n, err := io.ReadFull(f, raw)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Info{}, nil, err
	}
	raw = raw[:n-n%2]

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return info, samples, nil
}
