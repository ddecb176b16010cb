// Package wav reads and writes canonical RIFF/WAVE PCM files.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// HeaderSize is the length of the canonical 44-byte PCM header.
const HeaderSize = 44

const formatPCM = 1

var (
	ErrNotWAV         = errors.New("not a RIFF/WAVE file")
	ErrNotPCM         = errors.New("only PCM WAV is supported")
	ErrMissingDataTag = errors.New("wav: no data chunk")
)

// Header describes the audio carried by a WAV file.
type Header struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataSize      int
}

// Duration is the playback length of the data chunk.
func (h Header) Duration() time.Duration {
	frame := h.Channels * h.BitsPerSample / 8
	if frame == 0 || h.SampleRate == 0 {
		return 0
	}
	frames := h.DataSize / frame
	return time.Duration(int64(frames) * int64(time.Second) / int64(h.SampleRate))
}

// Encode returns pcm wrapped in a 44-byte header.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm))
	_ = Write(&buf, pcm, sampleRate, channels, bitsPerSample)
	return buf.Bytes()
}

// Write streams a WAV file to w.
func Write(w io.Writer, pcm []byte, sampleRate, channels, bitsPerSample int) error {
	blockAlign := channels * bitsPerSample / 8
	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], formatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// WriteFile writes a WAV file, creating parent directories as needed. The
// file is written under a temporary name and renamed into place.
func WriteFile(path string, pcm []byte, sampleRate, channels, bitsPerSample int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Write(f, pcm, sampleRate, channels, bitsPerSample); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHeader consumes the RIFF header and every chunk up to the start of
// the sample data, leaving r positioned at the first sample.
func ReadHeader(r io.Reader) (Header, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Header{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Header{}, ErrNotWAV
	}

	var h Header
	var sawFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Header{}, ErrMissingDataTag
			}
			return Header{}, err
		}
		id := string(chunk[0:4])
		size := int(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return Header{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 {
				return Header{}, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			if binary.LittleEndian.Uint16(body[0:2]) != formatPCM {
				return Header{}, ErrNotPCM
			}
			h.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return Header{}, errors.New("wav: data chunk before fmt chunk")
			}
			h.DataSize = size
			return h, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return Header{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// Decode splits a WAV file into its header and PCM samples.
func Decode(data []byte) (Header, []byte, error) {
	r := bytes.NewReader(data)
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	pcm := data[len(data)-r.Len():]
	if h.DataSize < len(pcm) {
		pcm = pcm[:h.DataSize]
	}
	return h, pcm, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (Header, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, err
	}
	return Decode(data)
}

// Probe reads only the header of the file at path.
func Probe(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return ReadHeader(f)
}
