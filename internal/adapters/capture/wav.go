package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	wavFormatPCM  = 1
	wavHeaderSize = 44
)

type wavFormat struct {
	channels   int
	sampleRate int
	bits       int
}

// wavReader yields mono float samples from 16-bit PCM data, looping at the end.
type wavReader struct {
	format wavFormat
	data   *io.SectionReader
	raw    []byte
}

func newWAVReader(r io.ReaderAt, size int64) (*wavReader, error) {
	var riff [12]byte
	if _, err := r.ReadAt(riff[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFile, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a WAVE file", ErrUnsupportedFile)
	}

	var (
		format  *wavFormat
		off     int64 = 12
		chunk   [8]byte
		dataOff int64
		dataLen int64
	)
	for off+8 <= size {
		if _, err := r.ReadAt(chunk[:], off); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedFile, err)
		}
		id, n := string(chunk[0:4]), int64(binary.LittleEndian.Uint32(chunk[4:8]))
		body := off + 8
		switch id {
		case "fmt ":
			var fb [16]byte
			if n < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFile)
			}
			if _, err := r.ReadAt(fb[:], body); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnsupportedFile, err)
			}
			if binary.LittleEndian.Uint16(fb[0:2]) != wavFormatPCM {
				return nil, fmt.Errorf("%w: only PCM is supported", ErrUnsupportedFile)
			}
			format = &wavFormat{
				channels:   int(binary.LittleEndian.Uint16(fb[2:4])),
				sampleRate: int(binary.LittleEndian.Uint32(fb[4:8])),
				bits:       int(binary.LittleEndian.Uint16(fb[14:16])),
			}
		case "data":
			dataOff, dataLen = body, min(n, size-body)
		}
		// chunks are word aligned
		off = body + n + n%2
	}

	switch {
	case format == nil:
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrUnsupportedFile)
	case format.bits != 16:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFile, format.bits)
	case format.channels < 1 || format.sampleRate <= 0:
		return nil, fmt.Errorf("%w: bad format", ErrUnsupportedFile)
	}
	frame := int64(2 * format.channels)
	dataLen -= dataLen % frame
	if dataLen == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrUnsupportedFile)
	}
	return &wavReader{format: *format, data: io.NewSectionReader(r, dataOff, dataLen)}, nil
}

// read fills buf with mono samples, mixing channels down.
func (w *wavReader) read(buf []float32) (int, error) {
	frame := 2 * w.format.channels
	need := len(buf) * frame
	if cap(w.raw) < need {
		w.raw = make([]byte, need)
	}
	raw := w.raw[:need]

	got := 0
	for got < need {
		n, err := w.data.Read(raw[got:])
		got += n
		if errors.Is(err, io.EOF) {
			if _, err := w.data.Seek(0, io.SeekStart); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
	}

	for i := range buf {
		var sum float32
		for c := 0; c < w.format.channels; c++ {
			o := i*frame + 2*c
			sum += float32(int16(binary.LittleEndian.Uint16(raw[o:]))) / 32768
		}
		buf[i] = sum / float32(w.format.channels)
	}
	return len(buf), nil
}

// wavWriter writes mono 16-bit PCM; sizes are patched on Close.
type wavWriter struct {
	w       io.WriteSeeker
	rate    int
	samples int64
	buf     []byte
}

func newWAVWriter(w io.WriteSeeker, rate int) (*wavWriter, error) {
	ww := &wavWriter{w: w, rate: rate}
	if _, err := w.Write(ww.header()); err != nil {
		return nil, err
	}
	return ww, nil
}

func (w *wavWriter) header() []byte {
	data := uint32(w.samples * 2)
	h := make([]byte, wavHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36+data)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:], 1)
	binary.LittleEndian.PutUint32(h[24:], uint32(w.rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(w.rate*2))
	binary.LittleEndian.PutUint16(h[32:], 2)
	binary.LittleEndian.PutUint16(h[34:], 16)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], data)
	return h
}

func (w *wavWriter) write(samples []float32) error {
	need := 2 * len(samples)
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	b := w.buf[:need]
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(v*32767)))
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	w.samples += int64(len(samples))
	return nil
}

func (w *wavWriter) close() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.w.Write(w.header())
	return err
}
