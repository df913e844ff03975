package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
)

const frameLenSize = 4

// DefaultMaxFrameSize guards against corrupted length headers. Large results
// are split into chunks above this layer, so a single frame never needs to
// be this big in practice.
const DefaultMaxFrameSize = 1 << 30

var ErrFrameTooLarge = errors.New("frame too large")

// frameLimit returns the effective limit; 0 means only the header width
// bounds the size.
func frameLimit(max int64) uint64 {
	if max <= 0 || uint64(max) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint64(max)
}

func readFrame(r io.Reader, max int64) ([]byte, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(length) > frameLimit(max) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			// header arrived, body did not
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, data []byte, max int64) error {
	if uint64(len(data)) > frameLimit(max) {
		return ErrFrameTooLarge
	}
	var lenBuf [frameLenSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	bufs := net.Buffers{lenBuf[:], data}
	_, err := bufs.WriteTo(w)
	return err
}
