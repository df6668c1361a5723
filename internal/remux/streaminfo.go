package remux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const streamInfoSignature uint32 = 0xa12e810d

var (
	// ErrBadStreamInfo is returned when the stream-info header is truncated or malformed.
	ErrBadStreamInfo = errors.New("remux: malformed stream info header")

	// ErrInvalidContainer is returned when a chunk carries anything other than mp4.
	ErrInvalidContainer = errors.New("remux: invalid container")
)

// StreamEvent is one entry of the stream-info event list.
type StreamEvent struct {
	Offset     int32
	EndpointID string
	Rotation   int32
	Extra      int32
}

// StreamInfo is the header that precedes the media payload of every chunk.
type StreamInfo struct {
	Container     string
	ActiveMask    int32
	Events        []StreamEvent
	ContentOffset int
}

// ParseStreamInfo decodes the stream-info header at the start of data.
func ParseStreamInfo(data []byte) (*StreamInfo, error) {
	r := &infoReader{buf: data}

	sig, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if sig != streamInfoSignature {
		return nil, fmt.Errorf("%w: signature %#x", ErrBadStreamInfo, sig)
	}

	info := &StreamInfo{}
	if info.Container, err = r.tlString(); err != nil {
		return nil, err
	}
	if info.ActiveMask, err = r.int32(); err != nil {
		return nil, err
	}
	count, err := r.int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(data)/4 {
		return nil, fmt.Errorf("%w: event count %d", ErrBadStreamInfo, count)
	}

	info.Events = make([]StreamEvent, 0, count)
	for i := int32(0); i < count; i++ {
		var ev StreamEvent
		if ev.Offset, err = r.int32(); err != nil {
			return nil, err
		}
		if ev.EndpointID, err = r.tlString(); err != nil {
			return nil, err
		}
		if ev.Rotation, err = r.int32(); err != nil {
			return nil, err
		}
		if ev.Extra, err = r.int32(); err != nil {
			return nil, err
		}
		info.Events = append(info.Events, ev)
	}

	info.ContentOffset = r.pos
	return info, nil
}

// infoReader reads little-endian TL-serialised values.
type infoReader struct {
	buf []byte
	pos int
}

func (r *infoReader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d", ErrBadStreamInfo, n, r.pos)
	}
	return nil
}

func (r *infoReader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *infoReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

// tlString reads a TL "bytes" value: a one byte length (or 0xfe plus three
// length bytes), the payload, then padding to a four byte boundary.
func (r *infoReader) tlString() (string, error) {
	if err := r.need(1); err != nil {
		return "", err
	}
	start := r.pos
	n := int(r.buf[r.pos])
	header := 1
	if n == 254 {
		if err := r.need(4); err != nil {
			return "", err
		}
		n = int(r.buf[r.pos+1]) | int(r.buf[r.pos+2])<<8 | int(r.buf[r.pos+3])<<16
		header = 4
	}
	r.pos += header
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n

	if pad := (r.pos - start) % 4; pad != 0 {
		if err := r.need(4 - pad); err != nil {
			return "", err
		}
		r.pos += 4 - pad
	}
	return s, nil
}
