package videox

import (
	"bytes"
	"errors"
	"io"
)

// Largest NALU that AnnexBScanner will buffer before giving up on the stream
const MaxNALUSize = 16 * 1024 * 1024

var ErrNALUTooLarge = errors.New("NALU exceeds maximum size")

var startCode3 = []byte{0, 0, 1}

func NALUStartCode(length int) []byte {
	if length == 0 {
		return nil
	} else if length == 3 {
		return []byte{0, 0, 1}
	} else if length == 4 {
		return []byte{0, 0, 0, 1}
	} else {
		panic("Invalid NALU start code length")
	}
}

// Returns length of the start code at the beginning of buf (0, 3 or 4)
func StartCodeLen(buf []byte) int {
	if len(buf) >= 3 && buf[0] == 0 && buf[1] == 0 && buf[2] == 1 {
		return 3
	}
	if len(buf) >= 4 && buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1 {
		return 4
	}
	return 0
}

// AnnexBScanner splits an Annex-B byte stream into NALUs, reading incrementally from an io.Reader.
// The returned payloads have no start code, but still contain emulation prevention bytes.
type AnnexBScanner struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	started bool // True once we've seen the first start code
	eof     bool
}

func NewAnnexBScanner(r io.Reader) *AnnexBScanner {
	return &AnnexBScanner{
		r:     r,
		chunk: make([]byte, 64*1024),
	}
}

func (s *AnnexBScanner) fill() error {
	n, err := s.r.Read(s.chunk)
	s.buf = append(s.buf, s.chunk[:n]...)
	if err == io.EOF {
		s.eof = true
		return nil
	}
	return err
}

// Next returns the next NALU payload, or io.EOF when the stream is exhausted.
// Garbage before the first start code is discarded.
func (s *AnnexBScanner) Next() ([]byte, error) {
	for {
		if !s.started {
			if i := bytes.Index(s.buf, startCode3); i >= 0 {
				s.buf = s.buf[i+3:]
				s.started = true
				continue
			}
			if s.eof {
				return nil, io.EOF
			}
			// Keep the last two bytes, which may be the start of a start code
			if len(s.buf) > 2 {
				s.buf = s.buf[len(s.buf)-2:]
			}
			if err := s.fill(); err != nil {
				return nil, err
			}
			continue
		}
		if i := bytes.Index(s.buf, startCode3); i >= 0 {
			end := i
			// 4 byte start code, or trailing_zero_8bits
			for end > 0 && s.buf[end-1] == 0 {
				end--
			}
			nalu := bytes.Clone(s.buf[:end])
			s.buf = s.buf[i+3:]
			if len(nalu) == 0 {
				continue
			}
			return nalu, nil
		}
		if s.eof {
			if len(s.buf) == 0 {
				return nil, io.EOF
			}
			nalu := bytes.TrimRight(s.buf, "\x00")
			s.buf = nil
			if len(nalu) == 0 {
				return nil, io.EOF
			}
			return bytes.Clone(nalu), nil
		}
		if len(s.buf) > MaxNALUSize {
			return nil, ErrNALUTooLarge
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}
