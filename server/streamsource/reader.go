package streamsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/inferpipe/pkg/videox"
)

// ErrMalformed is returned by a Reader when one access unit could not be read.
// The reader remains usable.
var ErrMalformed = errors.New("malformed access unit")

var ErrUnsupportedStream = errors.New("unsupported stream location")

// Reader produces the access units of one stream, in transport order
type Reader interface {
	// ReadAccessUnit returns the NALU payloads (without start codes) of the next access unit.
	// io.EOF marks the end of the stream.
	ReadAccessUnit(ctx context.Context) ([][]byte, error)
	Codec() videox.Codec
	// Geometry is the picture size of the most recently returned access unit
	Geometry() (width, height int)
	Close() error
}

// Open connects to a stream. RTSP URLs are streamed live. Anything else is a file:
// .ts and .m2ts files are MPEG-TS, and .264/.h264/.avc or .265/.h265/.hevc files are raw Annex-B.
func Open(ctx context.Context, location string) (Reader, error) {
	if strings.HasPrefix(location, "rtsp://") || strings.HasPrefix(location, "rtsps://") {
		return openRTSP(ctx, location)
	}
	var codec videox.Codec
	isTS := false
	switch strings.ToLower(filepath.Ext(location)) {
	case ".ts", ".m2ts":
		isTS = true
	case ".264", ".h264", ".avc":
		codec = videox.CodecH264
	case ".265", ".h265", ".hevc":
		codec = videox.CodecH265
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStream, location)
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	r := &fileReader{f: f}
	if isTS {
		r.src = videox.NewMPEGTSReader(ctx, f)
	} else {
		r.src = &annexBSource{scanner: videox.NewAnnexBScanner(f), codec: codec}
	}
	return r, nil
}

// naluSource is an elementary stream of NALUs
type naluSource interface {
	NextNALU() ([]byte, error)
	Codec() videox.Codec
}

type annexBSource struct {
	scanner *videox.AnnexBScanner
	codec   videox.Codec
}

func (a *annexBSource) NextNALU() ([]byte, error) { return a.scanner.Next() }
func (a *annexBSource) Codec() videox.Codec        { return a.codec }

// fileReader groups the NALUs of a file into access units
type fileReader struct {
	f        *os.File
	src      naluSource
	splitter *videox.AccessUnitSplitter
	width    int
	height   int
	done     bool
}

func (r *fileReader) Codec() videox.Codec {
	return r.src.Codec()
}

func (r *fileReader) Geometry() (width, height int) {
	return r.width, r.height
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

func (r *fileReader) ReadAccessUnit(ctx context.Context) ([][]byte, error) {
	for !r.done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nalu, err := r.src.NextNALU()
		if err == io.EOF {
			r.done = true
			if r.splitter != nil {
				if au := r.splitter.Flush(); au != nil {
					return r.finish(au, r.splitter.Width, r.splitter.Height)
				}
			}
			break
		} else if err != nil {
			return nil, err
		}
		if r.splitter == nil {
			// For MPEG-TS the codec is only known once the PMT has been read
			r.splitter = videox.NewAccessUnitSplitter(r.src.Codec())
		}
		// An access unit is completed by the first NALU of the next one, which may be an SPS
		// that changes the geometry, so take the geometry from before the push.
		w, h := r.splitter.Width, r.splitter.Height
		if au := r.splitter.Push(nalu); au != nil {
			return r.finish(au, w, h)
		}
	}
	return nil, io.EOF
}

func (r *fileReader) finish(au [][]byte, width, height int) ([][]byte, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: access unit precedes the first SPS", ErrMalformed)
	}
	r.width, r.height = width, height
	return au, nil
}
