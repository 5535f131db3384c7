package videox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

const videoPID = 256

// MPEGTSEncoder writes H264 access units into an MPEG-TS stream.
// We only write streams without B-frames, so DTS always equals PTS.
type MPEGTSEncoder struct {
	b   *bufio.Writer
	mux *astits.Muxer
	sps []byte
	pps []byte
}

func NewMPEGTSEncoder(output io.Writer) *MPEGTSEncoder {
	b := bufio.NewWriter(output)
	mux := astits.NewMuxer(context.Background(), b)
	mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	})
	mux.SetPCRPID(videoPID)
	return &MPEGTSEncoder{
		b:   b,
		mux: mux,
	}
}

// Close flushes buffered output
func (e *MPEGTSEncoder) Close() error {
	return e.b.Flush()
}

// Encode writes one access unit (NALU payloads without start codes)
func (e *MPEGTSEncoder) Encode(au [][]byte, pts time.Duration) error {
	// prepend an AUD. This is required by some players
	filtered := [][]byte{
		{byte(h264.NALUTypeAccessUnitDelimiter), 240},
	}
	idrPresent := false
	nonIDRPresent := false
	for _, payload := range au {
		if len(payload) == 0 {
			continue
		}
		switch ReadNaluTypeH264(payload[0]) {
		case h264.NALUTypeSPS:
			e.sps = append([]byte(nil), payload...)
			continue
		case h264.NALUTypePPS:
			e.pps = append([]byte(nil), payload...)
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			idrPresent = true
			// add SPS and PPS before every IDR
			if e.sps != nil && e.pps != nil {
				filtered = append(filtered, e.sps, e.pps)
			}
		case h264.NALUTypeNonIDR:
			nonIDRPresent = true
		}
		filtered = append(filtered, payload)
	}
	if !idrPresent && !nonIDRPresent {
		return nil
	}

	annexb, err := h264.AnnexBMarshal(filtered)
	if err != nil {
		return err
	}
	_, err = e.mux.WriteData(&astits.MuxerData{
		PID: videoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: idrPresent,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: int64(pts.Seconds() * 90000)},
				},
				StreamID: 224, // video
			},
			Data: annexb,
		},
	})
	return err
}

// WriteTS writes 'frames' access units of a synthetic stream as MPEG-TS, at the given frame rate
func (s *SyntheticH264Stream) WriteTS(w io.Writer, frames int, fps float64) error {
	enc := NewMPEGTSEncoder(w)
	for i := 0; i < frames; i++ {
		pts := time.Duration(float64(i) / fps * float64(time.Second))
		if err := enc.Encode(s.AccessUnit(i), pts); err != nil {
			return fmt.Errorf("Failed to encode frame %v: %w", i, err)
		}
	}
	return enc.Close()
}

var ErrNoVideoStream = errors.New("MPEG-TS stream has no H264 or H265 video")

// MPEGTSReader extracts the NALUs of the first video stream of an MPEG-TS stream
type MPEGTSReader struct {
	dmx     *astits.Demuxer
	codec   Codec
	pid     uint16
	pending [][]byte
}

func NewMPEGTSReader(ctx context.Context, r io.Reader) *MPEGTSReader {
	return &MPEGTSReader{
		dmx: astits.NewDemuxer(ctx, r),
	}
}

// Codec is unknown until the PMT has been read
func (r *MPEGTSReader) Codec() Codec {
	return r.codec
}

// NextNALU returns the next NALU payload of the video stream, or io.EOF at the end of the stream.
// If the stream ends without a PMT that declares a video stream, ErrNoVideoStream is returned.
func (r *MPEGTSReader) NextNALU() ([]byte, error) {
	for len(r.pending) == 0 {
		d, err := r.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				if r.codec == CodecUnknown {
					return nil, ErrNoVideoStream
				}
				return nil, io.EOF
			}
			return nil, err
		}
		if d.PMT != nil && r.codec == CodecUnknown {
			for _, es := range d.PMT.ElementaryStreams {
				switch es.StreamType {
				case astits.StreamTypeH264Video:
					r.codec = CodecH264
				case astits.StreamTypeH265Video:
					r.codec = CodecH265
				default:
					continue
				}
				r.pid = es.ElementaryPID
				break
			}
		}
		if d.PES != nil && r.codec != CodecUnknown && d.PID == r.pid {
			nalus, err := h264.AnnexBUnmarshal(d.PES.Data)
			if err != nil {
				// A damaged PES packet. Skip it, and carry on with the next one.
				continue
			}
			r.pending = nalus
		}
	}
	n := r.pending[0]
	r.pending = r.pending[1:]
	return n, nil
}
