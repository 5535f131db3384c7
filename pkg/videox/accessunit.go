package videox

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// AccessUnitSplitter groups a stream of NALUs into access units (one coded picture each,
// together with any parameter sets that precede it).
//
// A new access unit begins at a delimiter, at a parameter set that follows picture data,
// or at a slice that is the first slice of a new picture.
type AccessUnitSplitter struct {
	Codec Codec

	// Most recent SPS geometry. Zero until an SPS has been seen.
	Width  int
	Height int

	pending [][]byte
	hasVCL  bool
}

func NewAccessUnitSplitter(codec Codec) *AccessUnitSplitter {
	return &AccessUnitSplitter{
		Codec: codec,
	}
}

// isFirstSliceOfPicture inspects the slice header.
// For H264 this is first_mb_in_slice == 0 (ue(v) 0 is a single '1' bit).
// For H265 this is first_slice_segment_in_pic_flag.
func (s *AccessUnitSplitter) isFirstSliceOfPicture(payload []byte) bool {
	switch s.Codec {
	case CodecH264:
		return len(payload) > 1 && payload[1]&0x80 != 0
	case CodecH265:
		return len(payload) > 2 && payload[2]&0x80 != 0
	}
	return true
}

// Push adds one NALU payload (no start code). If this NALU begins a new access unit,
// the previous, now complete, access unit is returned.
func (s *AccessUnitSplitter) Push(payload []byte) (complete [][]byte) {
	if len(payload) == 0 {
		return nil
	}
	t := AbstractType(s.Codec, payload)
	if IsSPS(s.Codec, payload) {
		if w, h, err := ParseSPSGeometry(s.Codec, payload); err == nil {
			s.Width, s.Height = w, h
		}
	}
	startsNew := false
	switch {
	case t == AbstractNALUTypeDelimiter, t == AbstractNALUTypeEssentialMeta:
		startsNew = s.hasVCL
	case t.IsVisual():
		startsNew = s.hasVCL && s.isFirstSliceOfPicture(payload)
	}
	if startsNew {
		complete = s.pending
		s.pending = nil
		s.hasVCL = false
	}
	s.pending = append(s.pending, payload)
	if t.IsVisual() {
		s.hasVCL = true
	}
	return complete
}

// Flush returns the final access unit, if it contains picture data
func (s *AccessUnitSplitter) Flush() [][]byte {
	au := s.pending
	hasVCL := s.hasVCL
	s.pending = nil
	s.hasVCL = false
	if !hasVCL {
		return nil
	}
	return au
}

// MarshalAccessUnit encodes the NALUs of an access unit as an Annex-B byte stream
func MarshalAccessUnit(au [][]byte) ([]byte, error) {
	return h264.AnnexBMarshal(au)
}

// UnmarshalAccessUnit splits an Annex-B byte stream into NALU payloads
func UnmarshalAccessUnit(buf []byte) ([][]byte, error) {
	return h264.AnnexBUnmarshal(buf)
}
