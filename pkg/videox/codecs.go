package videox

import (
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
)

type AbstractNALUType int

const (
	AbstractNALUTypeOther         AbstractNALUType = iota // Any other NALU type
	AbstractNALUTypeEssentialMeta                         // SPS, PPS, VPS. Required before we can decode a frame.
	AbstractNALUTypeIDR                                   // Keyframe (Instantaneous Decoder Refresh)
	AbstractNALUTypeNonIDR                                // Visual frame, but not a keyframe
	AbstractNALUTypeDelimiter                             // Access unit delimiter
)

func ParseCodec(codec string) (Codec, error) {
	switch strings.ToLower(codec) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	default:
		return CodecUnknown, fmt.Errorf("Unknown codec: %v", codec)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

func ReadNaluTypeH264(firstByte byte) h264.NALUType {
	return h264.NALUType(firstByte & 31)
}

func ReadNaluTypeH265(firstByte byte) h265.NALUType {
	return h265.NALUType((firstByte >> 1) & 63)
}

func H264ToAbstractType(firstByte byte) AbstractNALUType {
	switch ReadNaluTypeH264(firstByte) {
	case h264.NALUTypeNonIDR:
		return AbstractNALUTypeNonIDR
	case h264.NALUTypeIDR:
		return AbstractNALUTypeIDR
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		return AbstractNALUTypeEssentialMeta
	case h264.NALUTypeAccessUnitDelimiter:
		return AbstractNALUTypeDelimiter
	default:
		return AbstractNALUTypeOther
	}
}

func H265ToAbstractType(firstByte byte) AbstractNALUType {
	t := ReadNaluTypeH265(firstByte)
	if (t >= 0 && t <= 9) || (t >= 16 && t <= 18) || (t == 21) {
		return AbstractNALUTypeNonIDR
	}

	switch t {
	case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP:
		return AbstractNALUTypeIDR
	case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
		return AbstractNALUTypeEssentialMeta
	case h265.NALUType_AUD_NUT:
		return AbstractNALUTypeDelimiter
	default:
		return AbstractNALUTypeOther
	}
}

// AbstractType returns the codec-independent type of a NALU payload (no start code).
// Empty payloads are AbstractNALUTypeOther.
func AbstractType(codec Codec, payload []byte) AbstractNALUType {
	if len(payload) == 0 {
		return AbstractNALUTypeOther
	}
	switch codec {
	case CodecH264:
		return H264ToAbstractType(payload[0])
	case CodecH265:
		return H265ToAbstractType(payload[0])
	}
	return AbstractNALUTypeOther
}

func (t AbstractNALUType) IsVisual() bool {
	return t == AbstractNALUTypeNonIDR || t == AbstractNALUTypeIDR
}

// IsSPS returns true if the payload is a sequence parameter set
func IsSPS(codec Codec, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch codec {
	case CodecH264:
		return ReadNaluTypeH264(payload[0]) == h264.NALUTypeSPS
	case CodecH265:
		return ReadNaluTypeH265(payload[0]) == h265.NALUType_SPS_NUT
	}
	return false
}
