package videox

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

var ErrNotSPS = errors.New("NALU is not an SPS")

// ParseSPSGeometry returns the picture size encoded in an SPS NALU payload (no start code).
func ParseSPSGeometry(codec Codec, payload []byte) (width, height int, err error) {
	if !IsSPS(codec, payload) {
		return 0, 0, ErrNotSPS
	}
	switch codec {
	case CodecH264:
		var sps h264.SPS
		if err := sps.Unmarshal(payload); err != nil {
			return 0, 0, fmt.Errorf("Invalid H264 SPS: %w", err)
		}
		return sps.Width(), sps.Height(), nil
	case CodecH265:
		var sps h265.SPS
		if err := sps.Unmarshal(payload); err != nil {
			return 0, 0, fmt.Errorf("Invalid H265 SPS: %w", err)
		}
		return sps.Width(), sps.Height(), nil
	}
	return 0, 0, fmt.Errorf("Unsupported codec %v", codec)
}
