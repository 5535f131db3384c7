package videox

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// EncodeH264SPS writes a constrained baseline SPS for a picture of the given size.
// Sizes that aren't a multiple of 16 are expressed with frame cropping.
func EncodeH264SPS(width, height int) []byte {
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16
	w := bitWriter{}
	w.u(8, 66)   // profile_idc: baseline
	w.u(8, 0xc0) // constraint_set0_flag, constraint_set1_flag
	w.u(8, 30)   // level_idc
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(2)      // pic_order_cnt_type
	w.ue(1)      // max_num_ref_frames
	w.u(1, 0)    // gaps_in_frame_num_value_allowed_flag
	w.ue(uint32(mbW - 1))
	w.ue(uint32(mbH - 1))
	w.u(1, 1) // frame_mbs_only_flag
	w.u(1, 1) // direct_8x8_inference_flag
	cropRight := mbW*16 - width
	cropBottom := mbH*16 - height
	if cropRight != 0 || cropBottom != 0 {
		// Crop units are 2 pixels for 4:2:0 progressive
		w.u(1, 1)
		w.ue(0)
		w.ue(uint32(cropRight / 2))
		w.ue(0)
		w.ue(uint32(cropBottom / 2))
	} else {
		w.u(1, 0)
	}
	w.u(1, 0) // vui_parameters_present_flag
	w.trailing()
	return append([]byte{byte(h264.NALUTypeSPS) | 0x60}, AddEmulationPrevention(w.buf)...)
}

// EncodeH264PPS writes a CAVLC PPS that references SPS 0
func EncodeH264PPS() []byte {
	w := bitWriter{}
	w.ue(0)   // pic_parameter_set_id
	w.ue(0)   // seq_parameter_set_id
	w.u(1, 0) // entropy_coding_mode_flag
	w.u(1, 0) // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)   // num_slice_groups_minus1
	w.ue(0)   // num_ref_idx_l0_default_active_minus1
	w.ue(0)   // num_ref_idx_l1_default_active_minus1
	w.u(1, 0) // weighted_pred_flag
	w.u(2, 0) // weighted_bipred_idc
	w.se(0)   // pic_init_qp_minus26
	w.se(0)   // pic_init_qs_minus26
	w.se(0)   // chroma_qp_index_offset
	w.u(1, 1) // deblocking_filter_control_present_flag
	w.u(1, 0) // constrained_intra_pred_flag
	w.u(1, 0) // redundant_pic_cnt_present_flag
	w.trailing()
	return append([]byte{byte(h264.NALUTypePPS) | 0x60}, AddEmulationPrevention(w.buf)...)
}

// SyntheticH264Slice returns a slice NALU whose header marks the start of a new picture.
// The slice data is filler, so it only makes sense to decoders that don't look inside (such as the simulator).
func SyntheticH264Slice(idr bool, frame int) []byte {
	w := bitWriter{}
	w.ue(0) // first_mb_in_slice
	if idr {
		w.ue(7) // slice_type: I
	} else {
		w.ue(5) // slice_type: P
	}
	w.ue(0)                      // pic_parameter_set_id
	w.u(4, uint32(frame&15))     // frame_num
	w.u(16, uint32(frame)|1<<15) // filler
	w.trailing()
	header := byte(h264.NALUTypeNonIDR) | 0x40
	if idr {
		header = byte(h264.NALUTypeIDR) | 0x60
	}
	return append([]byte{header}, AddEmulationPrevention(w.buf)...)
}

// SyntheticH264Stream generates access units of a synthetic stream
type SyntheticH264Stream struct {
	Width  int
	Height int
	GOP    int // Keyframe interval. SPS and PPS are repeated before every keyframe.
}

// AccessUnit returns the NALUs of a frame
func (s *SyntheticH264Stream) AccessUnit(frame int) [][]byte {
	gop := max(s.GOP, 1)
	if frame%gop == 0 {
		return [][]byte{
			EncodeH264SPS(s.Width, s.Height),
			EncodeH264PPS(),
			SyntheticH264Slice(true, frame),
		}
	}
	return [][]byte{SyntheticH264Slice(false, frame)}
}

// WriteAnnexB writes 'frames' access units as a raw Annex-B elementary stream
func (s *SyntheticH264Stream) WriteAnnexB(w io.Writer, frames int) error {
	for i := 0; i < frames; i++ {
		buf, err := h264.AnnexBMarshal(s.AccessUnit(i))
		if err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("Failed to write frame %v: %w", i, err)
		}
	}
	return nil
}
