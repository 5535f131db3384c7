package videox

// bitWriter writes the fixed and exp-Golomb coded fields of parameter sets
type bitWriter struct {
	buf   []byte
	nbits int
}

func (w *bitWriter) bit(b uint32) {
	if w.nbits%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 0x80 >> (w.nbits % 8)
	}
	w.nbits++
}

// u writes v as an n bit unsigned integer
func (w *bitWriter) u(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		w.bit((v >> i) & 1)
	}
}

// ue writes v as an unsigned exp-Golomb code
func (w *bitWriter) ue(v uint32) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.u(n, 0)
	w.u(n+1, v)
}

// se writes v as a signed exp-Golomb code
func (w *bitWriter) se(v int32) {
	if v > 0 {
		w.ue(uint32(2*v - 1))
	} else {
		w.ue(uint32(-2 * v))
	}
}

// trailing writes rbsp_trailing_bits
func (w *bitWriter) trailing() {
	w.bit(1)
	for w.nbits%8 != 0 {
		w.bit(0)
	}
}

// AddEmulationPrevention inserts 0x03 wherever the RBSP would otherwise contain a start code prefix
func AddEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
