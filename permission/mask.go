package permission

import "math/bits"

const maskWords = 8

// Mask is a fixed 512-bit set. Registries narrower than 512 bits simply
// leave the upper words empty.
type Mask [maskWords]uint64

func (m *Mask) Set(bit int) {
	if bit < 0 || bit >= maskWords*64 {
		return
	}
	m[bit/64] |= 1 << (bit % 64)
}

func (m *Mask) Clear(bit int) {
	if bit < 0 || bit >= maskWords*64 {
		return
	}
	m[bit/64] &^= 1 << (bit % 64)
}

func (m Mask) Has(bit int) bool {
	if bit < 0 || bit >= maskWords*64 {
		return false
	}
	return m[bit/64]&(1<<(bit%64)) != 0
}

// Union returns m | o.
func (m Mask) Union(o Mask) Mask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

func (m Mask) IsZero() bool {
	return m == Mask{}
}
