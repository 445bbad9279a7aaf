package frame

import "encoding/binary"

// HeaderSize returns how many bytes WriteUnmaskedHeader or WriteMaskedHeader
// need for a payload of the given length. The first header byte is not
// included.
func HeaderSize(length uint64, masked bool) int {
	n := 1
	switch {
	case length <= maxLen7:
	case length <= maxLen16:
		n += 2
	default:
		n += 8
	}
	if masked {
		n += maskBytes
	}
	return n
}

// WriteUnmaskedHeader writes the second header byte with the mask bit clear,
// followed by the extended length if one is needed. It returns the number of
// bytes written, or 0 if buf is too small, in which case buf is untouched.
func WriteUnmaskedHeader(buf []byte, length uint64) int {
	return writeLength(buf, length, 0)
}

// WriteMaskedHeader is like WriteUnmaskedHeader with the mask bit set, and
// appends the mask key in big-endian order.
func WriteMaskedHeader(buf []byte, length uint64, mask uint32) int {
	if len(buf) < 1+maskBytes {
		return 0
	}
	n := writeLength(buf[:len(buf)-maskBytes], length, maskBit)
	if n == 0 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[n:], mask)
	return n + maskBytes
}

func writeLength(buf []byte, length uint64, flag byte) int {
	switch {
	case length <= maxLen7:
		if len(buf) < 1 {
			return 0
		}
		buf[0] = flag | byte(length)
		return 1
	case length <= maxLen16:
		if len(buf) < 3 {
			return 0
		}
		buf[0] = flag | len16
		binary.BigEndian.PutUint16(buf[1:], uint16(length))
		return 3
	default:
		if len(buf) < 9 {
			return 0
		}
		buf[0] = flag | len64
		binary.BigEndian.PutUint64(buf[1:], length)
		return 9
	}
}

// MaskBytes XORs p in place with key, starting at position pos of the key
// cycle. pos is the frame offset of p[0], so a payload delivered in several
// pieces can be unmasked piecewise.
func MaskBytes(p []byte, key [4]byte, pos uint64) {
	i := pos & 3
	for j := range p {
		p[j] ^= key[i]
		i = (i + 1) & 3
	}
}
