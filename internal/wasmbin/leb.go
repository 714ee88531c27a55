package wasmbin

import "github.com/wippyai/wasm-engine/errors"

// AppendU32 appends v as unsigned LEB128.
func AppendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		return append(dst, b)
	}
}

// AppendS64 appends v as signed LEB128.
func AppendS64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendS32 appends v as signed LEB128.
func AppendS32(dst []byte, v int32) []byte {
	return AppendS64(dst, int64(v))
}

// DecodeU32 decodes an unsigned LEB128 value from the front of b, returning
// the value and the number of bytes consumed.
func DecodeU32(b []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < len(b); i++ {
		if i == 5 {
			break
		}
		c := b[i]
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.InvalidInput(errors.PhaseCompile, "malformed unsigned leb128 integer")
}

// DecodeS64 decodes a signed LEB128 value from the front of b.
func DecodeS64(b []byte) (int64, int, error) {
	var v int64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i == 10 {
			break
		}
		c := b[i]
		v |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				v |= -1 << shift
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.InvalidInput(errors.PhaseCompile, "malformed signed leb128 integer")
}
