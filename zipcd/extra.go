package zipcd

import (
	"encoding/binary"
)

// FindExtra returns the data of the first extra field block with the given tag. Malformed trailing bytes are
// ignored, matching what lenient readers do.
func FindExtra(extra []byte, tag uint16) ([]byte, bool) {
	for len(extra) >= 4 {
		t := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if len(extra) < 4+size {
			break
		}
		if t == tag {
			return extra[4 : 4+size], true
		}
		extra = extra[4+size:]
	}
	return nil, false
}

// SetExtra returns the extra field with the block for the given tag replaced, or appended if absent.
func SetExtra(extra []byte, tag uint16, data []byte) []byte {
	out := StripExtra(extra, tag)
	out = append(out, byte(tag), byte(tag>>8), byte(len(data)), byte(len(data)>>8))
	return append(out, data...)
}

// StripExtra returns the extra field without any blocks of the given tag. Malformed trailing bytes are
// dropped.
func StripExtra(extra []byte, tag uint16) []byte {
	var out []byte
	for len(extra) >= 4 {
		t := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if len(extra) < 4+size {
			break
		}
		if t != tag {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}
