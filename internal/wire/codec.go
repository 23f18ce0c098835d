package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"gpcore/internal/wireerr"
)

// Decode reads one tagged Value from r. It is the entry point used by the
// command decoder for operation/event/response payloads and recursively by
// container types (arrays, hash tables, dictionaries).
func Decode(r *bytes.Reader) (any, error) {
	tagByte, err := readByte(r)
	if err != nil {
		return nil, err
	}
	return decodeBody(r, Tag(tagByte))
}

func decodeBody(r *bytes.Reader, tag Tag) (any, error) {
	switch tag {
	case TagNull:
		return nil, nil
	case TagBool:
		b, err := readByte(r)
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case TagByte:
		return readByte(r)
	case TagShort:
		v, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		return int16(v), nil
	case TagInt:
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		return int32(v), nil
	case TagLong:
		v, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case TagFloat:
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil
	case TagDouble:
		v, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case TagString:
		return decodeString(r)
	case TagByteArray:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		return readN(r, int(n))
	case TagIntArray:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		// Bounds-check before allocating: n is attacker-controlled and a
		// u32, so a short packet declaring a huge element count must fail
		// here rather than force a multi-gigabyte allocation.
		if int64(n) > int64(r.Len())/4 {
			return nil, wireerr.NewDecodeError(offset(r), "length-overflow", "declared length exceeds remaining bytes")
		}
		out := make([]int32, n)
		for i := range out {
			v, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			out[i] = int32(v)
		}
		return out, nil
	case TagStringArray:
		n, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		out := make([]string, n)
		for i := range out {
			s, err := decodeString(r)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case TagTypedArray:
		return decodeTypedArray(r)
	case TagObjectArray:
		return decodeObjectArray(r)
	case TagHashtable:
		return decodeHashtable(r)
	case TagDictionary:
		return decodeDictionary(r)
	case TagCustomData:
		return decodeCustomData(r)
	default:
		return nil, wireerr.NewDecodeError(offset(r), "unknown-tag", "unknown type tag 0x"+hexByte(byte(tag)))
	}
}

func decodeString(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	b, err := readN(r, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTypedArray(r *bytes.Reader) (TypedArray, error) {
	n, err := readUint16(r)
	if err != nil {
		return TypedArray{}, err
	}
	innerTagByte, err := readByte(r)
	if err != nil {
		return TypedArray{}, err
	}
	inner := Tag(innerTagByte)
	elements := make([]any, n)
	for i := range elements {
		v, err := decodeBody(r, inner)
		if err != nil {
			return TypedArray{}, err
		}
		elements[i] = v
	}
	return TypedArray{ElemTag: inner, Elements: elements}, nil
}

func decodeObjectArray(r *bytes.Reader) (ObjectArray, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	out := make(ObjectArray, n)
	for i := range out {
		v, err := Decode(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeHashtable(r *bytes.Reader) (Hashtable, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	out := make(Hashtable, n)
	for i := uint16(0); i < n; i++ {
		k, err := Decode(r)
		if err != nil {
			return nil, err
		}
		v, err := Decode(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func decodeDictionary(r *bytes.Reader) (Dictionary, error) {
	keyTagByte, err := readByte(r)
	if err != nil {
		return Dictionary{}, err
	}
	valTagByte, err := readByte(r)
	if err != nil {
		return Dictionary{}, err
	}
	n, err := readUint16(r)
	if err != nil {
		return Dictionary{}, err
	}
	keyTag, valTag := Tag(keyTagByte), Tag(valTagByte)
	entries := make(map[any]any, n)
	for i := uint16(0); i < n; i++ {
		k, err := decodeDictMember(r, keyTag)
		if err != nil {
			return Dictionary{}, err
		}
		v, err := decodeDictMember(r, valTag)
		if err != nil {
			return Dictionary{}, err
		}
		entries[k] = v
	}
	return Dictionary{KeyTag: keyTag, ValueTag: valTag, Entries: entries}, nil
}

// decodeDictMember reads one dictionary key or value. A declared tag of 0 or
// TagNull means the tag travels inline with every element, same as Hashtable.
func decodeDictMember(r *bytes.Reader, declared Tag) (any, error) {
	if declared == 0 || declared == TagNull {
		return Decode(r)
	}
	return decodeBody(r, declared)
}

func decodeCustomData(r *bytes.Reader) (any, error) {
	variant, err := readByte(r)
	if err != nil {
		return nil, err
	}
	length, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	payload, err := readN(r, int(length))
	if err != nil {
		return nil, err
	}
	pr := bytes.NewReader(payload)
	switch variant {
	case VariantVec2:
		x, y, err := readTwoFloats(pr)
		if err != nil {
			return RawCustomData{Variant: variant, Data: payload}, nil
		}
		return Vec2{X: x, Y: y}, nil
	case VariantVec3:
		x, y, z, err := readThreeFloats(pr)
		if err != nil {
			return RawCustomData{Variant: variant, Data: payload}, nil
		}
		return Vec3{X: x, Y: y, Z: z}, nil
	case VariantQuaternion:
		w, x, y, z, err := readFourFloats(pr)
		if err != nil {
			return RawCustomData{Variant: variant, Data: payload}, nil
		}
		return Quaternion{W: w, X: x, Y: y, Z: z}, nil
	case VariantPhotonPlayer:
		if len(payload) < 4 {
			return RawCustomData{Variant: variant, Data: payload}, nil
		}
		return PhotonPlayer{PlayerID: binary.BigEndian.Uint32(payload[:4])}, nil
	default:
		return RawCustomData{Variant: variant, Data: payload}, nil
	}
}

func readTwoFloats(r *bytes.Reader) (float32, float32, error) {
	a, err := readFloat32(r)
	if err != nil {
		return 0, 0, err
	}
	b, err := readFloat32(r)
	return a, b, err
}

func readThreeFloats(r *bytes.Reader) (float32, float32, float32, error) {
	a, b, err := readTwoFloats(r)
	if err != nil {
		return 0, 0, 0, err
	}
	c, err := readFloat32(r)
	return a, b, c, err
}

func readFourFloats(r *bytes.Reader) (float32, float32, float32, float32, error) {
	a, b, c, err := readThreeFloats(r)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	d, err := readFloat32(r)
	return a, b, c, d, err
}

func readFloat32(r *bytes.Reader) (float32, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// --- primitive reads, all with bounds checking against the remaining buffer ---

func offset(r *bytes.Reader) int {
	pos, _ := r.Seek(0, 1)
	return int(pos)
}

func readByte(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, wireerr.NewDecodeError(offset(r), "eof", "unexpected end of buffer reading 1 byte")
	}
	return b, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, wireerr.NewDecodeError(offset(r), "negative-length", "negative declared length")
	}
	if n > r.Len() {
		return nil, wireerr.NewDecodeError(offset(r), "length-overflow", "declared length exceeds remaining bytes")
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, wireerr.NewDecodeError(offset(r), "eof", "unexpected end of buffer")
	}
	return buf, nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	b, err := readN(r, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	b, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	b, err := readN(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

const hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}
