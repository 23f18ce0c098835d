package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode writes one tagged Value to buf. The Go type of v selects the wire
// tag: a bare `int` gets the narrowest signed tag that can hold it;
// int16/int32/int64/float32/float64 always use
// their exact corresponding tag so callers that need a specific width never
// get silently narrowed or widened.
func Encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(byte(TagNull))
	case bool:
		buf.WriteByte(byte(TagBool))
		writeBool(buf, val)
	case byte:
		buf.WriteByte(byte(TagByte))
		buf.WriteByte(val)
	case int16:
		buf.WriteByte(byte(TagShort))
		writeUint16(buf, uint16(val))
	case int32:
		buf.WriteByte(byte(TagInt))
		writeUint32(buf, uint32(val))
	case int64:
		buf.WriteByte(byte(TagLong))
		writeUint64(buf, uint64(val))
	case int:
		return encodeNarrowestInt(buf, int64(val))
	case float32:
		buf.WriteByte(byte(TagFloat))
		writeUint32(buf, math.Float32bits(val))
	case float64:
		buf.WriteByte(byte(TagDouble))
		writeUint64(buf, math.Float64bits(val))
	case string:
		buf.WriteByte(byte(TagString))
		return encodeString(buf, val)
	case []byte:
		buf.WriteByte(byte(TagByteArray))
		writeUint32(buf, uint32(len(val)))
		buf.Write(val)
	case []int32:
		buf.WriteByte(byte(TagIntArray))
		writeUint32(buf, uint32(len(val)))
		for _, e := range val {
			writeUint32(buf, uint32(e))
		}
	case []string:
		buf.WriteByte(byte(TagStringArray))
		writeUint16(buf, uint16(len(val)))
		for _, s := range val {
			if err := encodeString(buf, s); err != nil {
				return err
			}
		}
	case TypedArray:
		return encodeTypedArray(buf, val)
	case ObjectArray:
		buf.WriteByte(byte(TagObjectArray))
		writeUint16(buf, uint16(len(val)))
		for _, e := range val {
			if err := Encode(buf, e); err != nil {
				return err
			}
		}
	case Hashtable:
		return encodeHashtable(buf, val)
	case Dictionary:
		return encodeDictionary(buf, val)
	case Vec2:
		return encodeCustom(buf, VariantVec2, 8, func(p *bytes.Buffer) {
			writeFloat32(p, val.X)
			writeFloat32(p, val.Y)
		})
	case Vec3:
		return encodeCustom(buf, VariantVec3, 12, func(p *bytes.Buffer) {
			writeFloat32(p, val.X)
			writeFloat32(p, val.Y)
			writeFloat32(p, val.Z)
		})
	case Quaternion:
		return encodeCustom(buf, VariantQuaternion, 16, func(p *bytes.Buffer) {
			writeFloat32(p, val.W)
			writeFloat32(p, val.X)
			writeFloat32(p, val.Y)
			writeFloat32(p, val.Z)
		})
	case PhotonPlayer:
		return encodeCustom(buf, VariantPhotonPlayer, 4, func(p *bytes.Buffer) {
			writeUint32(p, val.PlayerID)
		})
	case RawCustomData:
		return encodeCustom(buf, val.Variant, len(val.Data), func(p *bytes.Buffer) {
			p.Write(val.Data)
		})
	default:
		return fmt.Errorf("wire: cannot encode value of type %T", v)
	}
	return nil
}

// encodeNarrowestInt implements the "choose the smallest signed tag that
// fits" rule. Byte is unsigned (0..255) in this protocol, so it is only used
// for small non-negative values; anything else falls through short/int/long.
func encodeNarrowestInt(buf *bytes.Buffer, v int64) error {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		buf.WriteByte(byte(TagByte))
		buf.WriteByte(byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf.WriteByte(byte(TagShort))
		writeUint16(buf, uint16(int16(v)))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf.WriteByte(byte(TagInt))
		writeUint32(buf, uint32(int32(v)))
	default:
		buf.WriteByte(byte(TagLong))
		writeUint64(buf, uint64(v))
	}
	return nil
}

func encodeTypedArray(buf *bytes.Buffer, ta TypedArray) error {
	buf.WriteByte(byte(TagTypedArray))
	writeUint16(buf, uint16(len(ta.Elements)))
	buf.WriteByte(byte(ta.ElemTag))
	for _, e := range ta.Elements {
		if err := encodeUntagged(buf, ta.ElemTag, e); err != nil {
			return err
		}
	}
	return nil
}

// encodeUntagged writes a value's payload only, for contexts (typed arrays)
// where the tag was already written once for the whole collection.
func encodeUntagged(buf *bytes.Buffer, tag Tag, v any) error {
	var tmp bytes.Buffer
	if err := Encode(&tmp, v); err != nil {
		return err
	}
	b := tmp.Bytes()
	if len(b) == 0 || Tag(b[0]) != tag {
		return fmt.Errorf("wire: typed-array element does not match declared tag %s", tag)
	}
	buf.Write(b[1:])
	return nil
}

func encodeHashtable(buf *bytes.Buffer, ht Hashtable) error {
	buf.WriteByte(byte(TagHashtable))
	writeUint16(buf, uint16(len(ht)))
	for k, v := range ht {
		if err := Encode(buf, k); err != nil {
			return err
		}
		if err := Encode(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeDictionary(buf *bytes.Buffer, d Dictionary) error {
	buf.WriteByte(byte(TagDictionary))
	buf.WriteByte(byte(d.KeyTag))
	buf.WriteByte(byte(d.ValueTag))
	writeUint16(buf, uint16(len(d.Entries)))
	for k, v := range d.Entries {
		if err := encodeDictMember(buf, d.KeyTag, k); err != nil {
			return err
		}
		if err := encodeDictMember(buf, d.ValueTag, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeDictMember(buf *bytes.Buffer, declared Tag, v any) error {
	if declared == 0 || declared == TagNull {
		return Encode(buf, v)
	}
	return encodeUntagged(buf, declared, v)
}

func encodeCustom(buf *bytes.Buffer, variant byte, length int, write func(*bytes.Buffer)) error {
	buf.WriteByte(byte(TagCustomData))
	buf.WriteByte(variant)
	writeUint16(buf, uint16(length))
	write(buf)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("wire: string too long to encode (%d bytes)", len(s))
	}
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeFloat32(buf *bytes.Buffer, v float32) {
	writeUint32(buf, math.Float32bits(v))
}
