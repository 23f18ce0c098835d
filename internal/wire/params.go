package wire

import "bytes"

// DecodeParameterTable reads a byte-keyed parameter mapping: a u16 entry
// count followed by that many (key byte, tagged value) pairs. This is the
// encoding used for OperationRequest.Parameters, OperationResponse.Parameters,
// and Event.Parameters — distinct from the Dictionary/Hashtable
// wire tags, which are for values nested inside a payload. The explicit
// count (rather than "read until buffer exhausted") keeps a parameter table
// self-delimiting when several commands are packed into one outer packet.
func DecodeParameterTable(r *bytes.Reader) (ParameterTable, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	out := make(ParameterTable, n)
	for i := uint16(0); i < n; i++ {
		key, err := readByte(r)
		if err != nil {
			return nil, err
		}
		val, err := Decode(r)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// EncodeParameterTable writes the u16 count followed by each (key, tagged
// value) pair in ascending key order, for deterministic wire output.
func EncodeParameterTable(buf *bytes.Buffer, params ParameterTable) error {
	keys := make([]byte, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sortBytes(keys)
	writeUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf.WriteByte(k)
		if err := Encode(buf, params[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}
