// Package command implements the command-record layer that sits inside a
// framed packet payload: fixed 4-byte command header plus timestamp, an
// optional sequence number, and an optional tagged Value, built on top of
// internal/wire for the payload and internal/frame for the outer packet.
package command

import (
	"bytes"
	"encoding/binary"

	"gpcore/internal/wireerr"
)

// Kind identifies a command record type
type Kind byte

const (
	KindVerifyConnect   Kind = 3
	KindDisconnect      Kind = 4
	KindPing            Kind = 5
	KindSendReliable    Kind = 6
	KindSendUnreliable  Kind = 7
)

// hasSequence reports whether this kind carries a sequence number field.
func (k Kind) hasSequence() bool {
	return k == KindSendReliable || k == KindSendUnreliable
}

// hasPayload reports whether this kind carries a tagged Value payload.
func (k Kind) hasPayload() bool {
	return k == KindSendReliable || k == KindSendUnreliable
}

func (k Kind) String() string {
	switch k {
	case KindVerifyConnect:
		return "VerifyConnect"
	case KindDisconnect:
		return "Disconnect"
	case KindPing:
		return "Ping"
	case KindSendReliable:
		return "SendReliable"
	case KindSendUnreliable:
		return "SendUnreliable"
	default:
		return "Unknown"
	}
}

// HeaderSize is the fixed portion common to every command record: kind,
// channel, flags, reserved, timestamp.
const HeaderSize = 4 + 4

// Record is one decoded command record.
type Record struct {
	Kind      Kind
	Channel   byte
	Flags     byte
	Timestamp uint32
	Sequence  uint32 // valid only when Kind.hasSequence()
	Payload   any    // valid only when Kind.hasPayload()
}

// Decoder decodes a sequence of command records from one packet payload.
// Records are yielded one at a time so a decode failure on one record is
// contained without losing records already successfully decoded earlier in
// the same payload; the caller skips the remainder and carries on.
type Decoder struct {
	r *bytes.Reader
}

// NewDecoder wraps a packet payload for record-at-a-time decoding.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(payload)}
}

// Done reports whether every byte of the payload has been consumed.
func (d *Decoder) Done() bool { return d.r.Len() == 0 }

// Next decodes one command record. On error, the decoder's position is left
// wherever the failure occurred; callers must stop calling Next for this
// payload; the remainder is unrecoverable garbage.
func (d *Decoder) Next() (Record, error) {
	var rec Record
	hdr, err := readN(d.r, HeaderSize)
	if err != nil {
		return rec, err
	}
	rec.Kind = Kind(hdr[0])
	rec.Channel = hdr[1]
	rec.Flags = hdr[2]
	// hdr[3] is reserved.
	rec.Timestamp = binary.BigEndian.Uint32(hdr[4:8])

	if rec.Kind.hasSequence() {
		seqBytes, err := readN(d.r, 4)
		if err != nil {
			return rec, err
		}
		rec.Sequence = binary.BigEndian.Uint32(seqBytes)
	}
	if rec.Kind.hasPayload() {
		msg, err := decodeMessage(d.r)
		if err != nil {
			return rec, err
		}
		rec.Payload = msg
	}
	return rec, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, wireerr.NewDecodeError(int(posOf(r)), "length-overflow", "command header truncated")
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, wireerr.NewDecodeError(int(posOf(r)), "eof", "command header truncated")
	}
	return buf, nil
}

func posOf(r *bytes.Reader) int64 {
	pos, _ := r.Seek(0, 1)
	return pos
}

// Encode appends one command record's wire bytes to buf.
func Encode(buf *bytes.Buffer, rec Record) error {
	buf.WriteByte(byte(rec.Kind))
	buf.WriteByte(rec.Channel)
	buf.WriteByte(rec.Flags)
	buf.WriteByte(0) // reserved
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], rec.Timestamp)
	buf.Write(ts[:])

	if rec.Kind.hasSequence() {
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], rec.Sequence)
		buf.Write(seq[:])
	}
	if rec.Kind.hasPayload() {
		msg, ok := rec.Payload.(Message)
		if !ok {
			return wireerr.NewDecodeError(0, "payload-type", "command payload must be a Message")
		}
		if err := encodeMessage(buf, msg); err != nil {
			return err
		}
	}
	return nil
}
