// Package frame implements the outer packet framing: a fixed-size header
// (signature, peer id, crc, length) followed by a payload of zero or more
// command records. Reading buffers on the underlying
// connection until a complete header+payload is available, since one TCP
// read may deliver multiple or partial packets.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"gpcore/internal/wireerr"
)

// Signature is the big-endian magic value that opens every outer packet.
const Signature uint16 = 0xFB17

// HeaderSize is the fixed byte length of the outer packet header.
const HeaderSize = 2 + 2 + 4 + 4 // signature + peerID + crc + length

// MaxPayloadSize bounds a single packet's declared payload length so a
// corrupt or hostile length field cannot force an unbounded allocation.
const MaxPayloadSize = 1 << 20 // 1 MiB

// Header is the outer packet header.
type Header struct {
	Signature uint16
	PeerID    uint16
	CRC       uint32
	Length    uint32
}

// Reader incrementally reads framed packets off a stream connection,
// buffering as needed across partial TCP reads.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for packet-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16*1024)}
}

// ReadPacket blocks until one full packet (header + payload) is available,
// validates the signature, and returns the peer id and payload bytes.
// A signature mismatch is a transport-level error; callers own the
// repeated-bad-packet policy and should treat the returned error as one
// strike.
func (r *Reader) ReadPacket() (peerID uint16, payload []byte, err error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return 0, nil, err
	}
	sig := binary.BigEndian.Uint16(hdr[0:2])
	if sig != Signature {
		return 0, nil, &wireerr.TransportError{Reason: fmt.Sprintf("bad packet signature 0x%04x", sig)}
	}
	peerID = binary.BigEndian.Uint16(hdr[2:4])
	// CRC at hdr[4:8] is written as zero by senders and not validated.
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > MaxPayloadSize {
		return 0, nil, &wireerr.TransportError{Reason: fmt.Sprintf("packet length %d exceeds max %d", length, MaxPayloadSize)}
	}
	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return 0, nil, err
		}
	}
	return peerID, payload, nil
}

// WritePacket frames payload with the outer packet header and writes it in
// one call so bytes of concurrent sends are never interleaved by the
// caller's buffering alone — callers must still serialize calls per
// connection.
func WritePacket(w io.Writer, peerID uint16, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Signature)
	binary.BigEndian.PutUint16(buf[2:4], peerID)
	binary.BigEndian.PutUint32(buf[4:8], 0) // crc unset, not validated
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
