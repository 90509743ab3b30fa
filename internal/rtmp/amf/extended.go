package amf

import (
	"encoding/binary"
	"fmt"
	"io"

	amferrors "github.com/alxayo/go-rtmp/internal/errors"
)

// Additional AMF0 type markers beyond the original Number/Boolean/String/
// Object/Null/StrictArray subset. ECMAArray and LongString appear in
// real-world connect/onStatus payloads (e.g. OBS sends metaData as an
// ECMAArray); Date and Undefined are rare but must be recognized rather
// than silently misparsed.
const (
	markerUndefined  = 0x06
	markerECMAArray  = 0x08
	markerDate       = 0x0B
	markerLongString = 0x0C
)

// Undefined is the distinguished Go value produced by decoding an AMF0
// Undefined marker. It is never equal to nil so callers can tell "no value
// sent" (Null) apart from "value sent as undefined".
type Undefined struct{}

// EncodeUndefined writes the single-byte AMF0 Undefined marker.
func EncodeUndefined(w io.Writer) error {
	if _, err := w.Write([]byte{markerUndefined}); err != nil {
		return amferrors.NewAMFError("encode.undefined.write", err)
	}
	return nil
}

// decodeUndefinedBody produces the value of an AMF0 Undefined. The marker is
// already consumed by the caller's dispatch (decodeValueWithMarker) and
// Undefined has no body, so nothing is read.
func decodeUndefinedBody() (interface{}, error) {
	return Undefined{}, nil
}

// EncodeLongString writes an AMF0 LongString (marker 0x0C, 4-byte length).
// Used for command arguments longer than 65535 bytes; most callers can keep
// using EncodeString, which is shorter on the wire for the common case.
func EncodeLongString(w io.Writer, s string) error {
	b := []byte(s)
	var hdr [1 + 4]byte
	hdr[0] = markerLongString
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.longstring.header.write", err)
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return amferrors.NewAMFError("encode.longstring.body.write", err)
		}
	}
	return nil
}

func decodeLongStringBody(r io.Reader) (string, error) {
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return "", amferrors.NewAMFError("decode.longstring.length.read", err)
	}
	l := binary.BigEndian.Uint32(ln[:])
	if l == 0 {
		return "", nil
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", amferrors.NewAMFError("decode.longstring.read", err)
	}
	return string(buf), nil
}

// EncodeDate writes an AMF0 Date (marker 0x0B, 8-byte ms-since-epoch double,
// 2-byte timezone). The timezone field is always written as 0 (UTC); RTMP
// peers do not rely on it.
func EncodeDate(w io.Writer, millis float64) error {
	var hdr [1]byte
	hdr[0] = markerDate
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.date.marker.write", err)
	}
	var body [8]byte
	binary.BigEndian.PutUint64(body[:], numberBits(millis))
	if _, err := w.Write(body[:]); err != nil {
		return amferrors.NewAMFError("encode.date.body.write", err)
	}
	var tz [2]byte
	if _, err := w.Write(tz[:]); err != nil {
		return amferrors.NewAMFError("encode.date.timezone.write", err)
	}
	return nil
}

func decodeDateBody(r io.Reader) (float64, error) {
	var body [8]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return 0, amferrors.NewAMFError("decode.date.body.read", err)
	}
	var tz [2]byte
	if _, err := io.ReadFull(r, tz[:]); err != nil {
		return 0, amferrors.NewAMFError("decode.date.timezone.read", err)
	}
	return numberFromBits(binary.BigEndian.Uint64(body[:])), nil
}

// EncodeECMAArray writes an AMF0 ECMA Array (marker 0x08): a 4-byte
// associative-count hint followed by the same key/value/terminator layout
// as Object. The count hint is informational only; decoders must not rely
// on it (senders commonly report 0 or an approximate value).
func EncodeECMAArray(w io.Writer, m map[string]interface{}) error {
	var hdr [1 + 4]byte
	hdr[0] = markerECMAArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m)))
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.header.write", err)
	}
	return encodeObjectBody(w, m)
}

func decodeECMAArrayBody(r io.Reader) (map[string]interface{}, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.count.read", err)
	}
	return decodeObjectBody(r)
}

// unsupportedMarkerError formats a consistent error for markers this
// package declines to decode (AMF0 Reference, and anything not listed
// above).
func unsupportedMarkerError(op string, marker byte) error {
	return amferrors.NewAMFError(op, fmt.Errorf("unsupported marker 0x%02x", marker))
}
