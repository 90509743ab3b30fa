package amf

import (
	"encoding/binary"
	"fmt"
	"io"

	amferrors "github.com/alxayo/go-rtmp/internal/errors"
)

// AMF3 markers for the subset this package decodes. AMF3 only appears in
// chunk message type IDs 15 (Data) and 17 (Command) payloads; encoding is
// not implemented because this server never emits AMF3 itself.
const (
	amf3MarkerUndefined = 0x00
	amf3MarkerNull      = 0x01
	amf3MarkerFalse     = 0x02
	amf3MarkerTrue      = 0x03
	amf3MarkerInteger   = 0x04
	amf3MarkerDouble    = 0x05
	amf3MarkerString    = 0x06
	amf3MarkerArray     = 0x09
	amf3MarkerObject    = 0x0A
)

// DecodeAMF3Value decodes a single AMF3 value from r. Supported shapes:
// Undefined, Null, Boolean, U29 Integer, Double, String (no reference-table
// reuse), dense Array, and anonymous (untyped) Object with inline traits.
// Any other marker, or a
// string/array/object reference (low bit of the U29 header clear), returns
// an error: this server only needs to read the metadata/command payloads
// real encoders actually send, not the full AMF3 object graph model.
func DecodeAMF3Value(r io.Reader) (interface{}, error) {
	var m [1]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.amf3.marker.read", err)
	}
	switch m[0] {
	case amf3MarkerUndefined:
		return Undefined{}, nil
	case amf3MarkerNull:
		return nil, nil
	case amf3MarkerFalse:
		return false, nil
	case amf3MarkerTrue:
		return true, nil
	case amf3MarkerInteger:
		return decodeU29(r)
	case amf3MarkerDouble:
		return decodeAMF3Double(r)
	case amf3MarkerString:
		return decodeAMF3String(r)
	case amf3MarkerArray:
		return decodeAMF3Array(r)
	case amf3MarkerObject:
		return decodeAMF3Object(r)
	default:
		return nil, unsupportedMarkerError("decode.amf3.unsupported", m[0])
	}
}

// decodeU29 reads an AMF3 variable-length unsigned 29-bit integer (1-4
// bytes, high bit of each byte except the last is a continuation flag).
func decodeU29(r io.Reader) (int32, error) {
	var result int32
	for i := 0; i < 4; i++ {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, amferrors.NewAMFError("decode.amf3.u29.read", err)
		}
		if i == 3 {
			// Last byte contributes all 8 bits, no continuation flag.
			result = (result << 8) | int32(b[0])
			break
		}
		result = (result << 7) | int32(b[0]&0x7F)
		if b[0]&0x80 == 0 {
			break
		}
	}
	return result, nil
}

func decodeAMF3Double(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, amferrors.NewAMFError("decode.amf3.double.read", err)
	}
	return numberFromBits(binary.BigEndian.Uint64(buf[:])), nil
}

// decodeAMF3String reads the U29 string header; bit 0 set means "this is an
// inline value of (header>>1) bytes", bit 0 clear means a reference into the
// string table this package does not track.
func decodeAMF3String(r io.Reader) (string, error) {
	hdr, err := decodeU29(r)
	if err != nil {
		return "", err
	}
	if hdr&1 == 0 {
		return "", amferrors.NewAMFError("decode.amf3.string.reference", fmt.Errorf("string references are not supported"))
	}
	length := int(hdr >> 1)
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", amferrors.NewAMFError("decode.amf3.string.read", err)
	}
	return string(buf), nil
}

func decodeAMF3Array(r io.Reader) ([]interface{}, error) {
	hdr, err := decodeU29(r)
	if err != nil {
		return nil, err
	}
	if hdr&1 == 0 {
		return nil, amferrors.NewAMFError("decode.amf3.array.reference", fmt.Errorf("array references are not supported"))
	}
	count := int(hdr >> 1)
	// Dense arrays in AMF3 may also carry an associative part terminated by
	// an empty string key; real encoders never populate it for media
	// metadata, so a non-empty key here is treated as unsupported.
	key, err := decodeAMF3String(r)
	if err == nil && key != "" {
		return nil, amferrors.NewAMFError("decode.amf3.array.associative", fmt.Errorf("associative array part not supported"))
	}
	out := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		v, err := DecodeAMF3Value(r)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeAMF3Object decodes an anonymous AMF3 object with inline traits: the
// sealed member names, then their values, then (when the dynamic flag is
// set) dynamic key/value pairs. Typed (class-named) objects, trait
// references and externalizable objects are rejected.
func decodeAMF3Object(r io.Reader) (map[string]interface{}, error) {
	hdr, err := decodeU29(r)
	if err != nil {
		return nil, err
	}
	if hdr&1 == 0 {
		return nil, amferrors.NewAMFError("decode.amf3.object.reference", fmt.Errorf("object references are not supported"))
	}
	// Bit 1 set: traits follow inline (not cached). Bit 2 set: externalizable.
	if hdr&2 == 0 {
		return nil, amferrors.NewAMFError("decode.amf3.object.traitref", fmt.Errorf("traits references are not supported"))
	}
	if hdr&4 != 0 {
		return nil, amferrors.NewAMFError("decode.amf3.object.externalizable", fmt.Errorf("externalizable objects are not supported"))
	}
	sealedCount := int(hdr >> 4)
	className, err := decodeAMF3String(r)
	if err != nil {
		return nil, err
	}
	if className != "" {
		return nil, amferrors.NewAMFError("decode.amf3.object.typed", fmt.Errorf("typed objects are not supported"))
	}
	names := make([]string, sealedCount)
	for i := range names {
		if names[i], err = decodeAMF3String(r); err != nil {
			return nil, err
		}
	}
	out := make(map[string]interface{})
	for _, name := range names {
		v, err := DecodeAMF3Value(r)
		if err != nil {
			return nil, fmt.Errorf("sealed member %q: %w", name, err)
		}
		out[name] = v
	}
	if hdr&8 == 0 {
		return out, nil
	}
	// Dynamic members: key/value pairs terminated by an empty string key.
	for {
		name, err := decodeAMF3String(r)
		if err != nil {
			return nil, err
		}
		if name == "" {
			break
		}
		v, err := DecodeAMF3Value(r)
		if err != nil {
			return nil, fmt.Errorf("dynamic member %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
