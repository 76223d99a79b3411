package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// FloatSize is the wire size of a float field.
const FloatSize = 4

// Checksum computes (typ + length + sum(payload)) mod 256.
func Checksum(typ, length byte, payload []byte) byte {
	sum := typ + length
	for _, b := range payload {
		sum += b
	}
	return sum
}

// EncodeFloat encodes v as 4 little-endian IEEE-754 bytes.
func EncodeFloat(v float32) []byte {
	b := make([]byte, FloatSize)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// DecodeFloat decodes the first 4 bytes of data.
func DecodeFloat(data []byte) (float32, error) {
	if len(data) < FloatSize {
		return 0, NewCodecError(fmt.Sprintf("float needs %d bytes, got %d", FloatSize, len(data)))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
}

// EncodeString encodes s as UTF-8 followed by a zero byte.
func EncodeString(s string) []byte {
	b := make([]byte, 0, len(s)+1)
	b = append(b, s...)
	return append(b, 0)
}

// DecodeString decodes UTF-8 text up to the first zero byte or the end of data.
func DecodeString(data []byte) (string, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if !utf8.Valid(data) {
		return "", NewCodecError("string is not valid UTF-8")
	}
	return string(data), nil
}

// EncodeByte encodes v, which must be in 0..255.
func EncodeByte(v int) ([]byte, error) {
	if v < 0 || v > 255 {
		return nil, NewValueError(fmt.Sprintf("byte value %d out of range 0-255", v))
	}
	return []byte{byte(v)}, nil
}

// DecodeByte returns the first byte of data.
func DecodeByte(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, NewCodecError("byte field is empty")
	}
	return data[0], nil
}

// EncodeBool encodes true as 1 and false as 0.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func floatAt(data []byte, off int) (float32, error) {
	if off+FloatSize > len(data) {
		return 0, NewCodecError(fmt.Sprintf("float at offset %d past end of %d-byte payload", off, len(data)))
	}
	return DecodeFloat(data[off:])
}
