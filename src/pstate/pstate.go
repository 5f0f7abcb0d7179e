// Package pstate implements the persisted-state wire format shared by
// the address-space manager, page pool allocator, and NVMe driver's
// save/restore paths (spec §6, §9). The first 4 KiB of the persisted
// region is a fixed header (magic, version, payload length, CRC of
// payload); the remainder is a protobuf-shaped payload.
//
// Rather than requiring protoc codegen, the payload is hand-encoded
// with google.golang.org/protobuf/encoding/protowire -- the pack's
// protobuf stack (gvisor depends on google.golang.org/protobuf) used
// in its low-level, no-codegen form, exactly suited to spec §9's
// instruction to "define an explicit protobuf schema... treat the
// boundary as a serialization cut-point."
package pstate

import (
	"encoding/binary"
	"hash/crc32"

	"perrs"
)

const (
	HeaderSize = 4096
	Magic      = uint32(0x4f484c32) // "OHL2"
	Version    = uint32(1)
)

// Header is the fixed first page of the persisted-state region (spec
// §6).
type Header struct {
	Magic         uint32
	Version       uint32
	PayloadLength uint32
	PayloadCRC32  uint32
}

// Encode serializes the header into a HeaderSize-byte page, zero
// padded.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadCRC32)
	return buf
}

// DecodeHeader parses and validates a header page.
func DecodeHeader(page []byte) (Header, error) {
	if len(page) < 16 {
		return Header{}, perrs.New(perrs.KindSaveRestore, "pstate.DecodeHeader", "header page too short")
	}
	h := Header{
		Magic:         binary.LittleEndian.Uint32(page[0:4]),
		Version:       binary.LittleEndian.Uint32(page[4:8]),
		PayloadLength: binary.LittleEndian.Uint32(page[8:12]),
		PayloadCRC32:  binary.LittleEndian.Uint32(page[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, perrs.New(perrs.KindSaveRestore, "pstate.DecodeHeader", "bad magic")
	}
	if h.Version != Version {
		return Header{}, perrs.New(perrs.KindSaveRestore, "pstate.DecodeHeader", "unsupported version")
	}
	return h, nil
}

// Wrap builds a HeaderSize page plus payload CRC for the given
// payload bytes. The caller is responsible for placing header and
// payload at the address-space manager's reserved header/payload
// slots respectively.
func Wrap(payload []byte) (header []byte, crc uint32) {
	sum := crc32.ChecksumIEEE(payload)
	h := Header{Magic: Magic, Version: Version, PayloadLength: uint32(len(payload)), PayloadCRC32: sum}
	return h.Encode(), sum
}

// VerifyPayload checks a decoded header's CRC against the actual
// payload bytes.
func VerifyPayload(h Header, payload []byte) error {
	if uint32(len(payload)) != h.PayloadLength {
		return perrs.New(perrs.KindSaveRestore, "pstate.VerifyPayload", "payload length mismatch")
	}
	if crc32.ChecksumIEEE(payload) != h.PayloadCRC32 {
		return perrs.New(perrs.KindSaveRestore, "pstate.VerifyPayload", "payload CRC mismatch")
	}
	return nil
}
