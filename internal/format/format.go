// Package format defines the on-media directory layout: a magic marker
// at the start of the userspace span followed by a chain of region
// headers terminated by a zeroed sentinel. All integers are encoded
// little-endian regardless of host byte order, so an image written on
// one machine reads identically on any other.
package format

import "encoding/binary"

const (
	// MagicValue marks a userspace span that has been formatted.
	MagicValue uint32 = 0x2FA7B3

	// MagicSize is the encoded width of the magic marker.
	MagicSize = 4

	// HeaderSize is the encoded width of a region header:
	// owner (u32) followed by region length (u64).
	HeaderSize = 12

	// SentinelOwner terminates the header chain. No application may
	// use it as an identity.
	SentinelOwner uint32 = 0
)

// Header describes one allocated region. The region body of Length
// bytes immediately follows the encoded header on the medium.
type Header struct {
	Owner  uint32
	Length uint64
}

// IsSentinel reports whether the header terminates the chain.
func (h Header) IsSentinel() bool {
	return h.Owner == SentinelOwner
}

// PutMagic encodes the magic marker into b, which must hold at least
// MagicSize bytes.
func PutMagic(b []byte) {
	binary.LittleEndian.PutUint32(b[:MagicSize], MagicValue)
}

// ReadMagic decodes a magic marker from b.
func ReadMagic(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[:MagicSize])
}

// PutHeader encodes h into b, which must hold at least HeaderSize bytes.
func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.Owner)
	binary.LittleEndian.PutUint64(b[4:12], h.Length)
}

// ReadHeader decodes a header from b.
func ReadHeader(b []byte) Header {
	return Header{
		Owner:  binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint64(b[4:12]),
	}
}

// FirstHeaderAddr returns the address of the first header in a span
// that starts at userStart: the slot right after the magic marker.
func FirstHeaderAddr(userStart uint64) uint64 {
	return userStart + MagicSize
}

// RegionOffset returns the address of the first region byte for the
// header encoded at hdrAddr.
func RegionOffset(hdrAddr uint64) uint64 {
	return hdrAddr + HeaderSize
}

// NextHeaderAddr returns the address of the header following one at
// hdrAddr whose region is length bytes long.
func NextHeaderAddr(hdrAddr, length uint64) uint64 {
	return hdrAddr + HeaderSize + length
}
