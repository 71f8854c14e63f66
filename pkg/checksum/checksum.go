package checksum

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the length of the checksum trailer in bytes.
const Size = 4

var table = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the CRC-32C of buf.
func Sum(buf []byte) uint32 {
	return crc32.Checksum(buf, table)
}

// Append computes the checksum of buf and appends it as a little-endian trailer.
func Append(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, Sum(buf))
}

// Verify reports whether the last Size bytes of buf hold the checksum
// of everything before them.
func Verify(buf []byte) bool {
	if len(buf) < Size {
		return false
	}
	n := len(buf) - Size
	return binary.LittleEndian.Uint32(buf[n:]) == Sum(buf[:n])
}
