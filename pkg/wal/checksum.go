package wal

import "hash/crc32"

// castagnoliTable backs the checksum replog frames carry, so a
// joining replica's catch-up replay can detect a truncated or
// bit-flipped record before handing it to storageupdate.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CalculateCRC32 computes the checksum of a frame's payload.
func CalculateCRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ValidateCRC32 reports whether data matches its recorded checksum.
func ValidateCRC32(data []byte, expected uint32) bool {
	return CalculateCRC32(data) == expected
}
