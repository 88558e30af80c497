package wal

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed size, in bytes, of every entry's header.
const (
	HeaderSize = 24
	WALVersion = 1

	// WALMagic guards a replay against a file that happens to exist at
	// the configured path but was never written as a replicated-log
	// segment (§6).
	WALMagic = 0xDEADBEEF
)

// EntryType mirrors replog.Kind value-for-value: the header alone
// identifies which replicated command a frame carries, so Replay can
// route on the header before touching the payload at all. There is no
// generic Insert/Update/Delete/Begin/Commit/Abort taxonomy at this
// layer — the only records a partition replica's log ever holds are
// the six replog command kinds.
const (
	EntryUpdate uint8 = iota + 1 // replog.KindUpdate
	EntryUpdateAll
	EntryFinishTx
	EntryTxCleanup
	EntrySafeTimeSync
	EntryBuildIndex
)

// WALHeader is the 24-byte framing prefix of every entry.
type WALHeader struct {
	Magic      uint32
	Version    uint8
	EntryType  uint8 // one of the Entry* constants above
	Reserved   uint16
	LSN        uint64 // log sequence number, assigned by replog.WalLog
	PayloadLen uint32 // length of the BSON+snappy payload that follows
	CRC32      uint32 // checksum over the payload, validated on replay
}

// WALEntry is one framed record: a header plus the BSON+snappy
// payload replog encodes.
type WALEntry struct {
	Header  WALHeader
	Payload []byte
}

// Encode serializes the header into buf, which must be at least
// HeaderSize bytes.
func (h *WALHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

// Decode deserializes buf, which must be at least HeaderSize bytes,
// into h.
func (h *WALHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// WriteTo writes the entry's header followed by its payload to w.
func (e *WALEntry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}

	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
