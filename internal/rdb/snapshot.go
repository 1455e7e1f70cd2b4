package rdb

import (
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"io"
	"time"
)

// Generate serializes data/expiry into the snapshot format in memory. It is
// used to build the PSYNC full-resync envelope; this server never
// writes a snapshot to disk, since persistence writes are out of scope —
// only the wire-transfer use of the format is in scope.
func Generate(data map[string]string, expiry map[string]time.Time) []byte {
	var buf bytes.Buffer
	hasher := crc64.New(crcTable)
	w := io.MultiWriter(&buf, hasher)

	w.Write([]byte(magic))
	w.Write([]byte(version))

	writeAux(w, "redis-ver", "7.0.0")

	w.Write([]byte{opSelectDB, 0})

	w.Write([]byte{opResizeDB})
	writeLength(w, uint32(len(data)))
	writeLength(w, uint32(len(expiry)))

	for key, value := range data {
		if deadline, ok := expiry[key]; ok {
			w.Write([]byte{opExpireTimeMS})
			binary.Write(w, binary.LittleEndian, uint64(deadline.UnixMilli()))
		}
		w.Write([]byte{typeString})
		writeString(w, key)
		writeString(w, value)
	}

	w.Write([]byte{opEOF})

	checksum := hasher.Sum64()
	binary.Write(&buf, binary.LittleEndian, checksum)

	return buf.Bytes()
}

func writeAux(w io.Writer, key, value string) {
	w.Write([]byte{opAux})
	writeString(w, key)
	writeString(w, value)
}

func writeString(w io.Writer, s string) {
	writeLength(w, uint32(len(s)))
	w.Write([]byte(s))
}

func writeLength(w io.Writer, length uint32) {
	switch {
	case length < 64:
		w.Write([]byte{byte(length)})
	case length < 16384:
		w.Write([]byte{byte(0x40 | (length >> 8)), byte(length & 0xFF)})
	default:
		w.Write([]byte{0x80})
		binary.Write(w, binary.BigEndian, length)
	}
}
