package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

const (
	version   byte = 1
	kindEntry byte = 1

	maxDeps = 0xFFFF
)

var (
	ErrCorrupt  = errors.New("statecache: corrupt entry")
	ErrTooMany  = errors.New("statecache: too many dependencies")
	ErrTooLarge = errors.New("statecache: payload exceeds 4 GiB frame limit")
	magic4      = [...]byte{'S', 'T', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Dep is a dependency key together with the generation observed when the
// value was computed.
type Dep struct {
	Key string
	Gen uint64
}

// Entry is the decoded form of a stored value.
// Deadline is unix nanos of the absolute expiry; 0 means none.
// Sliding is the sliding expiration in nanos; 0 means disabled.
type Entry struct {
	Deadline int64
	Sliding  int64
	Deps     []Dep
	Payload  []byte
}

// Encode frames an entry:
//
//	magic(4) | ver(1) | kind(1) | deadline(i64 be) | sliding(i64 be) | n(u16 be)
//	keyLen(u16 be) | key(keyLen) | gen(u64 be)  * n
//	vlen(u32 be) | payload(vlen)
func Encode(e Entry) ([]byte, error) {
	if len(e.Deps) > maxDeps {
		return nil, ErrTooMany
	}
	if err := checkPayloadLen(len(e.Payload)); err != nil {
		return nil, err
	}
	total := 4 + 1 + 1 + 8 + 8 + 2 + 4 + len(e.Payload)
	for _, d := range e.Deps {
		if l := len(d.Key); l == 0 || l > 0xFFFF {
			return nil, ErrCorrupt
		}
		total += 2 + len(d.Key) + 8
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.Deadline))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.Sliding))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Deps)))
	buf.Write(u2[:])

	for _, d := range e.Deps {
		binary.BigEndian.PutUint16(u2[:], uint16(len(d.Key)))
		buf.Write(u2[:])
		buf.WriteString(d.Key)

		binary.BigEndian.PutUint64(u8[:], d.Gen)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// checkPayloadLen rejects payloads whose length does not fit the u32 vlen.
func checkPayloadLen(n int) error {
	if uint64(n) > math.MaxUint32 {
		return ErrTooLarge
	}
	return nil
}

// Decode parses a frame produced by Encode. Payload aliases b.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}

	off := 6
	deadline := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	sliding := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	// don't trust n for preallocation beyond what the buffer can hold
	maxFit := (len(b) - off) / (2 + 1 + 8)
	deps := make([]Dep, 0, min(n, maxFit))
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if klen <= 0 || klen > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		key := string(b[off : off+klen])
		off += klen

		if off+8 > len(b) {
			return Entry{}, ErrCorrupt
		}
		gen := binary.BigEndian.Uint64(b[off : off+8])
		off += 8

		deps = append(deps, Dep{Key: key, Gen: gen})
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return Entry{}, ErrCorrupt
	}

	return Entry{Deadline: deadline, Sliding: sliding, Deps: deps, Payload: b[off : off+vlen]}, nil
}
