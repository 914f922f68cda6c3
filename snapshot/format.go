// Package snapshot implements the pause/resume codec: it captures a
// quiesced engine's task table and global state to a checksummed binary
// payload and reconstructs them into a fresh engine. Bytecode is never
// embedded; modules are referenced by name and content checksum and must be
// loaded by the caller before restore.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a snapshot payload.
var Magic = [4]byte{'R', 'S', 'N', 'A'}

// Version is the current snapshot format version.
const Version uint32 = 1

// Header flags.
const (
	// FlagPartial marks a snapshot that contains heap reference ids, which
	// cannot be faithfully restored. Written only under AllowPartial;
	// restore always rejects it.
	FlagPartial uint32 = 1 << 0
)

// Value tags. The wire encoding is fixed: every tag is one byte, followed by
// the payload width given here.
const (
	TagNull    byte = 0x00 // no payload
	TagBool    byte = 0x01 // +1 byte
	TagI32     byte = 0x02 // +4 bytes
	TagI64     byte = 0x03 // +8 bytes
	TagF64     byte = 0x04 // +8 bytes
	TagString  byte = 0x05 // +4-byte heap reference id
	TagObject  byte = 0x06 // +4-byte heap reference id
	TagArray   byte = 0x07 // +4-byte heap reference id
	TagClosure byte = 0x08 // +4-byte heap reference id
	TagTask    byte = 0x09 // +4-byte task id
)

// Blocked-reason tags in task records.
const (
	blockedNone  byte = 0x00
	blockedAwait byte = 0x01 // +4-byte target task id
)

var (
	// ErrInvalidMagic is returned when a payload does not start with "RSNA".
	ErrInvalidMagic = errors.New("snapshot: invalid magic")

	// ErrUnsupportedVersion is returned for snapshot versions this engine
	// cannot decode.
	ErrUnsupportedVersion = errors.New("snapshot: unsupported version")

	// ErrChecksumMismatch is returned when the payload fails integrity
	// verification.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")

	// ErrTruncated is returned when a payload ends mid-structure.
	ErrTruncated = errors.New("snapshot: truncated payload")

	// ErrHeapReference is returned by strict capture when a live heap
	// reference is found in a root; only inline-tagged values round-trip.
	ErrHeapReference = errors.New("snapshot: heap reference in captured state")

	// ErrPartial is returned by restore for payloads carrying FlagPartial.
	ErrPartial = errors.New("snapshot: partial snapshot cannot be restored")

	// ErrModuleMissing is returned by restore when a referenced module is
	// not loaded in the target engine.
	ErrModuleMissing = errors.New("snapshot: referenced module not loaded")

	// ErrPendingIO is returned by capture when a task is blocked on a
	// native operation, which has no serializable continuation.
	ErrPendingIO = errors.New("snapshot: task blocked on pending native I/O")

	// ErrEngineBusy is returned by restore when the target engine already
	// has tasks; restore requires a fresh engine.
	ErrEngineBusy = errors.New("snapshot: restore into an engine with existing tasks")
)

// ModuleRef identifies a module a snapshot depends on.
type ModuleRef struct {
	Name     string
	Checksum [32]byte
}

// Info summarizes a snapshot without decoding task state.
type Info struct {
	Version   uint32
	Flags     uint32
	Timestamp uint64 // unix milliseconds at capture
	Modules   []ModuleRef
	TaskCount int
}

// Partial reports whether the snapshot carries unrestorable heap references.
func (i *Info) Partial() bool { return i.Flags&FlagPartial != 0 }

// headerSize is magic(4) + version(4) + flags(4) + timestamp(8) + sha256(32).
const headerSize = 52

// seal prepends the header to payload and stamps the checksum, which covers
// the payload bytes only.
func seal(flags uint32, timestamp uint64, payload []byte) []byte {
	sum := sha256.Sum256(payload)
	out := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)))
	out.Write(Magic[:])
	var b8 [8]byte
	binary.LittleEndian.PutUint32(b8[:4], Version)
	out.Write(b8[:4])
	binary.LittleEndian.PutUint32(b8[:4], flags)
	out.Write(b8[:4])
	binary.LittleEndian.PutUint64(b8[:], timestamp)
	out.Write(b8[:])
	out.Write(sum[:])
	out.Write(payload)
	return out.Bytes()
}

// open validates the header and returns flags, timestamp, and the verified
// payload.
func open(data []byte) (flags uint32, timestamp uint64, payload []byte, err error) {
	if len(data) < headerSize {
		return 0, 0, nil, ErrTruncated
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return 0, 0, nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, data[:4])
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return 0, 0, nil, fmt.Errorf("%w: %d (current %d)", ErrUnsupportedVersion, version, Version)
	}
	flags = binary.LittleEndian.Uint32(data[8:12])
	timestamp = binary.LittleEndian.Uint64(data[12:20])

	var sum [32]byte
	copy(sum[:], data[20:52])
	payload = data[52:]
	if sha256.Sum256(payload) != sum {
		return 0, 0, nil, ErrChecksumMismatch
	}
	return flags, timestamp, payload, nil
}

// ---------------------------------------------------------------------------
// Little-endian payload helpers
// ---------------------------------------------------------------------------

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v byte) { w.buf.WriteByte(v) }

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("%w at offset %d", ErrTruncated, r.pos)
	}
}

func (r *reader) u8() byte {
	if r.pos+1 > len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *reader) u32() uint32 {
	if r.pos+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.pos+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) str() string {
	n := int(r.u32())
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		r.fail()
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *reader) checksum() [32]byte {
	var sum [32]byte
	if r.pos+32 > len(r.data) {
		r.fail()
		return sum
	}
	copy(sum[:], r.data[r.pos:])
	r.pos += 32
	return sum
}
