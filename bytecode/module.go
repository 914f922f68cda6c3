// Package bytecode defines the compiled module container executed by the
// runtime engine. A Module is produced by the front-end compiler, verified
// before it reaches the engine, and treated as immutable once loaded.
package bytecode

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Container constants
// ---------------------------------------------------------------------------

// Magic identifies a compiled module file.
var Magic = [4]byte{'R', 'A', 'Y', 'A'}

// Version is the current container format version.
const Version uint32 = 1

// Module flags.
const (
	FlagNone      uint32 = 0
	FlagDebugInfo uint32 = 1 << 0
)

var (
	// ErrInvalidMagic is returned when a module payload does not start with "RAYA".
	ErrInvalidMagic = errors.New("bytecode: invalid module magic")

	// ErrUnsupportedVersion is returned for module versions this engine cannot decode.
	ErrUnsupportedVersion = errors.New("bytecode: unsupported module version")

	// ErrChecksumMismatch is returned when the module payload fails integrity
	// verification.
	ErrChecksumMismatch = errors.New("bytecode: module checksum mismatch")

	// ErrTruncated is returned when a module payload ends mid-structure.
	ErrTruncated = errors.New("bytecode: truncated module")
)

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ConstKind tags a constant-pool entry.
type ConstKind byte

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
)

// Constant is one constant-pool entry.
type Constant struct {
	Kind ConstKind
	Int  int64
	Flt  float64
	Str  string
}

// IntConst builds an integer constant.
func IntConst(v int64) Constant { return Constant{Kind: ConstInt, Int: v} }

// FloatConst builds a float constant.
func FloatConst(v float64) Constant { return Constant{Kind: ConstFloat, Flt: v} }

// StringConst builds a string constant.
func StringConst(v string) Constant { return Constant{Kind: ConstString, Str: v} }

// ---------------------------------------------------------------------------
// Module structure
// ---------------------------------------------------------------------------

// Function is one compiled function body.
type Function struct {
	Name       string
	ParamCount int
	LocalCount int // total locals including parameters
	MaxStack   int // declared operand-stack ceiling
	Code       []byte
}

// ClassDef describes an object layout.
type ClassDef struct {
	Name       string
	FieldCount int
}

// Import names a function provided by another loaded module.
type Import struct {
	Module   string
	Function string
}

// Export names a function visible to other modules and embedders.
type Export struct {
	Name      string
	FuncIndex uint32
}

// Module is an immutable compiled program unit. All tasks that execute
// functions from a Module share the same instance; nothing in it is mutated
// after decoding.
type Module struct {
	Name        string
	Flags       uint32
	Constants   []Constant
	Functions   []Function
	Classes     []ClassDef
	Imports     []Import
	Exports     []Export
	GlobalCount int

	// Checksum is the SHA-256 of the encoded payload (everything after the
	// 32-byte checksum field). Snapshot records refer to modules by this
	// value, never by bytecode.
	Checksum [32]byte
}

// FunctionIndex returns the index of the named function, or -1.
func (m *Module) FunctionIndex(name string) int {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return i
		}
	}
	return -1
}

// ExportedFunction resolves an export name to a function index.
func (m *Module) ExportedFunction(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e.FuncIndex, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Layout: magic(4) version(4) checksum(32) payload. The checksum covers the
// payload bytes only, so it can be computed in one pass and verified before
// any payload structure is decoded.

// Encode serializes the module and stamps its checksum.
func (m *Module) Encode() []byte {
	var payload bytes.Buffer
	w := &writer{buf: &payload}

	w.str(m.Name)
	w.u32(m.Flags)
	w.u32(uint32(m.GlobalCount))

	w.u32(uint32(len(m.Constants)))
	for _, c := range m.Constants {
		w.buf.WriteByte(byte(c.Kind))
		switch c.Kind {
		case ConstInt:
			w.u64(uint64(c.Int))
		case ConstFloat:
			w.u64(math.Float64bits(c.Flt))
		case ConstString:
			w.str(c.Str)
		}
	}

	w.u32(uint32(len(m.Functions)))
	for i := range m.Functions {
		f := &m.Functions[i]
		w.str(f.Name)
		w.u32(uint32(f.ParamCount))
		w.u32(uint32(f.LocalCount))
		w.u32(uint32(f.MaxStack))
		w.u32(uint32(len(f.Code)))
		w.buf.Write(f.Code)
	}

	w.u32(uint32(len(m.Classes)))
	for _, c := range m.Classes {
		w.str(c.Name)
		w.u32(uint32(c.FieldCount))
	}

	w.u32(uint32(len(m.Imports)))
	for _, im := range m.Imports {
		w.str(im.Module)
		w.str(im.Function)
	}

	w.u32(uint32(len(m.Exports)))
	for _, e := range m.Exports {
		w.str(e.Name)
		w.u32(e.FuncIndex)
	}

	m.Checksum = sha256.Sum256(payload.Bytes())

	out := bytes.NewBuffer(make([]byte, 0, payload.Len()+40))
	out.Write(Magic[:])
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], Version)
	out.Write(verBuf[:])
	out.Write(m.Checksum[:])
	out.Write(payload.Bytes())
	return out.Bytes()
}

// Decode parses and integrity-checks a module payload.
func Decode(data []byte) (*Module, error) {
	if len(data) < 40 {
		return nil, ErrTruncated
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, data[:4])
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, fmt.Errorf("%w: %d (current %d)", ErrUnsupportedVersion, version, Version)
	}

	var checksum [32]byte
	copy(checksum[:], data[8:40])
	payload := data[40:]
	if sha256.Sum256(payload) != checksum {
		return nil, ErrChecksumMismatch
	}

	r := &reader{data: payload}
	m := &Module{Checksum: checksum}

	m.Name = r.str()
	m.Flags = r.u32()
	m.GlobalCount = int(r.u32())

	nConst := r.u32()
	m.Constants = make([]Constant, 0, nConst)
	for i := uint32(0); i < nConst && r.err == nil; i++ {
		kind := ConstKind(r.byte())
		var c Constant
		c.Kind = kind
		switch kind {
		case ConstInt:
			c.Int = int64(r.u64())
		case ConstFloat:
			c.Flt = math.Float64frombits(r.u64())
		case ConstString:
			c.Str = r.str()
		default:
			return nil, fmt.Errorf("bytecode: unknown constant kind %d", kind)
		}
		m.Constants = append(m.Constants, c)
	}

	nFunc := r.u32()
	m.Functions = make([]Function, 0, nFunc)
	for i := uint32(0); i < nFunc && r.err == nil; i++ {
		var f Function
		f.Name = r.str()
		f.ParamCount = int(r.u32())
		f.LocalCount = int(r.u32())
		f.MaxStack = int(r.u32())
		f.Code = r.bytes(int(r.u32()))
		m.Functions = append(m.Functions, f)
	}

	nClass := r.u32()
	m.Classes = make([]ClassDef, 0, nClass)
	for i := uint32(0); i < nClass && r.err == nil; i++ {
		m.Classes = append(m.Classes, ClassDef{Name: r.str(), FieldCount: int(r.u32())})
	}

	nImp := r.u32()
	m.Imports = make([]Import, 0, nImp)
	for i := uint32(0); i < nImp && r.err == nil; i++ {
		m.Imports = append(m.Imports, Import{Module: r.str(), Function: r.str()})
	}

	nExp := r.u32()
	m.Exports = make([]Export, 0, nExp)
	for i := uint32(0); i < nExp && r.err == nil; i++ {
		m.Exports = append(m.Exports, Export{Name: r.str(), FuncIndex: r.u32()})
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Little-endian helpers
// ---------------------------------------------------------------------------

type writer struct {
	buf *bytes.Buffer
}

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

func (r *reader) byte() byte {
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

func (r *reader) bytes(n int) []byte {
	if n < 0 || r.pos+n > len(r.data) {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b
}

func (r *reader) str() string {
	n := int(r.u32())
	if r.err != nil {
		return ""
	}
	return string(r.bytes(n))
}
