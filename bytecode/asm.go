package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Assembler: programmatic bytecode construction
// ---------------------------------------------------------------------------

// Assembler builds a function body instruction by instruction. It exists for
// the engine's own tests and for embedders that generate code without the
// front-end; jump targets are expressed as labels and patched on Build.
type Assembler struct {
	code    []byte
	labels  map[string]int
	patches []patch
}

type patch struct {
	label string
	pos   int  // offset of the i32 operand to patch
	abs   bool // absolute PC (try targets) vs relative offset (jumps)
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Emit appends a zero-operand instruction.
func (a *Assembler) Emit(op Opcode) *Assembler {
	a.code = append(a.code, byte(op))
	return a
}

// EmitU16 appends an instruction with one u16 operand.
func (a *Assembler) EmitU16(op Opcode, v uint16) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint16(a.code, v)
	return a
}

// EmitU32 appends an instruction with one u32 operand.
func (a *Assembler) EmitU32(op Opcode, v uint32) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
	return a
}

// EmitI32 appends OpConstI32.
func (a *Assembler) EmitI32(v int32) *Assembler {
	a.code = append(a.code, byte(OpConstI32))
	a.code = binary.LittleEndian.AppendUint32(a.code, uint32(v))
	return a
}

// EmitF64 appends OpConstF64.
func (a *Assembler) EmitF64(v float64) *Assembler {
	a.code = append(a.code, byte(OpConstF64))
	a.code = binary.LittleEndian.AppendUint64(a.code, math.Float64bits(v))
	return a
}

// EmitCall appends a call-class instruction (u32 index + u16 argc).
func (a *Assembler) EmitCall(op Opcode, index uint32, argc uint16) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, index)
	a.code = binary.LittleEndian.AppendUint16(a.code, argc)
	return a
}

// EmitTry appends OpTryPush with label targets; an empty label means no
// catch (or no finally) block.
func (a *Assembler) EmitTry(catchLabel, finallyLabel string) *Assembler {
	a.code = append(a.code, byte(OpTryPush))
	a.emitLabelU32(catchLabel)
	a.emitLabelU32(finallyLabel)
	return a
}

func (a *Assembler) emitLabelU32(label string) {
	if label == "" {
		a.code = binary.LittleEndian.AppendUint32(a.code, NoHandlerPC)
		return
	}
	a.patches = append(a.patches, patch{label: label, pos: len(a.code), abs: true})
	a.code = binary.LittleEndian.AppendUint32(a.code, 0)
}

// EmitJump appends a jump instruction targeting a label.
func (a *Assembler) EmitJump(op Opcode, label string) *Assembler {
	a.code = append(a.code, byte(op))
	a.patches = append(a.patches, patch{label: label, pos: len(a.code)})
	a.code = binary.LittleEndian.AppendUint32(a.code, 0)
	return a
}

// Label marks the current position with a name.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.code)
	return a
}

// Build resolves labels and returns the finished code. It panics on an
// undefined label, which is always a bug in the caller.
func (a *Assembler) Build() []byte {
	for _, p := range a.patches {
		target, ok := a.labels[p.label]
		if !ok {
			panic(fmt.Sprintf("bytecode: undefined label %q", p.label))
		}
		if p.abs {
			// Try targets are absolute function-relative PCs.
			binary.LittleEndian.PutUint32(a.code[p.pos:], uint32(target))
			continue
		}
		// Jump offsets are relative to the end of the operand.
		rel := int32(target - (p.pos + 4))
		binary.LittleEndian.PutUint32(a.code[p.pos:], uint32(rel))
	}
	out := make([]byte, len(a.code))
	copy(out, a.code)
	return out
}
