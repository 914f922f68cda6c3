package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders a function body as one instruction per line, in the
// form "offset: mnemonic [operand]". Undefined bytes stop the listing with
// a marker rather than an error so partial output is still usable when
// inspecting corrupt code.
func Disassemble(code []byte) string {
	var sb strings.Builder
	pc := 0
	for pc < len(code) {
		op := Opcode(code[pc])
		if !op.Valid() {
			fmt.Fprintf(&sb, "%04d: .byte 0x%02X (invalid)\n", pc, code[pc])
			break
		}
		width := op.OperandWidth()
		if pc+1+width > len(code) {
			fmt.Fprintf(&sb, "%04d: %s (truncated)\n", pc, op)
			break
		}
		operand := code[pc+1 : pc+1+width]
		fmt.Fprintf(&sb, "%04d: %s%s\n", pc, op, formatOperand(op, operand, pc+1+width))
		pc += 1 + width
	}
	return sb.String()
}

// DisassembleModule renders every function in the module.
func DisassembleModule(m *Module) string {
	var sb strings.Builder
	for i := range m.Functions {
		f := &m.Functions[i]
		fmt.Fprintf(&sb, "func %d %s (params=%d locals=%d maxstack=%d)\n",
			i, f.Name, f.ParamCount, f.LocalCount, f.MaxStack)
		sb.WriteString(Disassemble(f.Code))
	}
	return sb.String()
}

func formatOperand(op Opcode, operand []byte, next int) string {
	switch op.OperandWidth() {
	case 0:
		return ""
	case 2:
		return fmt.Sprintf(" %d", binary.LittleEndian.Uint16(operand))
	case 4:
		v := binary.LittleEndian.Uint32(operand)
		switch op {
		case OpJmp, OpJmpIfFalse, OpJmpIfTrue, OpJmpIfNull, OpJmpIfNotNull:
			return fmt.Sprintf(" %+d -> %04d", int32(v), next+int(int32(v)))
		case OpConstI32:
			return fmt.Sprintf(" %d", int32(v))
		}
		return fmt.Sprintf(" %d", v)
	case 6:
		idx := binary.LittleEndian.Uint32(operand)
		argc := binary.LittleEndian.Uint16(operand[4:])
		return fmt.Sprintf(" %d argc=%d", idx, argc)
	case 8:
		if op == OpConstF64 {
			return fmt.Sprintf(" %g", math.Float64frombits(binary.LittleEndian.Uint64(operand)))
		}
		catch := binary.LittleEndian.Uint32(operand)
		finally := binary.LittleEndian.Uint32(operand[4:])
		return fmt.Sprintf(" catch=%s finally=%s", pcOrNone(catch), pcOrNone(finally))
	}
	return ""
}

func pcOrNone(pc uint32) string {
	if pc == NoHandlerPC {
		return "none"
	}
	return fmt.Sprintf("%04d", pc)
}
