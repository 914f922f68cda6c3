package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode is a single bytecode instruction tag.
type Opcode byte

const (
	// Stack manipulation and constants (0x00-0x0F)
	OpNop        Opcode = 0x00 // no operation
	OpPop        Opcode = 0x01 // pop top value
	OpDup        Opcode = 0x02 // duplicate top value
	OpSwap       Opcode = 0x03 // swap top two values
	OpConstNull  Opcode = 0x04 // push null
	OpConstTrue  Opcode = 0x05 // push true
	OpConstFalse Opcode = 0x06 // push false
	OpConstI32   Opcode = 0x07 // push i32 (operand: i32)
	OpConstF64   Opcode = 0x08 // push f64 (operand: f64 bits)
	OpLoadConst  Opcode = 0x0A // push constant-pool entry (operand: u32 index)

	// Local variables (0x10-0x1F)
	OpLoadLocal  Opcode = 0x10 // push local (operand: u16 index)
	OpStoreLocal Opcode = 0x11 // pop into local (operand: u16 index)

	// Integer arithmetic (0x20-0x2F)
	OpIadd Opcode = 0x20
	OpIsub Opcode = 0x21
	OpImul Opcode = 0x22
	OpIdiv Opcode = 0x23
	OpImod Opcode = 0x24
	OpIneg Opcode = 0x25

	// Float arithmetic (0x30-0x3F)
	OpFadd Opcode = 0x30
	OpFsub Opcode = 0x31
	OpFmul Opcode = 0x32
	OpFdiv Opcode = 0x33
	OpFneg Opcode = 0x34

	// Integer comparison (0x50-0x5F)
	OpIeq Opcode = 0x50
	OpIne Opcode = 0x51
	OpIlt Opcode = 0x52
	OpIle Opcode = 0x53
	OpIgt Opcode = 0x54
	OpIge Opcode = 0x55

	// Float comparison (0x60-0x6F)
	OpFeq Opcode = 0x60
	OpFne Opcode = 0x61
	OpFlt Opcode = 0x62
	OpFle Opcode = 0x63
	OpFgt Opcode = 0x64
	OpFge Opcode = 0x65

	// Generic comparison and logic (0x70-0x7F)
	OpEq  Opcode = 0x70 // bit-identical value equality
	OpNe  Opcode = 0x71
	OpNot Opcode = 0x74

	// Control flow (0x90-0x9F); jump offsets are relative to the byte
	// following the operand
	OpJmp          Opcode = 0x90 // unconditional jump (operand: i32 offset)
	OpJmpIfFalse   Opcode = 0x91 // pop; jump when false (operand: i32 offset)
	OpJmpIfTrue    Opcode = 0x92 // pop; jump when true (operand: i32 offset)
	OpJmpIfNull    Opcode = 0x93 // pop; jump when null (operand: i32 offset)
	OpJmpIfNotNull Opcode = 0x94 // pop; jump when not null (operand: i32 offset)

	// Calls (0xA0-0xAF)
	OpCall        Opcode = 0xA0 // call function (operands: u32 funcIndex, u16 argCount)
	OpReturn      Opcode = 0xA2 // return top of stack
	OpReturnVoid  Opcode = 0xA3 // return null
	OpCallNative  Opcode = 0xA7 // call native function (operands: u32 nativeID, u16 argCount)
	OpCallClosure Opcode = 0xA9 // pop closure + args, invoke (operand: u16 argCount)

	// Object operations (0xB0-0xBF)
	OpNew        Opcode = 0xB0 // allocate object (operand: u32 classIndex)
	OpLoadField  Opcode = 0xB1 // pop object, push field (operand: u16 offset)
	OpStoreField Opcode = 0xB2 // pop value, pop object (operand: u16 offset)

	// Array and string operations (0xC0-0xCF)
	OpNewArray  Opcode = 0xC0 // pop length, allocate array (operand: u32 typeIndex)
	OpLoadElem  Opcode = 0xC1 // pop index, pop array, push element
	OpStoreElem Opcode = 0xC2 // pop value, pop index, pop array
	OpArrayLen  Opcode = 0xC3 // pop array, push length
	OpSconcat   Opcode = 0xCA // pop b, pop a, push a ++ b
	OpSlen      Opcode = 0xCB // pop string, push length

	// Tasks (0xD0-0xDF)
	OpSpawn Opcode = 0xD0 // spawn task (operands: u32 funcIndex, u16 argCount)
	OpAwait Opcode = 0xD1 // pop task handle, suspend until done, push result
	OpYield Opcode = 0xD2 // voluntary yield to the scheduler

	// Exceptions and globals (0xE0-0xEF)
	OpThrow       Opcode = 0xE3 // pop error value, begin unwinding
	OpLoadGlobal  Opcode = 0xE5 // push global (operand: u32 index)
	OpStoreGlobal Opcode = 0xE6 // pop into global (operand: u32 index)
	OpTryPush     Opcode = 0xEA // install handler (operands: u32 catchPC, u32 finallyPC; NoHandlerPC = none)
	OpTryPop      Opcode = 0xEB // remove innermost handler
	OpEndFinally  Opcode = 0xEC // end of finally block; resume pending unwind if any

	// Closures and capture cells (0xF0-0xFF)
	OpMakeClosure   Opcode = 0xF0 // pop captures, allocate closure (operands: u32 funcIndex, u16 captureCount)
	OpLoadCaptured  Opcode = 0xF2 // push capture slot (operand: u16 index)
	OpStoreCaptured Opcode = 0xF3 // pop into capture slot (operand: u16 index)
	OpNewCell       Opcode = 0xF5 // pop value, allocate indirection cell, push ref
	OpLoadCell      Opcode = 0xF6 // pop cell ref, push contents
	OpStoreCell     Opcode = 0xF7 // pop value, pop cell ref, store
)

// NoHandlerPC marks an absent catch or finally target in OpTryPush operands.
const NoHandlerPC uint32 = 0xFFFFFFFF

// opInfo describes an opcode's mnemonic and operand width in bytes.
type opInfo struct {
	name  string
	width int
}

var opTable = map[Opcode]opInfo{
	OpNop: {"nop", 0}, OpPop: {"pop", 0}, OpDup: {"dup", 0}, OpSwap: {"swap", 0},
	OpConstNull: {"const.null", 0}, OpConstTrue: {"const.true", 0}, OpConstFalse: {"const.false", 0},
	OpConstI32: {"const.i32", 4}, OpConstF64: {"const.f64", 8}, OpLoadConst: {"load.const", 4},
	OpLoadLocal: {"load.local", 2}, OpStoreLocal: {"store.local", 2},
	OpIadd: {"iadd", 0}, OpIsub: {"isub", 0}, OpImul: {"imul", 0},
	OpIdiv: {"idiv", 0}, OpImod: {"imod", 0}, OpIneg: {"ineg", 0},
	OpFadd: {"fadd", 0}, OpFsub: {"fsub", 0}, OpFmul: {"fmul", 0},
	OpFdiv: {"fdiv", 0}, OpFneg: {"fneg", 0},
	OpIeq: {"ieq", 0}, OpIne: {"ine", 0}, OpIlt: {"ilt", 0},
	OpIle: {"ile", 0}, OpIgt: {"igt", 0}, OpIge: {"ige", 0},
	OpFeq: {"feq", 0}, OpFne: {"fne", 0}, OpFlt: {"flt", 0},
	OpFle: {"fle", 0}, OpFgt: {"fgt", 0}, OpFge: {"fge", 0},
	OpEq: {"eq", 0}, OpNe: {"ne", 0}, OpNot: {"not", 0},
	OpJmp: {"jmp", 4}, OpJmpIfFalse: {"jmp.false", 4}, OpJmpIfTrue: {"jmp.true", 4},
	OpJmpIfNull: {"jmp.null", 4}, OpJmpIfNotNull: {"jmp.notnull", 4},
	OpCall: {"call", 6}, OpReturn: {"ret", 0}, OpReturnVoid: {"ret.void", 0},
	OpCallNative: {"call.native", 6}, OpCallClosure: {"call.closure", 2},
	OpNew: {"new", 4}, OpLoadField: {"load.field", 2}, OpStoreField: {"store.field", 2},
	OpNewArray: {"new.array", 4}, OpLoadElem: {"load.elem", 0}, OpStoreElem: {"store.elem", 0},
	OpArrayLen: {"array.len", 0}, OpSconcat: {"sconcat", 0}, OpSlen: {"slen", 0},
	OpSpawn: {"spawn", 6}, OpAwait: {"await", 0}, OpYield: {"yield", 0},
	OpThrow: {"throw", 0}, OpLoadGlobal: {"load.global", 4}, OpStoreGlobal: {"store.global", 4},
	OpTryPush: {"try.push", 8}, OpTryPop: {"try.pop", 0}, OpEndFinally: {"end.finally", 0},
	OpMakeClosure: {"make.closure", 6}, OpLoadCaptured: {"load.captured", 2},
	OpStoreCaptured: {"store.captured", 2},
	OpNewCell:       {"new.cell", 0}, OpLoadCell: {"load.cell", 0}, OpStoreCell: {"store.cell", 0},
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opTable[op]
	return ok
}

// OperandWidth returns the number of operand bytes following op.
func (op Opcode) OperandWidth() int {
	return opTable[op].width
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02X)", byte(op))
}
