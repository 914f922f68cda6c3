package vm

import "math"

// Value represents a runtime value using NaN-boxing.
//
// All values fit in 64 bits. Non-float values are encoded in the quiet-NaN
// space with tag bits distinguishing the kinds:
//
//   - Float: native IEEE 754 double (anything that is not a tagged NaN)
//   - Int: quiet NaN + tagInt + 48-bit signed payload
//   - Ref: quiet NaN + tagRef + 32-bit heap handle
//   - Task: quiet NaN + tagTask + 32-bit task id
//   - Special: quiet NaN + tagSpecial + null/true/false
type Value uint64

const (
	// Quiet NaN prefix: exponent all ones, quiet bit set.
	nanBits uint64 = 0x7FF8000000000000

	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagTask    uint64 = 0x0004000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNull  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values.
const (
	Null  Value = Value(nanBits | tagSpecial | specialNull)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Inline integer range (48-bit signed).
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checks
// ---------------------------------------------------------------------------

// IsFloat reports whether v is a float64, including infinities and genuine
// NaNs. Only tagged quiet NaNs are non-floats.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if bits&nanBits != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsInt reports whether v is an inline integer.
func (v Value) IsInt() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagInt
}

// IsRef reports whether v is a heap reference.
func (v Value) IsRef() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagRef
}

// IsTask reports whether v is a task handle.
func (v Value) IsTask() bool {
	return uint64(v)&(nanBits|tagMask) == nanBits|tagTask
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v == Null }

// IsBool reports whether v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// IsTruthy reports whether v counts as true in conditionals: everything
// except false and null.
func (v Value) IsTruthy() bool { return v != False && v != Null }

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// FromFloat64 boxes a float64. NaN inputs are canonicalized so they cannot
// collide with tagged values.
func FromFloat64(f float64) Value {
	if math.IsNaN(f) {
		return Value(nanBits)
	}
	return Value(math.Float64bits(f))
}

// Float64 unboxes a float. Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("vm: Value.Float64 on non-float")
	}
	return math.Float64frombits(uint64(v))
}

// FromInt boxes an integer. Panics outside the inline 48-bit range; verified
// bytecode only carries i32 immediates, so interpreted code cannot reach the
// panic without arithmetic overflow, which wraps into range first.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("vm: FromInt out of inline range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// fromIntWrap boxes an integer, wrapping into the inline 48-bit range with
// two's complement truncation. Arithmetic overflow wraps rather than traps.
func fromIntWrap(n int64) Value {
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// Int unboxes an integer with sign extension. Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("vm: Value.Int on non-integer")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromBool boxes a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool unboxes a bool. Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("vm: Value.Bool on non-boolean")
}

// FromRef boxes a heap handle.
func FromRef(h Handle) Value { return Value(nanBits | tagRef | uint64(h)) }

// Ref unboxes a heap handle. Panics if v is not a reference.
func (v Value) Ref() Handle {
	if !v.IsRef() {
		panic("vm: Value.Ref on non-reference")
	}
	return Handle(uint64(v) & payloadMask)
}

// FromTask boxes a task id.
func FromTask(id TaskID) Value { return Value(nanBits | tagTask | uint64(id)) }

// Task unboxes a task id. Panics if v is not a task handle.
func (v Value) Task() TaskID {
	if !v.IsTask() {
		panic("vm: Value.Task on non-task")
	}
	return TaskID(uint64(v) & payloadMask)
}
