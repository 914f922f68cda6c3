package vm

import (
	"math"
	"testing"
)

func TestValueIntRoundTrip(t *testing.T) {
	tests := []int64{0, 1, -1, 42, -42, MaxInt, MinInt, 1 << 40, -(1 << 40)}
	for _, n := range tests {
		v := FromInt(n)
		if !v.IsInt() {
			t.Errorf("FromInt(%d) not IsInt", n)
		}
		if v.IsFloat() || v.IsRef() || v.IsTask() || v.IsBool() || v.IsNull() {
			t.Errorf("FromInt(%d) claims another kind", n)
		}
		if got := v.Int(); got != n {
			t.Errorf("FromInt(%d).Int() = %d", n, got)
		}
	}
}

func TestValueIntOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("FromInt(MaxInt+1) did not panic")
		}
	}()
	FromInt(MaxInt + 1)
}

func TestValueIntWrap(t *testing.T) {
	if got := fromIntWrap(MaxInt + 1).Int(); got != MinInt {
		t.Errorf("wrap of MaxInt+1 = %d, want MinInt", got)
	}
	if got := fromIntWrap(MinInt - 1).Int(); got != MaxInt {
		t.Errorf("wrap of MinInt-1 = %d, want MaxInt", got)
	}
}

func TestValueFloatRoundTrip(t *testing.T) {
	tests := []float64{0, 1.5, -2.25, math.Inf(1), math.Inf(-1), math.MaxFloat64, math.SmallestNonzeroFloat64}
	for _, f := range tests {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat64(%g) not IsFloat", f)
		}
		if got := v.Float64(); got != f {
			t.Errorf("FromFloat64(%g).Float64() = %g", f, got)
		}
	}
}

func TestValueNaNIsCanonicalized(t *testing.T) {
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Fatal("NaN should still be a float")
	}
	if !math.IsNaN(v.Float64()) {
		t.Fatal("canonical NaN should unbox to NaN")
	}
	if v.IsInt() || v.IsRef() || v.IsTask() || v.IsNull() || v.IsBool() {
		t.Fatal("canonical NaN collides with a tagged kind")
	}
}

func TestValueSpecials(t *testing.T) {
	if !Null.IsNull() || Null.IsBool() {
		t.Error("Null misclassified")
	}
	if !True.IsBool() || !True.Bool() {
		t.Error("True misclassified")
	}
	if !False.IsBool() || False.Bool() {
		t.Error("False misclassified")
	}
	for _, v := range []Value{Null, True, False} {
		if v.IsFloat() || v.IsInt() || v.IsRef() || v.IsTask() {
			t.Errorf("special %v claims another kind", v)
		}
	}
}

func TestValueTruthiness(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{False, false},
		{True, true},
		{FromInt(0), true},
		{FromFloat64(0), true},
		{FromRef(1), true},
		{FromTask(1), true},
	}
	for _, tt := range tests {
		if got := tt.v.IsTruthy(); got != tt.want {
			t.Errorf("IsTruthy(%v) = %t, want %t", tt.v, got, tt.want)
		}
	}
}

func TestValueRefAndTask(t *testing.T) {
	r := FromRef(Handle(7))
	if !r.IsRef() || r.Ref() != 7 {
		t.Errorf("ref round trip failed: %v", r)
	}
	if r.IsTask() || r.IsInt() || r.IsFloat() {
		t.Error("ref claims another kind")
	}

	k := FromTask(TaskID(9))
	if !k.IsTask() || k.Task() != 9 {
		t.Errorf("task round trip failed: %v", k)
	}
	if k.IsRef() {
		t.Error("task claims to be a ref")
	}
}
