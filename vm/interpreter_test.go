package vm

import (
	"errors"
	"testing"

	"github.com/rayalang/raya/bytecode"
)

// testModule assembles a module whose functions are all exported under their
// own names. Encode stamps the checksum LoadModule indexes by.
func testModule(name string, globals int, classes []bytecode.ClassDef, fns ...bytecode.Function) *bytecode.Module {
	m := &bytecode.Module{
		Name:        name,
		GlobalCount: globals,
		Classes:     classes,
		Functions:   fns,
	}
	for i := range fns {
		m.Exports = append(m.Exports, bytecode.Export{Name: fns[i].Name, FuncIndex: uint32(i)})
	}
	m.Encode()
	return m
}

func newTestVM(t *testing.T, cfg Config, mods ...*bytecode.Module) *VM {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	engine := New(cfg)
	t.Cleanup(engine.Shutdown)
	for _, m := range mods {
		if err := engine.LoadModule(m); err != nil {
			t.Fatalf("LoadModule(%s): %v", m.Name, err)
		}
	}
	return engine
}

func mustRunInt(t *testing.T, engine *VM, module, fn string, want int64, args ...Value) {
	t.Helper()
	got, err := engine.Run(module, fn, args...)
	if err != nil {
		t.Fatalf("Run(%s.%s): %v", module, fn, err)
	}
	if !got.IsInt() || got.Int() != want {
		t.Fatalf("Run(%s.%s) = %v, want %d", module, fn, got, want)
	}
}

func TestInterpreterArithmetic(t *testing.T) {
	m := testModule("arith", 0, nil,
		bytecode.Function{
			Name: "add", LocalCount: 0, MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitI32(2).EmitI32(3).Emit(bytecode.OpIadd).Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "mixed", LocalCount: 0, MaxStack: 3,
			// (10 - 4) * -3 % 5
			Code: bytecode.NewAssembler().
				EmitI32(10).EmitI32(4).Emit(bytecode.OpIsub).
				EmitI32(3).Emit(bytecode.OpIneg).Emit(bytecode.OpImul).
				EmitI32(5).Emit(bytecode.OpImod).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "arith", "add", 5)
	mustRunInt(t, engine, "arith", "mixed", -3)
}

func TestInterpreterFloats(t *testing.T) {
	m := testModule("floats", 0, nil,
		bytecode.Function{
			Name: "calc", MaxStack: 2,
			// 1.5 * 4.0 / 2.0 - 0.5
			Code: bytecode.NewAssembler().
				EmitF64(1.5).EmitF64(4.0).Emit(bytecode.OpFmul).
				EmitF64(2.0).Emit(bytecode.OpFdiv).
				EmitF64(0.5).Emit(bytecode.OpFsub).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	got, err := engine.Run("floats", "calc")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !got.IsFloat() || got.Float64() != 2.5 {
		t.Fatalf("calc = %v, want 2.5", got)
	}
}

func TestInterpreterLoop(t *testing.T) {
	// sum = 0; i = 1; while i <= 10 { sum += i; i++ }; return sum
	m := testModule("loop", 0, nil,
		bytecode.Function{
			Name: "sum", LocalCount: 2, MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitI32(1).EmitU16(bytecode.OpStoreLocal, 0).
				EmitI32(0).EmitU16(bytecode.OpStoreLocal, 1).
				Label("loop").
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(10).Emit(bytecode.OpIgt).
				EmitJump(bytecode.OpJmpIfTrue, "end").
				EmitU16(bytecode.OpLoadLocal, 1).EmitU16(bytecode.OpLoadLocal, 0).
				Emit(bytecode.OpIadd).EmitU16(bytecode.OpStoreLocal, 1).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(1).
				Emit(bytecode.OpIadd).EmitU16(bytecode.OpStoreLocal, 0).
				EmitJump(bytecode.OpJmp, "loop").
				Label("end").
				EmitU16(bytecode.OpLoadLocal, 1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "loop", "sum", 55)
}

func TestInterpreterFunctionCalls(t *testing.T) {
	m := testModule("calls", 0, nil,
		bytecode.Function{
			Name: "main", MaxStack: 3,
			Code: bytecode.NewAssembler().
				EmitI32(20).EmitI32(22).
				EmitCall(bytecode.OpCall, 1, 2).
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "add", ParamCount: 2, LocalCount: 2, MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitU16(bytecode.OpLoadLocal, 0).
				EmitU16(bytecode.OpLoadLocal, 1).
				Emit(bytecode.OpIadd).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "calls", "main", 42)
}

func TestInterpreterTaskArguments(t *testing.T) {
	m := testModule("args", 0, nil,
		bytecode.Function{
			Name: "twice", ParamCount: 1, LocalCount: 1, MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitU16(bytecode.OpLoadLocal, 0).
				EmitU16(bytecode.OpLoadLocal, 0).
				Emit(bytecode.OpIadd).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "args", "twice", 14, FromInt(7))
}

func TestInterpreterGlobals(t *testing.T) {
	m := testModule("globals", 2, nil,
		bytecode.Function{
			Name: "set", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitI32(99).EmitU32(bytecode.OpStoreGlobal, 1).
				Emit(bytecode.OpReturnVoid).Build(),
		},
		bytecode.Function{
			Name: "get", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpLoadGlobal, 1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	if _, err := engine.Run("globals", "set"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mustRunInt(t, engine, "globals", "get", 99)
}

func TestInterpreterStrings(t *testing.T) {
	m := testModule("strings", 0, nil,
		bytecode.Function{
			Name: "concat", MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpLoadConst, 0).
				EmitU32(bytecode.OpLoadConst, 1).
				Emit(bytecode.OpSconcat).
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "length", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpLoadConst, 0).
				Emit(bytecode.OpSlen).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	m.Constants = []bytecode.Constant{
		bytecode.StringConst("hello "),
		bytecode.StringConst("world"),
	}
	m.Encode()

	engine := newTestVM(t, Config{}, m)
	got, err := engine.Run("strings", "concat")
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if !got.IsRef() || engine.Heap().StringValue(got.Ref()) != "hello world" {
		t.Fatalf("concat = %v", got)
	}
	mustRunInt(t, engine, "strings", "length", 6)
}

func TestInterpreterArrays(t *testing.T) {
	m := testModule("arrays", 0, nil,
		bytecode.Function{
			Name: "sum3", LocalCount: 1, MaxStack: 4,
			// a = [10, 20, 30]; return a[0] + a[1] + a[2] + len(a)
			Code: bytecode.NewAssembler().
				EmitI32(3).EmitU32(bytecode.OpNewArray, 0).
				EmitU16(bytecode.OpStoreLocal, 0).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(0).EmitI32(10).Emit(bytecode.OpStoreElem).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(1).EmitI32(20).Emit(bytecode.OpStoreElem).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(2).EmitI32(30).Emit(bytecode.OpStoreElem).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(0).Emit(bytecode.OpLoadElem).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(1).Emit(bytecode.OpLoadElem).
				Emit(bytecode.OpIadd).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(2).Emit(bytecode.OpLoadElem).
				Emit(bytecode.OpIadd).
				EmitU16(bytecode.OpLoadLocal, 0).Emit(bytecode.OpArrayLen).
				Emit(bytecode.OpIadd).
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "oob", LocalCount: 1, MaxStack: 3,
			// try { [1-element][5] } catch { return 1 }
			Code: bytecode.NewAssembler().
				EmitTry("catch", "").
				EmitI32(1).EmitU32(bytecode.OpNewArray, 0).
				EmitI32(5).Emit(bytecode.OpLoadElem).
				Emit(bytecode.OpTryPop).
				Emit(bytecode.OpReturn).
				Label("catch").
				Emit(bytecode.OpPop).
				EmitI32(1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "arrays", "sum3", 63)
	mustRunInt(t, engine, "arrays", "oob", 1)
}

func TestInterpreterObjects(t *testing.T) {
	classes := []bytecode.ClassDef{{Name: "Point", FieldCount: 2}}
	m := testModule("objects", 0, classes,
		bytecode.Function{
			Name: "use", LocalCount: 1, MaxStack: 3,
			// p = new Point; p.x = 3; p.y = 4; return p.x + p.y
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpNew, 0).
				EmitU16(bytecode.OpStoreLocal, 0).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(3).EmitU16(bytecode.OpStoreField, 0).
				EmitU16(bytecode.OpLoadLocal, 0).EmitI32(4).EmitU16(bytecode.OpStoreField, 1).
				EmitU16(bytecode.OpLoadLocal, 0).EmitU16(bytecode.OpLoadField, 0).
				EmitU16(bytecode.OpLoadLocal, 0).EmitU16(bytecode.OpLoadField, 1).
				Emit(bytecode.OpIadd).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "objects", "use", 7)
}

func TestInterpreterClosures(t *testing.T) {
	m := testModule("closures", 0, nil,
		bytecode.Function{
			Name: "main", LocalCount: 2, MaxStack: 2,
			// cell = newcell(5); inc = closure(bump, [cell]); inc(); return *cell
			Code: bytecode.NewAssembler().
				EmitI32(5).Emit(bytecode.OpNewCell).
				EmitU16(bytecode.OpStoreLocal, 0).
				EmitU16(bytecode.OpLoadLocal, 0).
				EmitCall(bytecode.OpMakeClosure, 1, 1).
				EmitU16(bytecode.OpStoreLocal, 1).
				EmitU16(bytecode.OpLoadLocal, 1).
				EmitU16(bytecode.OpCallClosure, 0).
				Emit(bytecode.OpPop).
				EmitU16(bytecode.OpLoadLocal, 0).Emit(bytecode.OpLoadCell).
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "bump", MaxStack: 3,
			// *captured[0] += 1
			Code: bytecode.NewAssembler().
				EmitU16(bytecode.OpLoadCaptured, 0).
				EmitU16(bytecode.OpLoadCaptured, 0).Emit(bytecode.OpLoadCell).
				EmitI32(1).Emit(bytecode.OpIadd).
				Emit(bytecode.OpStoreCell).
				Emit(bytecode.OpReturnVoid).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "closures", "main", 6)
}

func TestInterpreterTryCatch(t *testing.T) {
	m := testModule("trycatch", 0, nil,
		bytecode.Function{
			Name: "caught", MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitTry("catch", "").
				EmitI32(13).Emit(bytecode.OpThrow).
				Label("catch").
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "nested", MaxStack: 2,
			// outer try { inner() } catch -> payload + 1
			Code: bytecode.NewAssembler().
				EmitTry("catch", "").
				EmitCall(bytecode.OpCall, 2, 0).
				Emit(bytecode.OpTryPop).
				Emit(bytecode.OpReturn).
				Label("catch").
				EmitI32(1).Emit(bytecode.OpIadd).
				Emit(bytecode.OpReturn).Build(),
		},
		bytecode.Function{
			Name: "inner", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitI32(40).Emit(bytecode.OpThrow).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "trycatch", "caught", 13)
	mustRunInt(t, engine, "trycatch", "nested", 41)
}

func TestInterpreterFinally(t *testing.T) {
	m := testModule("finally", 1, nil,
		bytecode.Function{
			Name: "throws", MaxStack: 1,
			// try(finally) { throw 7 }; finally sets global 0 then resumes
			// the unwind, so the task fails with 7 uncaught.
			Code: bytecode.NewAssembler().
				EmitTry("", "fin").
				EmitI32(7).Emit(bytecode.OpThrow).
				Label("fin").
				EmitI32(1).EmitU32(bytecode.OpStoreGlobal, 0).
				Emit(bytecode.OpEndFinally).
				Emit(bytecode.OpReturnVoid).Build(),
		},
		bytecode.Function{
			Name: "flag", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpLoadGlobal, 0).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)

	_, err := engine.Run("finally", "throws")
	var ue *UserException
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UserException", err)
	}
	if ue.Rendered != "7" {
		t.Errorf("exception payload rendered as %q, want \"7\"", ue.Rendered)
	}
	mustRunInt(t, engine, "finally", "flag", 1)
}

func TestInterpreterDivisionByZeroIsCatchable(t *testing.T) {
	m := testModule("divzero", 0, nil,
		bytecode.Function{
			Name: "caught", MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitTry("catch", "").
				EmitI32(1).EmitI32(0).Emit(bytecode.OpIdiv).
				Emit(bytecode.OpTryPop).
				Emit(bytecode.OpReturn).
				Label("catch").
				Emit(bytecode.OpPop).
				EmitI32(-1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)
	mustRunInt(t, engine, "divzero", "caught", -1)
}

func TestInterpreterUncaughtThrowFailsTaskOnly(t *testing.T) {
	m := testModule("uncaught", 0, nil,
		bytecode.Function{
			Name: "boom", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitI32(3).Emit(bytecode.OpThrow).Build(),
		},
		bytecode.Function{
			Name: "ok", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitI32(1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)

	_, err := engine.Run("uncaught", "boom")
	var ue *UserException
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UserException", err)
	}

	// The engine survives the failed task.
	mustRunInt(t, engine, "uncaught", "ok", 1)
}

func TestInterpreterIllegalOpcodeFaults(t *testing.T) {
	m := testModule("illegal", 0, nil,
		bytecode.Function{Name: "bad", MaxStack: 1, Code: []byte{0x0F}},
		bytecode.Function{
			Name: "ok", MaxStack: 1,
			Code: bytecode.NewAssembler().EmitI32(1).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)

	_, err := engine.Run("illegal", "bad")
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *Fault", err)
	}
	mustRunInt(t, engine, "illegal", "ok", 1)
}

func TestInterpreterStackOverflowFaults(t *testing.T) {
	m := testModule("overflow", 0, nil,
		bytecode.Function{
			Name: "recurse", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitCall(bytecode.OpCall, 0, 0).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{MaxFrames: 64}, m)

	_, err := engine.Run("overflow", "recurse")
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *Fault", err)
	}
}

func TestInterpreterFaultIsNotCatchable(t *testing.T) {
	m := testModule("faultcatch", 0, nil,
		bytecode.Function{
			Name: "main", MaxStack: 2,
			// try { undefined local index } catch { return 0 }: the catch
			// must not fire for a verifier-contract violation.
			Code: bytecode.NewAssembler().
				EmitTry("catch", "").
				EmitU16(bytecode.OpLoadLocal, 9).
				Emit(bytecode.OpTryPop).
				Emit(bytecode.OpReturnVoid).
				Label("catch").
				Emit(bytecode.OpPop).
				EmitI32(0).Emit(bytecode.OpReturn).Build(),
		},
	)
	engine := newTestVM(t, Config{}, m)

	_, err := engine.Run("faultcatch", "main")
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *Fault", err)
	}
}

func TestInterpreterCrossModuleImport(t *testing.T) {
	dep := testModule("dep", 0, nil,
		bytecode.Function{
			Name: "triple", ParamCount: 1, LocalCount: 1, MaxStack: 2,
			Code: bytecode.NewAssembler().
				EmitU16(bytecode.OpLoadLocal, 0).
				EmitI32(3).Emit(bytecode.OpImul).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	app := testModule("app", 0, nil,
		bytecode.Function{
			Name: "main", MaxStack: 2,
			// Function index 1 is the first import slot.
			Code: bytecode.NewAssembler().
				EmitI32(14).
				EmitCall(bytecode.OpCall, 1, 1).
				Emit(bytecode.OpReturn).Build(),
		},
	)
	app.Imports = []bytecode.Import{{Module: "dep", Function: "triple"}}
	app.Encode()

	engine := newTestVM(t, Config{}, dep, app)
	mustRunInt(t, engine, "app", "main", 42)
}
