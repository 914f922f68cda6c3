package snapshot

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rayalang/raya/bytecode"
	"github.com/rayalang/raya/vm"
)

func fixtureModule() *bytecode.Module {
	m := &bytecode.Module{
		Name:        "fib",
		GlobalCount: 1,
		Functions: []bytecode.Function{
			{
				Name: "sum", LocalCount: 2, MaxStack: 2,
				// sum of 1..10
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
			{
				Name: "setg", ParamCount: 1, LocalCount: 1, MaxStack: 1,
				Code: bytecode.NewAssembler().
					EmitU16(bytecode.OpLoadLocal, 0).
					EmitU32(bytecode.OpStoreGlobal, 0).
					Emit(bytecode.OpReturnVoid).Build(),
			},
			{
				Name: "getg", MaxStack: 1,
				Code: bytecode.NewAssembler().
					EmitU32(bytecode.OpLoadGlobal, 0).Emit(bytecode.OpReturn).Build(),
			},
		},
	}
	for i := range m.Functions {
		m.Exports = append(m.Exports, bytecode.Export{Name: m.Functions[i].Name, FuncIndex: uint32(i)})
	}
	m.Encode()
	return m
}

func newEngine(t *testing.T, mods ...*bytecode.Module) *vm.VM {
	t.Helper()
	engine := vm.New(vm.Config{Workers: 2, InstructionQuota: 100})
	t.Cleanup(engine.Shutdown)
	for _, m := range mods {
		if err := engine.LoadModule(m); err != nil {
			t.Fatalf("LoadModule(%s): %v", m.Name, err)
		}
	}
	return engine
}

// settledCapture builds an engine with two terminal tasks and a set global,
// captures it, and returns both.
func settledCapture(t *testing.T) (*vm.VM, *bytecode.Module, []byte) {
	t.Helper()
	mod := fixtureModule()
	engine := newEngine(t, mod)

	if v, err := engine.Run("fib", "sum"); err != nil || v.Int() != 55 {
		t.Fatalf("sum = %v, %v", v, err)
	}
	if _, err := engine.Run("fib", "setg", vm.FromInt(7)); err != nil {
		t.Fatalf("setg: %v", err)
	}

	data, err := Capture(engine, Options{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return engine, mod, data
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	_, mod, data := settledCapture(t)

	restoredEngine := newEngine(t, mod)
	if err := Restore(restoredEngine, data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Before anything runs, a re-capture of the restored engine must be
	// payload-identical (the header carries a fresh timestamp).
	again, err := Capture(restoredEngine, Options{})
	if err != nil {
		t.Fatalf("re-Capture: %v", err)
	}
	if !bytes.Equal(data[headerSize:], again[headerSize:]) {
		t.Error("restored engine re-encodes to a different payload")
	}

	// Terminal results survive for joiners.
	if v, err := restoredEngine.Wait(vm.TaskID(1)); err != nil || v.Int() != 55 {
		t.Errorf("restored task 1 = %v, %v, want 55", v, err)
	}
	if v, err := restoredEngine.Wait(vm.TaskID(2)); err != nil || !v.IsNull() {
		t.Errorf("restored task 2 = %v, %v, want null", v, err)
	}
	// Globals survive.
	if v, err := restoredEngine.Run("fib", "getg"); err != nil || v.Int() != 7 {
		t.Errorf("restored global = %v, %v, want 7", v, err)
	}
}

// A paused await graph resumes on a different engine: the blocked awaiter
// picks up the spinner's eventual result.
func TestCaptureRestoreMidRun(t *testing.T) {
	m := &bytecode.Module{
		Name:        "pausable",
		GlobalCount: 1,
		Functions: []bytecode.Function{
			{
				Name: "main", MaxStack: 1,
				Code: bytecode.NewAssembler().
					EmitCall(bytecode.OpSpawn, 1, 0).
					Emit(bytecode.OpAwait).
					Emit(bytecode.OpReturn).Build(),
			},
			{
				Name: "spinner", MaxStack: 2,
				// Spin until global 0 becomes nonzero, then return 9.
				Code: bytecode.NewAssembler().
					Label("loop").
					EmitU32(bytecode.OpLoadGlobal, 0).EmitI32(0).Emit(bytecode.OpIeq).
					EmitJump(bytecode.OpJmpIfFalse, "end").
					Emit(bytecode.OpYield).
					EmitJump(bytecode.OpJmp, "loop").
					Label("end").
					EmitI32(9).Emit(bytecode.OpReturn).Build(),
			},
			{
				Name: "release", MaxStack: 1,
				Code: bytecode.NewAssembler().
					EmitI32(1).EmitU32(bytecode.OpStoreGlobal, 0).
					Emit(bytecode.OpReturnVoid).Build(),
			},
		},
	}
	for i := range m.Functions {
		m.Exports = append(m.Exports, bytecode.Export{Name: m.Functions[i].Name, FuncIndex: uint32(i)})
	}
	m.Encode()

	source := newEngine(t, m)
	mainID, err := source.Spawn("pausable", "main")
	if err != nil {
		t.Fatal(err)
	}

	// Wait for main to park on the await.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := source.TaskState(mainID)
		if err != nil {
			t.Fatal(err)
		}
		if st == vm.TaskBlocked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("main never blocked; state %v", st)
		}
		time.Sleep(time.Millisecond)
	}

	data, err := Capture(source, Options{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	source.Shutdown()

	target := newEngine(t, m)
	if err := Restore(target, data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := target.Run("pausable", "release"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if v, err := target.Wait(mainID); err != nil || v.Int() != 9 {
		t.Fatalf("resumed main = %v, %v, want 9", v, err)
	}
}

func TestReadInfo(t *testing.T) {
	_, mod, data := settledCapture(t)

	info, err := ReadInfo(data)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.Version != Version {
		t.Errorf("Version = %d", info.Version)
	}
	if info.Partial() {
		t.Error("strict snapshot flagged partial")
	}
	if info.Timestamp == 0 {
		t.Error("timestamp missing")
	}
	if len(info.Modules) != 1 || info.Modules[0].Name != "fib" || info.Modules[0].Checksum != mod.Checksum {
		t.Errorf("Modules = %+v", info.Modules)
	}
	if info.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2", info.TaskCount)
	}
}

func TestCaptureStrictRejectsHeapReferences(t *testing.T) {
	mod := fixtureModule()
	engine := newEngine(t, mod)

	// Park a string in the global so a root holds a heap reference.
	str := &bytecode.Module{
		Name:        "strmod",
		GlobalCount: 0,
		Constants:   []bytecode.Constant{bytecode.StringConst("sticky")},
		Functions: []bytecode.Function{{
			Name: "mk", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitU32(bytecode.OpLoadConst, 0).
				Emit(bytecode.OpReturn).Build(),
		}},
		Exports: []bytecode.Export{{Name: "mk", FuncIndex: 0}},
	}
	str.Encode()
	if err := engine.LoadModule(str); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Run("strmod", "mk"); err != nil {
		t.Fatal(err)
	}

	// The terminal task's result is a string handle.
	if _, err := Capture(engine, Options{}); !errors.Is(err, ErrHeapReference) {
		t.Fatalf("strict Capture err = %v, want ErrHeapReference", err)
	}

	// Partial capture succeeds, flags itself, and can never be restored.
	data, err := Capture(engine, Options{AllowPartial: true})
	if err != nil {
		t.Fatalf("partial Capture: %v", err)
	}
	info, err := ReadInfo(data)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Partial() {
		t.Error("partial snapshot not flagged")
	}

	fresh := newEngine(t, mod, str)
	if err := Restore(fresh, data); !errors.Is(err, ErrPartial) {
		t.Fatalf("Restore of partial err = %v, want ErrPartial", err)
	}
}

func TestCaptureRejectsPendingIO(t *testing.T) {
	m := &bytecode.Module{
		Name: "iomod",
		Functions: []bytecode.Function{{
			Name: "sleeper", MaxStack: 1,
			Code: bytecode.NewAssembler().
				EmitI32(10_000).
				EmitCall(bytecode.OpCallNative, vm.NativeSleepMS, 1).
				Emit(bytecode.OpReturn).Build(),
		}},
		Exports: []bytecode.Export{{Name: "sleeper", FuncIndex: 0}},
	}
	m.Encode()
	engine := newEngine(t, m)

	id, err := engine.Spawn("iomod", "sleeper")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := engine.TaskState(id)
		if err != nil {
			t.Fatal(err)
		}
		if st == vm.TaskBlocked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sleeper never blocked; state %v", st)
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := Capture(engine, Options{}); !errors.Is(err, ErrPendingIO) {
		t.Fatalf("Capture err = %v, want ErrPendingIO", err)
	}
}

func TestOpenRejectsDamage(t *testing.T) {
	_, _, data := settledCapture(t)

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0x40
	if _, err := ReadInfo(tampered); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("tampered payload err = %v, want ErrChecksumMismatch", err)
	}

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'
	if _, err := ReadInfo(badMagic); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic err = %v, want ErrInvalidMagic", err)
	}

	// The version lives in the header, outside the checksum.
	badVersion := append([]byte(nil), data...)
	badVersion[4] = 99
	if _, err := ReadInfo(badVersion); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("bad version err = %v, want ErrUnsupportedVersion", err)
	}

	for _, n := range []int{0, 10, headerSize - 1} {
		if _, err := ReadInfo(data[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("truncated to %d bytes: err = %v, want ErrTruncated", n, err)
		}
	}
}

func TestRestoreMissingModule(t *testing.T) {
	_, _, data := settledCapture(t)

	empty := newEngine(t)
	if err := Restore(empty, data); !errors.Is(err, ErrModuleMissing) {
		t.Fatalf("Restore err = %v, want ErrModuleMissing", err)
	}
}

func TestRestoreRefusesBusyEngine(t *testing.T) {
	_, mod, data := settledCapture(t)

	busy := newEngine(t, mod)
	if _, err := busy.Run("fib", "setg", vm.FromInt(3)); err != nil {
		t.Fatal(err)
	}
	if err := Restore(busy, data); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("Restore err = %v, want ErrEngineBusy", err)
	}
	// The refused restore must not have touched the engine's globals; the
	// snapshot carries 7 in the same slot.
	if v, err := busy.Run("fib", "getg"); err != nil || v.Int() != 3 {
		t.Errorf("global after refused restore = %v, %v, want 3", v, err)
	}
}
