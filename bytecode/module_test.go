package bytecode

import (
	"errors"
	"testing"
)

func sampleModule() *Module {
	return &Module{
		Name:        "sample",
		Flags:       FlagDebugInfo,
		GlobalCount: 3,
		Constants: []Constant{
			IntConst(42),
			FloatConst(3.5),
			StringConst("hello"),
		},
		Functions: []Function{
			{
				Name:       "main",
				ParamCount: 0,
				LocalCount: 2,
				MaxStack:   4,
				Code: NewAssembler().
					EmitI32(1).
					EmitI32(2).
					Emit(OpIadd).
					Emit(OpReturn).
					Build(),
			},
			{
				Name:       "add",
				ParamCount: 2,
				LocalCount: 2,
				MaxStack:   2,
				Code: NewAssembler().
					EmitU16(OpLoadLocal, 0).
					EmitU16(OpLoadLocal, 1).
					Emit(OpIadd).
					Emit(OpReturn).
					Build(),
			},
		},
		Classes: []ClassDef{{Name: "Point", FieldCount: 2}},
		Imports: []Import{{Module: "dep", Function: "helper"}},
		Exports: []Export{{Name: "main", FuncIndex: 0}},
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := sampleModule()
	data := m.Encode()

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name != m.Name {
		t.Errorf("Name = %q, want %q", got.Name, m.Name)
	}
	if got.Flags != m.Flags {
		t.Errorf("Flags = %d, want %d", got.Flags, m.Flags)
	}
	if got.GlobalCount != m.GlobalCount {
		t.Errorf("GlobalCount = %d, want %d", got.GlobalCount, m.GlobalCount)
	}
	if got.Checksum != m.Checksum {
		t.Errorf("Checksum mismatch after round trip")
	}
	if len(got.Constants) != len(m.Constants) {
		t.Fatalf("Constants = %d, want %d", len(got.Constants), len(m.Constants))
	}
	if got.Constants[0].Int != 42 || got.Constants[1].Flt != 3.5 || got.Constants[2].Str != "hello" {
		t.Errorf("constant pool corrupted: %+v", got.Constants)
	}
	if len(got.Functions) != 2 {
		t.Fatalf("Functions = %d, want 2", len(got.Functions))
	}
	if got.Functions[1].Name != "add" || got.Functions[1].ParamCount != 2 {
		t.Errorf("function table corrupted: %+v", got.Functions[1])
	}
	if string(got.Functions[0].Code) != string(m.Functions[0].Code) {
		t.Errorf("code corrupted in round trip")
	}
	if len(got.Classes) != 1 || got.Classes[0].FieldCount != 2 {
		t.Errorf("class table corrupted: %+v", got.Classes)
	}
	if len(got.Imports) != 1 || got.Imports[0].Module != "dep" {
		t.Errorf("import table corrupted: %+v", got.Imports)
	}
	if len(got.Exports) != 1 || got.Exports[0].Name != "main" {
		t.Errorf("export table corrupted: %+v", got.Exports)
	}
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	data := sampleModule().Encode()
	data[len(data)-1] ^= 0xFF

	_, err := Decode(data)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Decode of tampered payload: err = %v, want ErrChecksumMismatch", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := sampleModule().Encode()
	data[0] = 'X'

	_, err := Decode(data)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	data := sampleModule().Encode()
	data[4] = 99
	// Re-stamp nothing: version is outside the checksummed payload.

	_, err := Decode(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	data := sampleModule().Encode()
	for _, n := range []int{0, 10, 39} {
		if _, err := Decode(data[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(%d bytes): err = %v, want ErrTruncated", n, err)
		}
	}
}

func TestFunctionLookup(t *testing.T) {
	m := sampleModule()

	if idx := m.FunctionIndex("add"); idx != 1 {
		t.Errorf("FunctionIndex(add) = %d, want 1", idx)
	}
	if idx := m.FunctionIndex("missing"); idx != -1 {
		t.Errorf("FunctionIndex(missing) = %d, want -1", idx)
	}

	idx, ok := m.ExportedFunction("main")
	if !ok || idx != 0 {
		t.Errorf("ExportedFunction(main) = %d, %t; want 0, true", idx, ok)
	}
	if _, ok := m.ExportedFunction("add"); ok {
		t.Errorf("ExportedFunction(add) should not resolve: add is not exported")
	}
}
