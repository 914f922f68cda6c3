// Package heapdump produces canonical CBOR dumps of a quiesced engine's heap
// graph and task table for offline inspection. Dumps are diagnostics, not
// snapshots: they cannot be restored.
package heapdump

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rayalang/raya/vm"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("heapdump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Dump is the top-level dump document.
type Dump struct {
	CapturedAt int64    `cbor:"captured_at"` // unix milliseconds
	LiveBytes  uint64   `cbor:"live_bytes"`
	Objects    []Object `cbor:"objects"`
	Tasks      []Task   `cbor:"tasks"`
}

// Object is one live heap object.
type Object struct {
	Handle     uint32  `cbor:"handle"`
	Kind       string  `cbor:"kind"`
	ClassIndex uint32  `cbor:"class,omitempty"`
	FuncIndex  uint32  `cbor:"func,omitempty"`
	Fields     []Value `cbor:"fields,omitempty"`
	Str        string  `cbor:"str,omitempty"`
}

// Task is one task's control state.
type Task struct {
	ID     uint32  `cbor:"id"`
	State  string  `cbor:"state"`
	Awaits uint32  `cbor:"awaits,omitempty"`
	Frames []Frame `cbor:"frames,omitempty"`
}

// Frame is one activation record.
type Frame struct {
	Module   string  `cbor:"module"`
	Function string  `cbor:"function"`
	IP       int     `cbor:"ip"`
	Locals   []Value `cbor:"locals,omitempty"`
	Stack    []Value `cbor:"stack,omitempty"`
}

// Value is a dumped value: exactly one payload field is meaningful,
// selected by Kind.
type Value struct {
	Kind  string  `cbor:"kind"`
	Int   int64   `cbor:"int,omitempty"`
	Float float64 `cbor:"float,omitempty"`
	Bool  bool    `cbor:"bool,omitempty"`
	Ref   uint32  `cbor:"ref,omitempty"`
	Task  uint32  `cbor:"task,omitempty"`
}

// Capture quiesces the engine and encodes its heap and task table.
func Capture(engine *vm.VM) ([]byte, error) {
	var dump Dump
	err := engine.Quiesce(func(w *vm.World) error {
		dump = build(engine, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&dump)
}

func build(engine *vm.VM, w *vm.World) Dump {
	dump := Dump{
		CapturedAt: time.Now().UnixMilli(),
		LiveBytes:  engine.Heap().LiveBytes(),
	}

	engine.Heap().Each(func(h vm.Handle, obj *vm.HeapObject) {
		o := Object{Handle: uint32(h), Kind: obj.Tag.String()}
		switch obj.Tag {
		case vm.ObjString:
			o.Str = string(obj.Bytes)
		case vm.ObjObject:
			o.ClassIndex = obj.ClassIndex
		case vm.ObjClosure:
			o.FuncIndex = obj.FuncIndex
		}
		for _, f := range obj.Fields {
			o.Fields = append(o.Fields, dumpValue(f))
		}
		dump.Objects = append(dump.Objects, o)
	})

	for _, t := range w.Tasks() {
		dt := Task{
			ID:     uint32(t.ID),
			State:  t.State.String(),
			Awaits: uint32(t.AwaitTarget()),
		}
		for _, fr := range t.Frames {
			df := Frame{
				Module:   fr.Module.Name,
				Function: fr.Module.Functions[fr.FuncIndex].Name,
				IP:       fr.IP,
			}
			for _, v := range fr.Locals {
				df.Locals = append(df.Locals, dumpValue(v))
			}
			for _, v := range fr.Stack {
				df.Stack = append(df.Stack, dumpValue(v))
			}
			dt.Frames = append(dt.Frames, df)
		}
		dump.Tasks = append(dump.Tasks, dt)
	}
	return dump
}

func dumpValue(v vm.Value) Value {
	switch {
	case v.IsNull():
		return Value{Kind: "null"}
	case v.IsBool():
		return Value{Kind: "bool", Bool: v.Bool()}
	case v.IsInt():
		return Value{Kind: "int", Int: v.Int()}
	case v.IsFloat():
		return Value{Kind: "float", Float: v.Float64()}
	case v.IsTask():
		return Value{Kind: "task", Task: uint32(v.Task())}
	case v.IsRef():
		return Value{Kind: "ref", Ref: uint32(v.Ref())}
	}
	return Value{Kind: "invalid"}
}

// Decode parses a dump produced by Capture.
func Decode(data []byte) (*Dump, error) {
	var d Dump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("heapdump: unmarshal dump: %w", err)
	}
	return &d, nil
}
