// Raya engine CLI - runs compiled modules and manages snapshots.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/rayalang/raya/bytecode"
	"github.com/rayalang/raya/config"
	"github.com/rayalang/raya/heapdump"
	"github.com/rayalang/raya/snapshot"
	"github.com/rayalang/raya/vm"
)

func main() {
	entry := flag.String("e", "main", "Entry function to run")
	disasm := flag.Bool("d", false, "Disassemble the module and exit")
	verbosity := flag.Int("v", 0, "Log verbosity (0=quiet, 2=debug)")
	storePath := flag.String("store", "", "Snapshot store path (overrides raya.toml)")
	capture := flag.String("capture", "", "Capture a named snapshot instead of waiting for completion")
	captureAfter := flag.Duration("capture-after", 100*time.Millisecond, "How long to run before capturing (with --capture)")
	restore := flag.String("restore", "", "Restore the named snapshot instead of spawning the entry function")
	listSnaps := flag.Bool("list", false, "List stored snapshots and exit")
	dump := flag.String("heapdump", "", "Write a CBOR heap dump to this file after the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: raya [options] module.rayac...\n\n")
		fmt.Fprintf(os.Stderr, "Runs compiled Raya modules. The first module provides the entry function.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  raya app.rayac                     # Run app's 'main'\n")
		fmt.Fprintf(os.Stderr, "  raya -e start app.rayac lib.rayac  # Run app's 'start' with lib loaded\n")
		fmt.Fprintf(os.Stderr, "  raya -d app.rayac                  # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  raya --capture ckpt app.rayac      # Run briefly, save snapshot 'ckpt'\n")
		fmt.Fprintf(os.Stderr, "  raya --restore ckpt app.rayac      # Resume snapshot 'ckpt'\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	cfg, err := config.FindAndLoad(".")
	if err != nil {
		fatalf("loading configuration: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
		cfg.Dir, _ = os.Getwd()
		cfg.Snapshots.Store = "snapshots.db"
	}
	if *storePath != "" {
		cfg.Snapshots.Store = *storePath
	}

	if *listSnaps {
		listSnapshots(cfg)
		return
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	mods := make([]*bytecode.Module, 0, flag.NArg())
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("reading %s: %v", path, err)
		}
		m, err := bytecode.Decode(data)
		if err != nil {
			fatalf("decoding %s: %v", path, err)
		}
		mods = append(mods, m)
	}

	if *disasm {
		for _, m := range mods {
			fmt.Printf("module %s (checksum %x)\n", m.Name, m.Checksum[:8])
			fmt.Print(bytecode.DisassembleModule(m))
		}
		return
	}

	engine := vm.New(cfg.EngineConfig())
	defer engine.Shutdown()

	// Dependencies first: later command-line modules may be imported by
	// earlier ones.
	for i := len(mods) - 1; i >= 0; i-- {
		if err := engine.LoadModule(mods[i]); err != nil {
			fatalf("loading module %s: %v", mods[i].Name, err)
		}
	}

	switch {
	case *restore != "":
		runRestored(engine, cfg, *restore, *dump)
	case *capture != "":
		runAndCapture(engine, cfg, mods[0].Name, *entry, *capture, *captureAfter)
	default:
		runToCompletion(engine, mods[0].Name, *entry, *dump)
	}
}

func runToCompletion(engine *vm.VM, module, entry, dumpPath string) {
	result, err := engine.Run(module, entry)
	if dumpPath != "" {
		writeHeapDump(engine, dumpPath)
	}
	if err != nil {
		fatalf("task failed: %v", err)
	}
	if !result.IsNull() {
		fmt.Println(renderResult(result))
	}
}

func runAndCapture(engine *vm.VM, cfg *config.Config, module, entry, name string, after time.Duration) {
	if _, err := engine.Spawn(module, entry); err != nil {
		fatalf("spawning %s.%s: %v", module, entry, err)
	}
	time.Sleep(after)

	payload, err := snapshot.Capture(engine, snapshot.Options{})
	if err != nil {
		fatalf("capturing snapshot: %v", err)
	}
	store := openStore(cfg)
	defer store.Close()
	if err := store.Save(name, payload); err != nil {
		fatalf("saving snapshot: %v", err)
	}
	fmt.Printf("saved snapshot %q (%d bytes)\n", name, len(payload))
}

func runRestored(engine *vm.VM, cfg *config.Config, name, dumpPath string) {
	store := openStore(cfg)
	payload, err := store.Load(name)
	store.Close()
	if err != nil {
		fatalf("loading snapshot: %v", err)
	}

	info, err := snapshot.ReadInfo(payload)
	if err != nil {
		fatalf("inspecting snapshot: %v", err)
	}
	if err := snapshot.Restore(engine, payload); err != nil {
		fatalf("restoring snapshot: %v", err)
	}

	// Join every task the snapshot carried.
	var firstErr error
	for id := vm.TaskID(1); int(id) <= info.TaskCount; id++ {
		if _, err := engine.TaskState(id); err != nil {
			continue
		}
		if _, err := engine.Wait(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dumpPath != "" {
		writeHeapDump(engine, dumpPath)
	}
	if firstErr != nil {
		fatalf("restored task failed: %v", firstErr)
	}
}

func listSnapshots(cfg *config.Config) {
	store := openStore(cfg)
	defer store.Close()
	infos, err := store.List()
	if err != nil {
		fatalf("listing snapshots: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("no snapshots")
		return
	}
	for _, info := range infos {
		partial := ""
		if info.Partial {
			partial = " (partial)"
		}
		fmt.Printf("%-20s %s  %d bytes%s\n",
			info.Name, info.CreatedAt.Format(time.RFC3339), info.Size, partial)
	}
}

func openStore(cfg *config.Config) *snapshot.Store {
	store, err := snapshot.OpenStore(cfg.StorePath())
	if err != nil {
		fatalf("opening snapshot store: %v", err)
	}
	return store
}

func writeHeapDump(engine *vm.VM, path string) {
	data, err := heapdump.Capture(engine)
	if err != nil {
		fatalf("capturing heap dump: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fatalf("writing heap dump to %s: %v", filepath.Clean(path), err)
	}
}

func renderResult(v vm.Value) string {
	switch {
	case v.IsBool():
		return fmt.Sprintf("%t", v.Bool())
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.IsTask():
		return fmt.Sprintf("task#%d", v.Task())
	case v.IsRef():
		return fmt.Sprintf("ref#%d", v.Ref())
	}
	return "null"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "raya: "+format+"\n", args...)
	os.Exit(1)
}
