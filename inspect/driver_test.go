package inspect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wasmlab/wabidb/wasm"
	"github.com/wasmlab/wabidb/wat"
)

func testModuleFile(t *testing.T) string {
	t.Helper()
	bin, err := wat.Compile(`(module
		(global $g (mut i32) i32.const 0)
		(func $add (export "add") (param i32 i32) (result i32)
			local.get 0
			local.get 1
			i32.add)
		(func $start
			nop))`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := wasm.ParseModuleValidate(bin); err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wasm")
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatalf("write temp module: %v", err)
	}
	return path
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	infile := testModuleFile(t)
	outfile := filepath.Join(filepath.Dir(infile), "out.wasm")
	d, err := New(infile, outfile, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.loadFresh(); err != nil {
		t.Fatalf("loadFresh: %v", err)
	}
	return d
}

func TestBuildFuncLinesCountsNonDeclarationLines(t *testing.T) {
	d := newTestDriver(t)
	n, ok := d.funcLines["add"]
	if !ok {
		t.Fatalf("funcLines missing %q: %+v", "add", d.funcLines)
	}
	if n != 3 {
		t.Errorf("funcLines[add] = %d, want 3", n)
	}
}

func TestListingPrefixesLineNumbers(t *testing.T) {
	d := newTestDriver(t)
	text, err := d.Listing()
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if !strings.Contains(text, "1  ") && !strings.Contains(text, "1 ") {
		t.Errorf("expected a line-1 gutter marker in listing:\n%s", text)
	}
	if !strings.Contains(text, "i32.add") {
		t.Errorf("expected instruction text in listing:\n%s", text)
	}
}

func TestPositionValidatesRange(t *testing.T) {
	d := newTestDriver(t)
	if err := d.Position("add", 0); err == nil {
		t.Error("expected error for line 0")
	}
	if err := d.Position("add", 99); err == nil {
		t.Error("expected error for line far out of range")
	}
	if err := d.Position("nosuchfunc", 1); err == nil {
		t.Error("expected error for unknown function")
	}
	if err := d.Position("add", 1); err != nil {
		t.Fatalf("Position(add, 1): %v", err)
	}
	if d.state != statePositioning {
		t.Errorf("state = %v, want statePositioning", d.state)
	}
}

func TestLocalValuesCoversParamsAndLocals(t *testing.T) {
	d := newTestDriver(t)
	if err := d.Position("add", 1); err != nil {
		t.Fatalf("Position: %v", err)
	}
	vars, err := d.localValues()
	if err != nil {
		t.Fatalf("localValues: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("len(vars) = %d, want 2 params", len(vars))
	}
	if vars[0].Type != wasm.ValI32 || vars[1].Type != wasm.ValI32 {
		t.Errorf("unexpected types: %+v", vars)
	}
}

func TestGlobalValuesSkipsNothingForI32(t *testing.T) {
	d := newTestDriver(t)
	vars := d.globalValues()
	if len(vars) != 1 {
		t.Fatalf("len(vars) = %d, want 1", len(vars))
	}
	if vars[0].Name != "$global0" {
		t.Errorf("global name = %q, want a synthetic name since the compiled module carries no name section", vars[0].Name)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{"l": CommandLocals, "locals": CommandLocals, "g": CommandGlobals, "bt": CommandBacktrace, "backtrace": CommandBacktrace}
	for in, want := range cases {
		got, ok := parseCommand(in)
		if !ok || got != want {
			t.Errorf("parseCommand(%q) = %v, %v; want %v, true", in, got, ok, want)
		}
	}
	if _, ok := parseCommand("nonsense"); ok {
		t.Error("expected parseCommand to reject an unknown command")
	}
}
