package inspect

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/term"

	"github.com/wasmlab/wabidb/instrument"
	"github.com/wasmlab/wabidb/wasm"
	"github.com/wasmlab/wabidb/wat"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	gutterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// driverState names the seven states of the inspection dialogue.
type driverState int

const (
	stateIdle driverState = iota
	stateListing
	statePositioning
	stateCommanding
	stateInstrumenting
	stateExecuting
	stateEnd
)

// Command is the chosen inspection command.
type Command int

const (
	CommandLocals Command = iota
	CommandGlobals
	CommandBacktrace
)

func parseCommand(s string) (Command, bool) {
	switch s {
	case "l", "locals":
		return CommandLocals, true
	case "g", "globals":
		return CommandGlobals, true
	case "bt", "backtrace":
		return CommandBacktrace, true
	default:
		return 0, false
	}
}

// Driver runs the Idle -> Listing -> Positioning -> Commanding ->
// Instrumenting -> Executing -> End -> (Positioning | terminate)
// dialogue against one loaded module.
type Driver struct {
	infile     string
	outfile    string
	command    string
	original   []byte
	state      driverState
	ins        *instrument.Instrumenter
	funcName   string
	line       int
	cmd        Command
	funcLines  map[string]int // printed line count per function, for the listing gutter
	err        error
	lastResult string

	inputFunc textinput.Model
	inputLine textinput.Model
	inputCmd  textinput.Model
	focus     int
}

// New constructs a Driver for infile, writing the instrumented module
// to outfile and optionally running command afterward.
func New(infile, outfile, command string) (*Driver, error) {
	data, err := os.ReadFile(infile)
	if err != nil {
		return nil, err
	}
	d := &Driver{infile: infile, outfile: outfile, command: command, original: data, state: stateIdle}
	d.inputFunc = textinput.New()
	d.inputFunc.Placeholder = "function name"
	d.inputLine = textinput.New()
	d.inputLine.Placeholder = "line number"
	d.inputCmd = textinput.New()
	d.inputCmd.Placeholder = "l/g/bt"
	return d, nil
}

// Run starts the dialogue: as a bubbletea program when stdout is a TTY,
// or as a line-oriented prompt loop under redirected I/O (e2e harnesses
// pipe stdin, so bubbletea's raw-mode reader would never see input as
// keys). Only the line-oriented loop walks the full dialogue; the
// bubbletea program loads the module, shows the listing, and quits on
// ctrl+c (or q in the End state), and takes no position or command
// input.
func (d *Driver) Run() error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		p := tea.NewProgram(d)
		_, err := p.Run()
		return err
	}
	return d.runLineOriented()
}

func (d *Driver) loadFresh() error {
	mod, err := wasm.ParseModuleValidate(d.original)
	if err != nil {
		return err
	}
	d.ins = instrument.New()
	tmp, err := os.CreateTemp("", "wabidb-inspect-*.wasm")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(d.original); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := d.ins.SetConfig(instrument.Config{Filename: tmp.Name(), OutputPath: d.outfile}); err != nil {
		return err
	}
	_ = mod
	d.state = stateListing
	d.buildFuncLines()
	return nil
}

// buildFuncLines computes, per function, the number of stack-IR
// instruction lines the listing will print (the numbering starts at
// the first instruction after the locals and ends at the function's
// closing paren); Listing sizes the gutter from the maximum.
func (d *Driver) buildFuncLines() {
	d.funcLines = map[string]int{}
	mod := d.ins.Module()
	names, _ := mod.NameSection()
	numImported := uint32(mod.NumImportedFuncs())
	exported := map[uint32]string{}
	for _, exp := range mod.Exports {
		if exp.Kind == wasm.KindFunc {
			exported[exp.Idx] = exp.Name
		}
	}
	for i := range mod.Code {
		idx := numImported + uint32(i)
		name := ""
		if names != nil {
			name = names.Functions[idx]
		}
		if name == "" {
			name = exported[idx]
		}
		if name == "" {
			name = fmt.Sprintf("$func%d", idx)
		}
		instrs, err := wasm.DecodeInstructions(mod.Code[i].Code)
		if err != nil {
			continue
		}
		n := len(instrs)
		if n > 0 && instrs[n-1].Opcode == wasm.OpEnd {
			n--
		}
		d.funcLines[name] = n
	}
}

// Listing renders the module's textual stack-IR with per-function
// line numbers prefixed to each body line, the gutter sized from the
// widest function.
func (d *Driver) Listing() (string, error) {
	text, err := wat.Print(d.ins.Module())
	if err != nil {
		return "", err
	}
	maxLines := 0
	for _, n := range d.funcLines {
		if n > maxLines {
			maxLines = n
		}
	}
	gutter := len(strconv.Itoa(maxLines))

	var b strings.Builder
	lineNo := 0
	inFunc := false
	for _, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(trimmed, "(func"):
			inFunc = true
			lineNo = 0
			b.WriteString(raw + "\n")
		case inFunc && trimmed == ")":
			inFunc = false
			b.WriteString(raw + "\n")
		case inFunc && trimmed != "" && !strings.HasPrefix(trimmed, "(param") && !strings.HasPrefix(trimmed, "(result") && !strings.HasPrefix(trimmed, "(local"):
			lineNo++
			b.WriteString(fmt.Sprintf("%*d  %s\n", gutter, lineNo, raw))
		default:
			b.WriteString(raw + "\n")
		}
	}
	return b.String(), nil
}

// Position validates a chosen function/line pair against the cached
// stack-IR line counts.
func (d *Driver) Position(funcName string, line int) error {
	n, ok := d.funcLines[funcName]
	if !ok {
		return fmt.Errorf("function %q not found or has no cached stack-IR", funcName)
	}
	if line < 1 || line > n {
		return fmt.Errorf("line %d out of range [1, %d] for %s", line, n, funcName)
	}
	d.funcName = funcName
	d.line = line
	d.state = statePositioning
	Logger().Sugar().Infof("inspect: positioned at %s:%d", funcName, line)
	return nil
}

// Instrument runs the command-specific splice for the chosen command
// at the chosen position.
func (d *Driver) Instrument(cmd Command, scope []string) error {
	d.cmd = cmd
	d.state = stateInstrumenting
	Logger().Sugar().Infof("inspect: instrumenting %s at %s:%d", cmd, d.funcName, d.line)
	rw := NewRewriter(d.ins)

	switch cmd {
	case CommandLocals:
		vars, err := d.localValues()
		if err != nil {
			return err
		}
		if err := rw.SpliceValues(d.funcName, d.line, vars); err != nil {
			return err
		}
	case CommandGlobals:
		vars := d.globalValues()
		if err := rw.SpliceValues(d.funcName, d.line, vars); err != nil {
			return err
		}
	case CommandBacktrace:
		if err := rw.SpliceBacktrace(d.funcName, d.line, scope); err != nil {
			return err
		}
	}
	return d.ins.WriteBinary()
}

func (d *Driver) localValues() ([]NamedValue, error) {
	_, body, err := d.ins.GetFunctionByName(d.funcName)
	if err != nil {
		return nil, err
	}
	ft, idx, err := d.funcTypeByName(d.funcName)
	if err != nil {
		return nil, err
	}
	_ = idx
	var vars []NamedValue
	for i, t := range ft.Params {
		if _, ok := numericWidth(t); !ok {
			continue
		}
		vars = append(vars, NamedValue{Name: fmt.Sprintf("param%d", i), Type: t, ReadExpr: fmt.Sprintf("local.get %d", i)})
	}
	localBase := len(ft.Params)
	for _, le := range body.Locals {
		for c := uint32(0); c < le.Count; c++ {
			if _, ok := numericWidth(le.ValType); !ok {
				localBase++
				continue
			}
			vars = append(vars, NamedValue{Name: fmt.Sprintf("local%d", localBase), Type: le.ValType, ReadExpr: fmt.Sprintf("local.get %d", localBase)})
			localBase++
		}
	}
	return vars, nil
}

func (d *Driver) funcTypeByName(name string) (*wasm.FuncType, uint32, error) {
	idx, _, err := d.ins.GetFunctionByName(name)
	if err != nil {
		return nil, 0, err
	}
	ft := d.ins.Module().GetFuncType(idx)
	return ft, idx, nil
}

func (d *Driver) globalValues() []NamedValue {
	mod := d.ins.Module()
	names, _ := mod.NameSection()
	numImported := uint32(mod.NumImportedGlobals())
	var vars []NamedValue
	for i, g := range mod.Globals {
		if _, ok := numericWidth(g.Type.ValType); !ok {
			continue
		}
		idx := numImported + uint32(i)
		name := fmt.Sprintf("$global%d", idx)
		ref := name
		if names != nil {
			if n, ok := names.Globals[idx]; ok {
				name = n
				ref = "$" + n
			}
		}
		vars = append(vars, NamedValue{Name: name, Type: g.Type.ValType, ReadExpr: "global.get " + ref})
	}
	return vars
}

// Execute runs the configured command (rewritten to point at the
// instrumented file under --dir=.) and decodes the cache file on
// success.
func (d *Driver) Execute() error {
	d.state = stateExecuting
	if d.command == "" {
		Logger().Sugar().Infof("inspect: executing %s in-process via wazero", d.outfile)
		return d.executeInProcess()
	}

	rewritten := rewriteCommandForInspection(d.command, d.outfile)
	Logger().Sugar().Infof("inspect: executing %s", rewritten)
	parts := strings.Fields(rewritten)
	cmd := exec.CommandContext(context.Background(), parts[0], parts[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	code := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if runErr != nil {
		return runErr
	}

	return d.finishAfterExit(code)
}

// executeInProcess instantiates the instrumented module directly under
// wazero with WASI preview1 wired in and the current directory
// preopened as "/", the supplemented in-process counterpart to
// shelling out to an external --command.
func (d *Driver) executeInProcess() error {
	ctx := context.Background()
	bin, err := os.ReadFile(d.outfile)
	if err != nil {
		return err
	}

	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return err
	}

	fsConfig := wazero.NewFSConfig().WithDirMount(".", "/")
	modConfig := wazero.NewModuleConfig().
		WithFSConfig(fsConfig).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	code := 0
	if _, err := r.InstantiateWithConfig(ctx, bin, modConfig); err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			code = int(exitErr.ExitCode())
		} else {
			return err
		}
	}
	return d.finishAfterExit(code)
}

func (d *Driver) finishAfterExit(code int) error {
	switch code {
	case wasiProcExitInspectionOK:
		data, err := os.ReadFile(cacheFilename)
		if err != nil {
			return err
		}
		d.lastResult, err = d.decodeCache(data)
		if err != nil {
			return err
		}
	case wasiProcExitInternalFail:
		d.lastResult = "inspection hit an internal failure (exit 12)"
	default:
		d.lastResult = fmt.Sprintf("unexpected exit code %d; cache file not decoded", code)
	}
	d.state = stateEnd
	return nil
}

func rewriteCommandForInspection(command, outfile string) string {
	fields := strings.Fields(command)
	out := make([]string, 0, len(fields)+1)
	out = append(out, fields[0], "--dir=.")
	for _, f := range fields[1:] {
		if strings.HasSuffix(f, ".wasm") {
			out = append(out, outfile)
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

func (d *Driver) decodeCache(data []byte) (string, error) {
	switch d.cmd {
	case CommandBacktrace:
		entries, err := DecodeBacktrace(data)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, e := range entries {
			if e.Unknown {
				b.WriteString("  (unknown)\n")
			} else {
				fmt.Fprintf(&b, "  func %d\n", e.FuncIdx)
			}
		}
		return b.String(), nil
	default:
		var vars []NamedValue
		if d.cmd == CommandLocals {
			vars, _ = d.localValues()
		} else {
			vars = d.globalValues()
		}
		types := make([]wasm.ValType, 0, len(vars))
		for _, v := range vars {
			types = append(types, v.Type)
		}
		values, err := DecodeValues(data, types)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for i, v := range values {
			fmt.Fprintf(&b, "  %s = %s\n", vars[i].Name, formatValue(v))
		}
		return b.String(), nil
	}
}

func formatValue(v VarValue) string {
	switch v.Type {
	case wasm.ValI32:
		return strconv.Itoa(int(v.I32))
	case wasm.ValI64:
		return strconv.FormatInt(v.I64, 10)
	case wasm.ValF32:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case wasm.ValF64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v.V128)
	}
}

// ---- tea.Model ----

func (d *Driver) Init() tea.Cmd {
	return func() tea.Msg {
		if err := d.loadFresh(); err != nil {
			return driverErrMsg{err}
		}
		return driverLoadedMsg{}
	}
}

type driverErrMsg struct{ err error }
type driverLoadedMsg struct{}

func (d *Driver) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case driverErrMsg:
		d.err = m.err
		return d, nil
	case driverLoadedMsg:
		return d, nil
	case tea.KeyMsg:
		switch m.String() {
		case "ctrl+c":
			return d, tea.Quit
		case "q":
			if d.state == stateEnd {
				return d, tea.Quit
			}
		}
	}
	return d, nil
}

func (d *Driver) View() string {
	if d.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n", d.err))
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("wabidb-inspect"))
	b.WriteString(" ")
	b.WriteString(d.infile)
	b.WriteString("\n\n")
	switch d.state {
	case stateListing:
		text, err := d.Listing()
		if err != nil {
			return errorStyle.Render(err.Error())
		}
		b.WriteString(text)
	case stateEnd:
		b.WriteString(resultStyle.Render(d.lastResult))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("c continue • q quit"))
	}
	return b.String()
}

// runLineOriented drives the same state transitions through stdin
// prompts, for non-TTY invocations (redirected I/O, test harnesses).
func (d *Driver) runLineOriented() error {
	if err := d.loadFresh(); err != nil {
		return err
	}
	reader := bufio.NewScanner(os.Stdin)

	for {
		text, err := d.Listing()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, text)

		fmt.Fprint(os.Stdout, "function: ")
		if !reader.Scan() {
			return nil
		}
		fn := strings.TrimSpace(reader.Text())

		fmt.Fprint(os.Stdout, "line: ")
		if !reader.Scan() {
			return nil
		}
		line, _ := strconv.Atoi(strings.TrimSpace(reader.Text()))

		if err := d.Position(fn, line); err != nil {
			fmt.Fprintln(os.Stderr, "Instrumenter:", err)
			continue
		}

		fmt.Fprint(os.Stdout, "command (l/g/bt): ")
		if !reader.Scan() {
			return nil
		}
		cmd, ok := parseCommand(strings.TrimSpace(reader.Text()))
		if !ok {
			fmt.Fprintln(os.Stderr, "Instrumenter: unknown command")
			continue
		}

		var scope []string
		if cmd == CommandBacktrace {
			scope = d.allFunctionNames()
		}
		if err := d.Instrument(cmd, scope); err != nil {
			fmt.Fprintln(os.Stderr, "Instrumenter:", err)
			continue
		}
		if err := d.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Instrumenter:", err)
			continue
		}
		fmt.Fprintln(os.Stdout, d.lastResult)

		fmt.Fprint(os.Stdout, "c continue, q quit: ")
		if !reader.Scan() {
			return nil
		}
		switch strings.TrimSpace(reader.Text()) {
		case "c":
			if err := d.loadFresh(); err != nil {
				return err
			}
			continue
		default:
			return nil
		}
	}
}

func (d *Driver) allFunctionNames() []string {
	names, _ := d.ins.Module().NameSection()
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names.Functions))
	for _, n := range names.Functions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
