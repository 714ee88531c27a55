// Command wasm-run loads a wasm module, lists its exports and calls exported
// functions, either from flags or through an interactive picker.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/runtime"
	"github.com/wippyai/wasm-engine/value"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to a wasm module or a serialized module file")
		funcName    = flag.String("func", "", "Exported function to call (default: _start, run or main)")
		argList     = flag.String("args", "", "Comma-separated call arguments, matched to the signature")
		envVars     = flag.String("env", "", "Guest environment (KEY=VAL,KEY2=VAL2)")
		cliArgs     = flag.String("argv", "", "Guest argv (comma-separated)")
		preopens    = flag.String("preopens", "", "Preopened directories (/host:/guest,/host2:/guest2)")
		stdinData   = flag.String("stdin", "", "Stdin data for the guest")
		stdinFile   = flag.String("stdin-file", "", "File to feed the guest's stdin from")
		fuel        = flag.Uint64("fuel", 0, "Fuel budget for the call (0 disables metering)")
		interp      = flag.Bool("interpreter", false, "Use the interpreter backend")
		list        = flag.Bool("list", false, "List exports and exit")
		interactive = flag.Bool("i", false, "Interactive mode")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: wasm-run -wasm <file.wasm> [-func name] [-args a,b,...]")
		fmt.Fprintln(os.Stderr, "       wasm-run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       wasm-run -wasm <file.wasm> -i")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*wasmFile, *interp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	opts := runOptions{
		funcName:  *funcName,
		args:      *argList,
		env:       *envVars,
		argv:      *cliArgs,
		preopens:  *preopens,
		stdin:     *stdinData,
		stdinFile: *stdinFile,
		fuel:      *fuel,
		interp:    *interp,
		listOnly:  *list,
	}
	if err := run(*wasmFile, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	funcName  string
	args      string
	env       string
	argv      string
	preopens  string
	stdin     string
	stdinFile string
	fuel      uint64
	interp    bool
	listOnly  bool
}

// serializedMagic matches the envelope runtime.Module.Serialize writes.
var serializedMagic = []byte("WENG1")

func run(wasmFile string, opts runOptions) error {
	ctx := context.Background()

	cfg := engine.NewConfig()
	cfg.Interpreter = opts.interp
	cfg.ConsumeFuel = opts.fuel > 0

	e, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	mod, err := loadModule(ctx, e, wasmFile)
	if err != nil {
		return err
	}
	defer mod.Close(ctx)

	fmt.Printf("Module: %s\n", wasmFile)
	fmt.Printf("Imports: %d\n", len(mod.Imports()))
	fmt.Printf("Exports: %d\n", len(mod.Exports()))

	fmt.Printf("\nExported functions:\n")
	for _, exp := range mod.Exports() {
		if exp.Type.Kind() == value.ExternFunc {
			fmt.Printf("  %s%s\n", exp.Name, signatureString(exp.Type.Func()))
		}
	}
	if opts.listOnly {
		return nil
	}

	s := runtime.NewStore(ctx, e, nil, nil)
	defer s.Close(ctx)
	c := s.Context()

	wasi, err := wasiFromOptions(opts)
	if err != nil {
		return err
	}
	s.SetWASI(wasi)

	if opts.fuel > 0 {
		if err := c.SetFuel(opts.fuel); err != nil {
			return err
		}
	}

	l := linker.New(e)
	l.DefineWASI()

	fmt.Printf("\nInstantiating...\n")
	inst, err := l.Instantiate(ctx, c, mod)
	if err != nil {
		return err
	}

	name := opts.funcName
	if name == "" {
		name = defaultEntry(mod)
		if name == "" {
			fmt.Printf("\nNo function specified and no common entry point found.\n")
			fmt.Printf("Use -func to pick one of the exports above.\n")
			return nil
		}
	}

	ext, ok := inst.ExportGet(c, name)
	if !ok {
		return fmt.Errorf("export %q not found", name)
	}
	f, ok := ext.AsFunc()
	if !ok {
		return fmt.Errorf("export %q is not a function", name)
	}

	ft, err := f.Type(c)
	if err != nil {
		return err
	}
	args, err := parseArgs(opts.args, ft.Params())
	if err != nil {
		return err
	}
	results := make([]value.Val, len(ft.Results()))

	fmt.Printf("\nCalling %s(%s)...\n", name, opts.args)
	if err := f.Call(ctx, c, args, results); err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("Result: %s\n", r)
	}

	if opts.fuel > 0 {
		remaining, err := c.Fuel()
		if err != nil {
			return err
		}
		fmt.Printf("Fuel consumed: %d\n", opts.fuel-remaining)
	}
	return nil
}

// loadModule accepts both raw wasm and the serialized envelope.
func loadModule(ctx context.Context, e *engine.Engine, path string) (*runtime.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if bytes.HasPrefix(data, serializedMagic) {
		return runtime.DeserializeModule(ctx, e, data)
	}
	return runtime.NewModule(ctx, e, data)
}

func wasiFromOptions(opts runOptions) (*runtime.WASIConfig, error) {
	wasi := runtime.NewWASIConfig()
	wasi.InheritStdout()
	wasi.InheritStderr()

	if opts.env != "" {
		var keys, vals []string
		for _, kv := range strings.Split(opts.env, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("bad env entry %q", kv)
			}
			keys = append(keys, k)
			vals = append(vals, v)
		}
		if err := wasi.SetEnv(keys, vals); err != nil {
			return nil, err
		}
	}
	if opts.argv != "" {
		wasi.SetArgv(strings.Split(opts.argv, ","))
	}
	if opts.preopens != "" {
		for _, mapping := range strings.Split(opts.preopens, ",") {
			host, guest, ok := strings.Cut(mapping, ":")
			if !ok {
				return nil, fmt.Errorf("bad preopen %q", mapping)
			}
			wasi.PreopenDir(host, guest)
		}
	}
	switch {
	case opts.stdinFile != "":
		if err := wasi.SetStdinFile(opts.stdinFile); err != nil {
			return nil, err
		}
	case opts.stdin != "":
		wasi.SetStdinBytes([]byte(opts.stdin))
	}
	return wasi, nil
}

func defaultEntry(mod *runtime.Module) string {
	for _, name := range []string{"_start", "run", "main"} {
		if typ, ok := mod.ExportType(name); ok && typ.Kind() == value.ExternFunc {
			return name
		}
	}
	var only string
	for _, exp := range mod.Exports() {
		if exp.Type.Kind() != value.ExternFunc {
			continue
		}
		if only != "" {
			return ""
		}
		only = exp.Name
	}
	return only
}

func parseArgs(raw string, params []*value.ValType) ([]value.Val, error) {
	var fields []string
	if raw != "" {
		fields = strings.Split(raw, ",")
	}
	if len(fields) != len(params) {
		return nil, fmt.Errorf("got %d arguments, function takes %d", len(fields), len(params))
	}
	args := make([]value.Val, len(params))
	for i, p := range params {
		v, err := parseVal(strings.TrimSpace(fields[i]), p.Kind())
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func parseVal(s string, k value.Kind) (value.Val, error) {
	switch k {
	case value.KindI32:
		v, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return value.Val{}, fmt.Errorf("parse i32 %q: %w", s, err)
		}
		return value.I32(int32(v)), nil
	case value.KindI64:
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return value.Val{}, fmt.Errorf("parse i64 %q: %w", s, err)
		}
		return value.I64(v), nil
	case value.KindF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return value.Val{}, fmt.Errorf("parse f32 %q: %w", s, err)
		}
		return value.F32(float32(v)), nil
	case value.KindF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.Val{}, fmt.Errorf("parse f64 %q: %w", s, err)
		}
		return value.F64(v), nil
	default:
		return value.Val{}, fmt.Errorf("%s arguments cannot be given on the command line", k)
	}
}

func signatureString(ft *value.FuncType) string {
	var params []string
	for _, p := range ft.Params() {
		params = append(params, p.Kind().String())
	}
	var results []string
	for _, r := range ft.Results() {
		results = append(results, r.Kind().String())
	}
	sig := "(" + strings.Join(params, ", ") + ")"
	if len(results) > 0 {
		sig += " -> " + strings.Join(results, ", ")
	}
	return sig
}
