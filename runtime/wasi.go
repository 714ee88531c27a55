package runtime

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental/sock"

	"github.com/wippyai/wasm-engine/errors"
)

// WASIConfig captures the WASI preview1 environment for instances whose
// wasi_snapshot_preview1 imports resolve through the store. The snapshot is
// consumed at instantiation.
//
// File-backed options verify the path at attach time and reopen it for each
// instantiation, so one config can serve several instances.
type WASIConfig struct {
	args       []string
	inheritArg bool

	envKeys    []string
	envVals    []string
	inheritEnv bool

	stdinPath    string
	stdinBytes   []byte
	inheritStdin bool

	stdoutPath    string
	inheritStdout bool

	stderrPath    string
	inheritStderr bool

	preopens  [][2]string // host path, guest path
	listeners map[uint32]string
}

// NewWASIConfig returns an empty configuration: no argv, no env, stdio
// discarded, no preopens.
func NewWASIConfig() *WASIConfig {
	return &WASIConfig{}
}

// SetArgv sets the guest's argument vector.
func (w *WASIConfig) SetArgv(args []string) {
	w.args = append([]string(nil), args...)
	w.inheritArg = false
}

// InheritArgv passes the host process arguments through.
func (w *WASIConfig) InheritArgv() {
	w.args = nil
	w.inheritArg = true
}

// SetEnv sets the guest environment from parallel key and value slices.
func (w *WASIConfig) SetEnv(keys, vals []string) error {
	if len(keys) != len(vals) {
		return errors.ArityMismatch(errors.PhaseWASI, "environment values", len(vals), len(keys))
	}
	w.envKeys = append([]string(nil), keys...)
	w.envVals = append([]string(nil), vals...)
	w.inheritEnv = false
	return nil
}

// InheritEnv passes the host process environment through.
func (w *WASIConfig) InheritEnv() {
	w.envKeys, w.envVals = nil, nil
	w.inheritEnv = true
}

// SetStdinFile feeds the guest's stdin from a file.
func (w *WASIConfig) SetStdinFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, "open stdin file")
	}
	_ = f.Close()
	w.stdinPath = path
	w.stdinBytes = nil
	w.inheritStdin = false
	return nil
}

// SetStdinBytes feeds the guest's stdin from a byte buffer.
func (w *WASIConfig) SetStdinBytes(data []byte) {
	w.stdinBytes = append([]byte(nil), data...)
	w.stdinPath = ""
	w.inheritStdin = false
}

// InheritStdin passes the host stdin through.
func (w *WASIConfig) InheritStdin() {
	w.stdinPath = ""
	w.stdinBytes = nil
	w.inheritStdin = true
}

// SetStdoutFile sends the guest's stdout to a file, truncating it.
func (w *WASIConfig) SetStdoutFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, "open stdout file")
	}
	_ = f.Close()
	w.stdoutPath = path
	w.inheritStdout = false
	return nil
}

// InheritStdout passes the host stdout through.
func (w *WASIConfig) InheritStdout() {
	w.stdoutPath = ""
	w.inheritStdout = true
}

// SetStderrFile sends the guest's stderr to a file, truncating it.
func (w *WASIConfig) SetStderrFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, "open stderr file")
	}
	_ = f.Close()
	w.stderrPath = path
	w.inheritStderr = false
	return nil
}

// InheritStderr passes the host stderr through.
func (w *WASIConfig) InheritStderr() {
	w.stderrPath = ""
	w.inheritStderr = true
}

// PreopenDir mounts hostPath at guestPath in the guest filesystem.
func (w *WASIConfig) PreopenDir(hostPath, guestPath string) {
	w.preopens = append(w.preopens, [2]string{hostPath, guestPath})
}

// PreopenSocket binds a TCP listener on addr ("host:port") and exposes it to
// the guest. Listener file descriptors are assigned in ascending fd order
// after the preopened directories.
func (w *WASIConfig) PreopenSocket(fd uint32, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, "listener address")
	}
	if w.listeners == nil {
		w.listeners = make(map[uint32]string)
	}
	w.listeners[fd] = addr
	return nil
}

// apply maps the snapshot onto the execution engine's module configuration.
func (w *WASIConfig) apply(base wazero.ModuleConfig) (wazero.ModuleConfig, []io.Closer, error) {
	cfg := base.
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	var closers []io.Closer
	fail := func(err error, what string) (wazero.ModuleConfig, []io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, what)
	}

	switch {
	case w.inheritArg:
		cfg = cfg.WithArgs(os.Args...)
	case len(w.args) > 0:
		cfg = cfg.WithArgs(w.args...)
	}

	if w.inheritEnv {
		for _, kv := range os.Environ() {
			if i := bytes.IndexByte([]byte(kv), '='); i >= 0 {
				cfg = cfg.WithEnv(kv[:i], kv[i+1:])
			}
		}
	} else {
		for i := range w.envKeys {
			cfg = cfg.WithEnv(w.envKeys[i], w.envVals[i])
		}
	}

	switch {
	case w.inheritStdin:
		cfg = cfg.WithStdin(os.Stdin)
	case w.stdinBytes != nil:
		cfg = cfg.WithStdin(bytes.NewReader(w.stdinBytes))
	case w.stdinPath != "":
		f, err := os.Open(w.stdinPath)
		if err != nil {
			return fail(err, "open stdin file")
		}
		closers = append(closers, f)
		cfg = cfg.WithStdin(f)
	}

	switch {
	case w.inheritStdout:
		cfg = cfg.WithStdout(os.Stdout)
	case w.stdoutPath != "":
		f, err := os.OpenFile(w.stdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fail(err, "open stdout file")
		}
		closers = append(closers, f)
		cfg = cfg.WithStdout(f)
	}

	switch {
	case w.inheritStderr:
		cfg = cfg.WithStderr(os.Stderr)
	case w.stderrPath != "":
		f, err := os.OpenFile(w.stderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fail(err, "open stderr file")
		}
		closers = append(closers, f)
		cfg = cfg.WithStderr(f)
	}

	if len(w.preopens) > 0 {
		fs := wazero.NewFSConfig()
		for _, p := range w.preopens {
			fs = fs.WithDirMount(p[0], p[1])
		}
		cfg = cfg.WithFSConfig(fs)
	}

	return cfg, closers, nil
}

// sockCtx attaches the preopened listeners to the instantiation context.
func (w *WASIConfig) sockCtx(ctx context.Context) context.Context {
	if len(w.listeners) == 0 {
		return ctx
	}
	fds := make([]uint32, 0, len(w.listeners))
	for fd := range w.listeners {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })

	sc := sock.NewConfig()
	for _, fd := range fds {
		host, portStr, _ := net.SplitHostPort(w.listeners[fd])
		port, _ := strconv.Atoi(portStr)
		sc = sc.WithTCPListener(host, port)
	}
	return sock.WithConfig(ctx, sc)
}
