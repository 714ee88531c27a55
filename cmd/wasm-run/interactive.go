package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/runtime"
	"github.com/wippyai/wasm-engine/value"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	typeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700"))
	resultStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type exportedFunc struct {
	name string
	typ  *value.FuncType
}

type loadedMsg struct {
	funcs []exportedFunc
	err   error
}

type callResultMsg struct {
	output string
	err    error
}

type session struct {
	engine *engine.Engine
	store  *runtime.Store
	ctx    *runtime.Context
	inst   runtime.Instance
}

func (s *session) close() {
	if s.store != nil {
		_ = s.store.Close(context.Background())
	}
	if s.engine != nil {
		_ = s.engine.Close(context.Background())
	}
}

type interactiveModel struct {
	wasmFile string
	interp   bool
	sess     *session

	state    modelState
	funcs    []exportedFunc
	cursor   int
	selected exportedFunc
	inputs   []textinput.Model
	focused  int
	result   string
	err      error
}

func runInteractive(wasmFile string, interp bool) error {
	m := interactiveModel{wasmFile: wasmFile, interp: interp, sess: &session{}}
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(interactiveModel); ok && fm.sess != nil {
		fm.sess.close()
	}
	return err
}

func (m interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m interactiveModel) loadModule() tea.Msg {
	ctx := context.Background()

	cfg := engine.NewConfig()
	cfg.Interpreter = m.interp
	e, err := engine.New(ctx, cfg)
	if err != nil {
		return loadedMsg{err: err}
	}

	mod, err := loadModule(ctx, e, m.wasmFile)
	if err != nil {
		_ = e.Close(ctx)
		return loadedMsg{err: err}
	}
	defer mod.Close(ctx)

	s := runtime.NewStore(ctx, e, nil, nil)
	wasi := runtime.NewWASIConfig()
	wasi.InheritStdout()
	wasi.InheritStderr()
	s.SetWASI(wasi)

	l := linker.New(e)
	l.DefineWASI()

	inst, err := l.Instantiate(ctx, s.Context(), mod)
	if err != nil {
		_ = s.Close(ctx)
		_ = e.Close(ctx)
		return loadedMsg{err: err}
	}

	m.sess.engine = e
	m.sess.store = s
	m.sess.ctx = s.Context()
	m.sess.inst = inst

	var funcs []exportedFunc
	for _, exp := range mod.Exports() {
		if exp.Type.Kind() == value.ExternFunc {
			funcs = append(funcs, exportedFunc{name: exp.Name, typ: exp.Type.Func()})
		}
	}
	return loadedMsg{funcs: funcs}
}

func (m interactiveModel) callSelected() tea.Cmd {
	sel := m.selected
	inputs := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		inputs[i] = in.Value()
	}
	sess := m.sess

	return func() tea.Msg {
		args := make([]value.Val, len(sel.typ.Params()))
		for i, p := range sel.typ.Params() {
			v, err := parseVal(strings.TrimSpace(inputs[i]), p.Kind())
			if err != nil {
				return callResultMsg{err: err}
			}
			args[i] = v
		}

		ext, ok := sess.inst.ExportGet(sess.ctx, sel.name)
		if !ok {
			return callResultMsg{err: fmt.Errorf("export %q vanished", sel.name)}
		}
		f, _ := ext.AsFunc()

		results := make([]value.Val, len(sel.typ.Results()))
		if err := f.Call(context.Background(), sess.ctx, args, results); err != nil {
			return callResultMsg{err: err}
		}

		var out []string
		for _, r := range results {
			out = append(out, r.String())
		}
		if len(out) == 0 {
			out = append(out, "(no results)")
		}
		return callResultMsg{output: strings.Join(out, ", ")}
	}
}

func (m interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateShowResult
			return m, nil
		}
		m.funcs = msg.funcs
		if m.funcs == nil {
			m.funcs = []exportedFunc{}
		}
		m.state = stateSelectFunc
		return m, nil

	case callResultMsg:
		m.result = msg.output
		m.err = msg.err
		m.state = stateShowResult
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case stateSelectFunc:
			return m.updateSelect(msg)
		case stateInputArgs:
			return m.updateInputs(msg)
		case stateShowResult:
			return m.updateResult(msg)
		}
	}
	return m, nil
}

func (m interactiveModel) updateSelect(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.funcs)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.funcs) == 0 {
			return m, nil
		}
		m.selected = m.funcs[m.cursor]
		params := m.selected.typ.Params()
		if len(params) == 0 {
			m.state = stateShowResult
			m.result = ""
			m.err = nil
			return m, m.callSelected()
		}
		m.inputs = make([]textinput.Model, len(params))
		for i, p := range params {
			in := textinput.New()
			in.Placeholder = p.Kind().String()
			in.Prompt = fmt.Sprintf("arg%d (%s): ", i, p.Kind())
			in.CharLimit = 64
			if i == 0 {
				in.Focus()
			}
			m.inputs[i] = in
		}
		m.focused = 0
		m.state = stateInputArgs
	}
	return m, nil
}

func (m interactiveModel) updateInputs(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.state = stateSelectFunc
		return m, nil
	case "tab", "shift+tab", "down", "up":
		if msg.String() == "tab" || msg.String() == "down" {
			m.focused = (m.focused + 1) % len(m.inputs)
		} else {
			m.focused = (m.focused - 1 + len(m.inputs)) % len(m.inputs)
		}
		for i := range m.inputs {
			if i == m.focused {
				m.inputs[i].Focus()
			} else {
				m.inputs[i].Blur()
			}
		}
		return m, nil
	case "enter":
		m.state = stateShowResult
		m.result = ""
		m.err = nil
		return m, m.callSelected()
	}

	var cmd tea.Cmd
	m.inputs[m.focused], cmd = m.inputs[m.focused].Update(msg)
	return m, cmd
}

func (m interactiveModel) updateResult(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "esc", "enter":
		if m.funcs == nil {
			// Load failed; nothing to go back to.
			return m, tea.Quit
		}
		m.state = stateSelectFunc
		m.err = nil
		m.result = ""
	}
	return m, nil
}

func (m interactiveModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("wasm-run: " + m.wasmFile))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if m.funcs == nil {
			b.WriteString("Loading...\n")
			break
		}
		if len(m.funcs) == 0 {
			b.WriteString("No exported functions.\n")
			b.WriteString(helpStyle.Render("q: quit"))
			break
		}
		b.WriteString("Select a function:\n\n")
		for i, f := range m.funcs {
			line := funcStyle.Render(f.name) + typeStyle.Render(signatureString(f.typ))
			if i == m.cursor {
				line = selectedStyle.Render("> ") + line
			} else {
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("up/down: move, enter: select, q: quit"))

	case stateInputArgs:
		b.WriteString(fmt.Sprintf("Arguments for %s%s:\n\n",
			funcStyle.Render(m.selected.name),
			typeStyle.Render(signatureString(m.selected.typ))))
		for _, in := range m.inputs {
			b.WriteString(in.View() + "\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab: next field, enter: call, esc: back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "\n")
		} else if m.funcs == nil {
			b.WriteString("Loading...\n")
		} else {
			b.WriteString(fmt.Sprintf("%s = %s\n",
				funcStyle.Render(m.selected.name),
				resultStyle.Render(m.result)))
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter/esc: back, q: quit"))
	}

	b.WriteString("\n")
	return b.String()
}
