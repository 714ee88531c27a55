package wasmbin

// RewriteImports returns a copy of the module with every import renamed
// through the rename callback. The callback receives the import's position
// and original module and item names and returns the replacement pair.
// Sections other than the import section are copied byte for byte, so the
// result stays valid whenever the input was.
func RewriteImports(wasm []byte, rename func(i int, module, name string) (string, string)) ([]byte, error) {
	if len(wasm) < len(header) {
		return nil, malformed("module too short")
	}
	for i, b := range header {
		if wasm[i] != b {
			return nil, malformed("bad magic or version")
		}
	}

	out := make([]byte, 0, len(wasm)+64)
	out = append(out, header...)

	r := &reader{buf: wasm, pos: len(header)}
	for r.len() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(size)
		if err != nil {
			return nil, err
		}

		if id != secImport {
			out = append(out, id)
			out = AppendU32(out, size)
			out = append(out, body...)
			continue
		}

		rebuilt, err := rewriteImportSection(body, rename)
		if err != nil {
			return nil, err
		}
		out = append(out, secImport)
		out = AppendU32(out, uint32(len(rebuilt)))
		out = append(out, rebuilt...)
	}
	return out, nil
}

func rewriteImportSection(body []byte, rename func(i int, module, name string) (string, string)) ([]byte, error) {
	r := &reader{buf: body}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}

	out := AppendU32(nil, n)
	for i := uint32(0); i < n; i++ {
		mod, err := r.name()
		if err != nil {
			return nil, err
		}
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		descStart := r.pos
		if err := skipImportDesc(r); err != nil {
			return nil, err
		}

		newMod, newName := rename(int(i), mod, name)
		out = AppendU32(out, uint32(len(newMod)))
		out = append(out, newMod...)
		out = AppendU32(out, uint32(len(newName)))
		out = append(out, newName...)
		out = append(out, r.buf[descStart:r.pos]...)
	}
	return out, nil
}

func skipImportDesc(r *reader) error {
	kind, err := r.byte()
	if err != nil {
		return err
	}
	switch kind {
	case KindFunc:
		_, err = r.u32()
		return err
	case KindTable:
		if _, err = r.byte(); err != nil {
			return err
		}
		_, err = r.limits()
		return err
	case KindMemory:
		_, err = r.limits()
		return err
	case KindGlobal:
		if _, err = r.byte(); err != nil {
			return err
		}
		_, err = r.byte()
		return err
	default:
		return malformed("unknown import kind")
	}
}
