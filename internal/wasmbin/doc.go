// Package wasmbin reads and rewrites just enough of the WebAssembly binary
// format for the runtime's needs: import and export descriptors for linking,
// import renaming for per-instantiation binding, and a small module builder
// used by tests. Full decoding and validation stay with the execution engine.
package wasmbin
