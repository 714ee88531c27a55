// Package runtime provides the store-scoped execution surface of the engine:
// stores and contexts, compiled modules, instances, typed and raw function
// calls, host functions, async futures, fuel and epoch metering, and traps.
//
// A Store owns every runtime entity it creates. Handles (Func, Global, Table,
// Memory, Instance) are small copyable values tied to their store by id; using
// a handle with a Context from another store is a contract error, never
// undefined behavior. Stores are not safe for concurrent use; ownership may
// move between goroutines serially.
package runtime
