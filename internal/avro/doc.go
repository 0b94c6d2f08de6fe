// Package avro implements an Avro-like type system over JSON-shaped values.
//
// Schemas are declared as plain Go values: a string names a primitive or a
// previously defined type, a map[string]any tagged with "type" declares a
// record, array or map, and a []any declares a union. A Registry compiles a
// schema into a Type in two phases so records may refer to themselves by name.
//
// Types convert between three representations:
//
//   - runtime values: nil, bool, int64, float64, string, []any,
//     map[string]any and *Record;
//   - the storage form produced by DumpJSON, where non-null union values are
//     boxed as {"member": value};
//   - the public form produced by ExportJSON, which hides non-readable fields
//     and unboxes optional values.
//
// A Registry is meant to be created once at process start and shared. Define
// and Get are safe for concurrent use; compiled Types are immutable except for
// field type changes made while a model is being configured.
package avro
