package avro

import (
	"encoding/json"
	"strconv"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes the public form of t. Records are emitted once under
// $defs and referenced by name, which keeps self-referencing records finite.
func JSONSchema(t Type) *jsonschema.Schema {
	g := schemaGen{defs: jsonschema.Definitions{}}
	root := g.schema(t)
	root.Version = jsonschema.Version
	if len(g.defs) > 0 {
		root.Definitions = g.defs
	}
	return root
}

type schemaGen struct {
	defs jsonschema.Definitions
}

func (g *schemaGen) schema(t Type) *jsonschema.Schema {
	switch t.Kind() {
	case KindNull:
		return &jsonschema.Schema{Type: "null"}
	case KindBoolean:
		return &jsonschema.Schema{Type: "boolean"}
	case KindString:
		return &jsonschema.Schema{Type: "string"}
	case KindInt:
		return &jsonschema.Schema{
			Type:    "integer",
			Minimum: json.Number(strconv.Itoa(-1 << 31)),
			Maximum: json.Number(strconv.Itoa(1<<31 - 1)),
		}
	case KindLong:
		return &jsonschema.Schema{Type: "integer"}
	case KindFloat, KindDouble:
		return &jsonschema.Schema{Type: "number"}
	case KindArray:
		return &jsonschema.Schema{Type: "array", Items: g.schema(t.(*ArrayType).items)}
	case KindMap:
		return &jsonschema.Schema{Type: "object", AdditionalProperties: g.schema(t.(*MapType).values)}
	case KindUnion:
		s := &jsonschema.Schema{}
		for _, m := range t.(*UnionType).members {
			if m.typ.Kind() == KindNull {
				s.AnyOf = append(s.AnyOf, &jsonschema.Schema{Type: "null"})
				continue
			}
			props := jsonschema.NewProperties()
			props.Set(m.name, g.schema(m.typ))
			s.AnyOf = append(s.AnyOf, &jsonschema.Schema{
				Type:                 "object",
				Properties:           props,
				Required:             []string{m.name},
				AdditionalProperties: jsonschema.FalseSchema,
			})
		}
		return s
	case KindRecord:
		rt := t.(*RecordType)
		if _, ok := g.defs[rt.name]; !ok {
			// Placeholder first so recursive references terminate.
			def := &jsonschema.Schema{Type: "object", Title: rt.name}
			g.defs[rt.name] = def
			def.Properties = jsonschema.NewProperties()
			for _, f := range rt.fields {
				if !f.Readable() {
					continue
				}
				fs := g.field(f)
				if f.IsRef() || f.IsArrayRef() {
					fs.Description = "references " + f.References()
				}
				if d, ok := f.Default(); ok {
					fs.Default = d
				}
				def.Properties.Set(f.name, fs)
				if u, ok := f.typ.(*UnionType); !ok || !u.HasNull() {
					def.Required = append(def.Required, f.name)
				}
			}
		}
		return &jsonschema.Schema{Ref: "#/$defs/" + rt.name}
	}
	return &jsonschema.Schema{}
}

// field describes a field value. Fields export a union with a single
// non-null member unboxed; unions anywhere else stay boxed.
func (g *schemaGen) field(f *Field) *jsonschema.Schema {
	u, ok := f.typ.(*UnionType)
	if !ok {
		return g.schema(f.typ)
	}
	p, ok := u.Primary()
	if !ok {
		return g.schema(u)
	}
	if !u.HasNull() {
		return g.schema(p)
	}
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{g.schema(p), {Type: "null"}}}
}
