package avro

import (
	"math"
)

type primitive struct {
	kind      Kind
	valid     func(any) bool
	normalize func(any) any
}

var primitives = []*primitive{
	{kind: KindNull, valid: func(v any) bool { return v == nil }},
	{kind: KindBoolean, valid: func(v any) bool { _, ok := v.(bool); return ok }},
	{kind: KindString, valid: func(v any) bool { _, ok := v.(string); return ok }},
	{kind: KindInt, valid: isInt, normalize: normalizeInt},
	{kind: KindLong, valid: isLong, normalize: normalizeInt},
	{kind: KindFloat, valid: isFloat, normalize: normalizeFloat},
	{kind: KindDouble, valid: isDouble, normalize: normalizeFloat},
}

func isInt(v any) bool {
	i, ok := asInt64(v)
	return ok && i >= math.MinInt32 && i <= math.MaxInt32
}

func isLong(v any) bool {
	_, ok := asInt64(v)
	return ok
}

// isFloat accepts both infinities and finite values within float32 range.
func isFloat(v any) bool {
	f, ok := asFloat64(v)
	if !ok || math.IsNaN(f) {
		return false
	}
	return math.IsInf(f, 0) || math.Abs(f) <= math.MaxFloat32
}

func isDouble(v any) bool {
	f, ok := asFloat64(v)
	return ok && !math.IsNaN(f)
}

func normalizeInt(v any) any {
	i, _ := asInt64(v)
	return i
}

func normalizeFloat(v any) any {
	f, _ := asFloat64(v)
	return f
}

func (p *primitive) Name() string {
	return string(p.kind)
}

func (p *primitive) Kind() Kind {
	return p.kind
}

func (p *primitive) Schema() Schema {
	return string(p.kind)
}

func (p *primitive) IsValid(v any) bool {
	return p.valid(v)
}

func (p *primitive) Validate(v any) error {
	if !p.valid(v) {
		return NewInvalid(p.Name(), "expected `"+p.Name()+"`", v)
	}
	return nil
}

func (p *primitive) Coerce(v any) (any, error) {
	if err := p.Validate(v); err != nil {
		return nil, err
	}
	if p.normalize != nil {
		return p.normalize(v), nil
	}
	return v, nil
}

func (p *primitive) LoadJSON(v any) (any, error) {
	return p.Coerce(v)
}

func (p *primitive) DumpJSON(v any) (any, error) {
	return p.Coerce(v)
}

func (p *primitive) ExportJSON(v any) (any, error) {
	return p.Coerce(v)
}

func (p *primitive) String() string {
	return p.Name()
}
