package avro

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/valyala/fastjson"
)

var parsers fastjson.ParserPool

// ParseJSON decodes data into the dynamic value tree used by LoadJSON.
// Integral numbers become int64, other numbers float64. A number outside the
// float64 range is kept as a json.Number so that validation rejects it
// instead of seeing an infinity.
func ParseJSON(data []byte) (any, error) {
	p := parsers.Get()
	defer parsers.Put(p)
	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return fromFastJSON(v), nil
}

func fromFastJSON(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeNull:
		return nil
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		raw := v.String()
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return json.Number(raw)
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = fromFastJSON(item)
		}
		return out
	case fastjson.TypeObject:
		o := v.GetObject()
		out := make(map[string]any, o.Len())
		o.Visit(func(k []byte, item *fastjson.Value) {
			out[string(k)] = fromFastJSON(item)
		})
		return out
	}
	return nil
}
