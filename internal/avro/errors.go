package avro

import (
	"encoding/json"
	"fmt"

	"github.com/weaver/Toji/internal/errors"
)

func badSchema(reason string, s Schema) *errors.Error {
	return errors.Newf(errors.KindBadSchema, "bad schema, %s: %s", reason, show(s)).
		WithReason(reason)
}

func nameError(name, reason string, s Schema) *errors.Error {
	return errors.Newf(errors.KindName, "%s, %s: %s", name, reason, show(s)).
		WithReason(reason).
		WithDetail("name", name)
}

// NewInvalid returns an Invalid error for a value rejected by the named type.
func NewInvalid(typeName, reason string, value any) *errors.Error {
	r := reason + ": " + show(value)
	return errors.Newf(errors.KindInvalid, "%s, %s", typeName, r).
		WithReason(r).
		WithDetail("type", typeName)
}

// NewInvalidField attributes a validation error to a field.
func NewInvalidField(f *Field, err error) *errors.Error {
	reason := errors.Message(err)
	return errors.Newf(errors.KindInvalidField, "%s: %s", f.FullName(), reason).
		WithReason(reason).
		WithDetail("field", f.FullName())
}

func show(v any) string {
	if r, ok := v.(*Record); ok {
		return r.String()
	}
	if t, ok := v.(Type); ok {
		return t.Name()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
