package gadget

import (
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// ValidationError pinpoints a schema mismatch by path, expected type, and
// the actual value observed, matching the executor's "schema-pinpointed
// error (path + expected + actual)" requirement.
type ValidationError struct {
	Path     string
	Expected string
	Actual   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %q: expected %s, got %v", e.Path, e.Expected, e.Actual)
}

// Coerce walks raw against schema and converts numeric- or boolean-looking
// string values into the type the schema declares for that key, exactly the
// schema-directed coercion described for the streaming parser: a
// numeric-looking string becomes a number only if the schema expects a
// number, "true"/"false" become a boolean only if the schema expects one.
// Coerce mutates a copy of raw and returns it; it never invents values for
// keys the schema does not declare.
func Coerce(schema *jsonschema.Schema, raw map[string]any) (map[string]any, error) {
	if schema == nil || schema.Properties == nil {
		return raw, nil
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		key, prop := pair.Key, pair.Value
		val, present := out[key]
		if !present {
			continue
		}
		coerced, err := coerceValue(key, prop, val)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}

	return out, nil
}

func coerceValue(path string, prop *jsonschema.Schema, val any) (any, error) {
	str, isString := val.(string)
	if !isString {
		return val, nil
	}

	switch prop.Type {
	case "number":
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, &ValidationError{Path: path, Expected: "number", Actual: val}
		}
		return f, nil
	case "integer":
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, &ValidationError{Path: path, Expected: "integer", Actual: val}
		}
		return n, nil
	case "boolean":
		switch str {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, &ValidationError{Path: path, Expected: "boolean", Actual: val}
		}
	default:
		return val, nil
	}
}

// Decode does not consult a schema: it decodes raw into dst using
// mapstructure with weakly-typed input enabled, so
// "2" decodes into an int field and "true" into a bool field the same way
// Coerce would, driven by the destination struct's own field types instead
// of an explicit schema document.
func Decode(raw map[string]any, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		TagName:          "json",
		ErrorUnused:      false,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return &ValidationError{Path: "", Expected: "schema-conformant parameters", Actual: err.Error()}
	}
	return nil
}
