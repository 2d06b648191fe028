package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/google/jsonschema-go/jsonschema"
	sjson "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// violationPrinter renders validation error kinds as plain English.
var violationPrinter = message.NewPrinter(language.English)

// SchemaFor captures the input schema of a typed args struct. Field names,
// requiredness and enums come from the struct's jsonschema tags, the same
// way the MCP SDK derives them for the wire catalog.
func SchemaFor[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("registry: schema inference: %v", err))
	}
	return schema
}

// prepareSchema renders the schema to canonical JSON, hashes it, and
// compiles a validator from the same bytes, so the catalog hash and the
// validation behavior can never drift apart.
func prepareSchema(schema *jsonschema.Schema) (hash string, compiled *sjson.Schema, err error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", nil, err
	}

	sum := sha256.Sum256(canonical)
	hash = hex.EncodeToString(sum[:])

	doc, err := sjson.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse schema for validation: %w", err)
	}
	compiler := sjson.NewCompiler()
	if err := compiler.AddResource("inline://input-schema.json", doc); err != nil {
		return "", nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err = compiler.Compile("inline://input-schema.json")
	if err != nil {
		return "", nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return hash, compiled, nil
}

// canonicalJSON re-encodes JSON with sorted object keys so the schema hash
// does not depend on marshal ordering.
func canonicalJSON(raw []byte) ([]byte, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to canonicalize schema: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// ValidateArgs checks args against the tool's compiled schema, collecting
// every violation rather than stopping at the first.
func (t *Tool) ValidateArgs(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	// The validator wants plain decoded-JSON values; round-tripping strips
	// any typed values callers smuggled in.
	value, err := toJSONValue(args)
	if err != nil {
		return err
	}
	if err := t.compiled.Validate(value); err != nil {
		violations := collectViolations(err)
		if len(violations) == 0 {
			violations = []brokererrors.FieldViolation{{Field: "", Message: err.Error()}}
		}
		return &brokererrors.ValidationError{Violations: violations}
	}
	return nil
}

func toJSONValue(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	return sjson.UnmarshalJSON(bytes.NewReader(raw))
}

// collectViolations flattens a validation error tree into per-field entries.
func collectViolations(err error) []brokererrors.FieldViolation {
	verr, ok := err.(*sjson.ValidationError)
	if !ok {
		return nil
	}
	var out []brokererrors.FieldViolation
	var walk func(e *sjson.ValidationError)
	walk = func(e *sjson.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, brokererrors.FieldViolation{
				Field:   "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.ErrorKind.LocalizedString(violationPrinter),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
