package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	commands "aep-command/internal/commands/domain"

	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	fieldServiceIdentifier  = "serviceIdentifier"
	fieldInputSchema        = "inputSchema"
	fieldAepContentTemplate = "aepContentTemplate"
)

// inputMetaSchema restricts inputSchema to the subset the platform renders.
const inputMetaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "properties", "additionalProperties"],
  "properties": {
    "type": {"const": "object"},
    "properties": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["string", "integer", "boolean", "object", "array", "double"]}
        }
      }
    },
    "required": {"type": "array", "items": {"type": "string"}},
    "additionalProperties": {"const": false}
  }
}`

// Validator checks payload schema documents and command args.
type Validator struct {
	meta *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator constructs a validator with the input meta-schema compiled.
func NewValidator() *Validator {
	return &Validator{
		meta:  jsonschema.MustCompileString("mem://commands/input-meta.json", inputMetaSchema),
		cache: make(map[string]*jsonschema.Schema),
	}
}

// ValidateSchema checks a payload schema document declared for serviceIdentifier.
func (v *Validator) ValidateSchema(doc json.RawMessage, serviceIdentifier string) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil || top == nil {
		return commands.NewValidationError(commands.ErrSchemaMissingField, "", "payload schema must be a JSON object")
	}

	var missing []string
	for _, field := range []string{fieldServiceIdentifier, fieldInputSchema, fieldAepContentTemplate} {
		raw, ok := top[field]
		if !ok || isNull(raw) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return commands.NewValidationError(commands.ErrSchemaMissingField, strings.Join(missing, ","), "")
	}

	var declared string
	if err := json.Unmarshal(top[fieldServiceIdentifier], &declared); err != nil || declared != serviceIdentifier {
		return commands.NewValidationError(commands.ErrSchemaServiceIdentifierMismatch, fieldServiceIdentifier,
			fmt.Sprintf("document=%s declared=%s", strings.TrimSpace(string(top[fieldServiceIdentifier])), serviceIdentifier))
	}

	properties, err := v.checkInputSchema(top[fieldInputSchema])
	if err != nil {
		return err
	}
	return checkTemplate(top[fieldAepContentTemplate], properties)
}

// ValidateArgs validates args against an input schema, aggregating every violation.
func (v *Validator) ValidateArgs(args json.RawMessage, inputSchema json.RawMessage) error {
	compiled, err := v.compileInput(inputSchema)
	if err != nil {
		return commands.NewValidationError(commands.ErrInputSchemaFormat, fieldInputSchema, err.Error())
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	instance, err := decode(args)
	if err != nil {
		return commands.NewValidationError(commands.ErrArgsValidation, "", "args are not valid json: "+err.Error())
	}
	if err := compiled.Validate(instance); err != nil {
		return commands.NewValidationError(commands.ErrArgsValidation, "", describe(err))
	}
	return nil
}

// InputSchema extracts inputSchema from a stored payload schema.
func InputSchema(payloadSchema json.RawMessage) (json.RawMessage, error) {
	doc, err := commands.DecodePayloadSchema(payloadSchema)
	if err != nil {
		return nil, commands.NewValidationError(commands.ErrSchemaMissingField, fieldInputSchema, err.Error())
	}
	if isNull(doc.InputSchema) {
		return nil, commands.NewValidationError(commands.ErrSchemaMissingField, fieldInputSchema, "")
	}
	return doc.InputSchema, nil
}

// checkInputSchema runs the meta-schema and returns the declared property names.
func (v *Validator) checkInputSchema(raw json.RawMessage) (map[string]struct{}, error) {
	instance, err := decode(raw)
	if err != nil {
		return nil, commands.NewValidationError(commands.ErrInputSchemaFormat, fieldInputSchema, err.Error())
	}

	var result *multierror.Error
	if err := v.meta.Validate(instance); err != nil {
		for _, msg := range leafMessages(err) {
			result = multierror.Append(result, errors.New(msg))
		}
	}

	properties := map[string]struct{}{}
	obj, _ := instance.(map[string]any)
	if props, ok := obj["properties"].(map[string]any); ok {
		for name := range props {
			properties[name] = struct{}{}
		}
	}
	if required, ok := obj["required"].([]any); ok {
		for _, entry := range required {
			name, ok := entry.(string)
			if !ok {
				continue
			}
			if _, exists := properties[name]; !exists {
				result = multierror.Append(result, fmt.Errorf("/required: %q is not declared in properties", name))
			}
		}
	}

	if result != nil {
		result.ErrorFormat = joinErrors
		return nil, commands.NewValidationError(commands.ErrInputSchemaFormat, fieldInputSchema, result.Error())
	}
	return properties, nil
}

func (v *Validator) compileInput(raw json.RawMessage) (*jsonschema.Schema, error) {
	instance, err := decode(raw)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(translateDouble(instance))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(normalized)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	cached := v.cache[key]
	v.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	url := "mem://commands/input/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(url, bytes.NewReader(normalized)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// translateDouble maps the platform's "double" type onto JSON-Schema "number".
func translateDouble(node any) any {
	switch value := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			if key == "type" {
				if name, ok := child.(string); ok && name == "double" {
					out[key] = "number"
					continue
				}
				if names, ok := child.([]any); ok {
					mapped := make([]any, len(names))
					for i, name := range names {
						if name == "double" {
							mapped[i] = "number"
						} else {
							mapped[i] = name
						}
					}
					out[key] = mapped
					continue
				}
			}
			out[key] = translateDouble(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = translateDouble(child)
		}
		return out
	default:
		return node
	}
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// describe flattens a validation error into one aggregated message.
func describe(err error) string {
	var result *multierror.Error
	for _, msg := range leafMessages(err) {
		result = multierror.Append(result, errors.New(msg))
	}
	if result == nil {
		return err.Error()
	}
	result.ErrorFormat = joinErrors
	return result.Error()
}

func leafMessages(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			out = append(out, location+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
