package schema

import (
	"encoding/json"
	"errors"
	"testing"

	commands "aep-command/internal/commands/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pressureSchema = `{
  "serviceIdentifier": "setPressureLimit",
  "inputSchema": {
    "type": "object",
    "properties": {
      "limit": {"type": "double"},
      "unit": {"type": "string"},
      "channel": {"type": "integer"},
      "enabled": {"type": "boolean"}
    },
    "required": ["limit", "channel"],
    "additionalProperties": false
  },
  "aepContentTemplate": {
    "serviceIdentifier": "setPressureLimit",
    "params": {"limit": "${args.limit}", "label": "ch-${args.channel} ${args.unit}"}
  }
}`

func TestValidateSchema_Valid(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.ValidateSchema(json.RawMessage(pressureSchema), "setPressureLimit"))
}

func TestValidateSchema_MissingFields(t *testing.T) {
	v := NewValidator()
	for _, field := range []string{"serviceIdentifier", "inputSchema", "aepContentTemplate"} {
		t.Run(field, func(t *testing.T) {
			doc := mustObject(t, pressureSchema)
			delete(doc, field)
			err := v.ValidateSchema(mustJSON(t, doc), "setPressureLimit")
			require.Error(t, err)
			assert.True(t, errors.Is(err, commands.ErrSchemaMissingField), "got %v", err)
			assert.True(t, errors.Is(err, commands.ErrValidation))
			var verr *commands.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Field, field)
		})
	}
}

func TestValidateSchema_NullFieldCountsAsMissing(t *testing.T) {
	v := NewValidator()
	doc := mustObject(t, pressureSchema)
	doc["inputSchema"] = nil
	err := v.ValidateSchema(mustJSON(t, doc), "setPressureLimit")
	assert.True(t, errors.Is(err, commands.ErrSchemaMissingField), "got %v", err)
}

func TestValidateSchema_ServiceIdentifierMismatch(t *testing.T) {
	v := NewValidator()
	err := v.ValidateSchema(json.RawMessage(pressureSchema), "setFlowLimit")
	assert.True(t, errors.Is(err, commands.ErrSchemaServiceIdentifierMismatch), "got %v", err)
}

func TestValidateSchema_InputSchemaFormat(t *testing.T) {
	cases := map[string]string{
		"wrong type":          `{"type":"array","properties":{"a":{"type":"string"}},"additionalProperties":false}`,
		"empty properties":    `{"type":"object","properties":{},"additionalProperties":false}`,
		"unknown field type":  `{"type":"object","properties":{"a":{"type":"float"}},"additionalProperties":false}`,
		"descriptor no type":  `{"type":"object","properties":{"a":{"description":"x"}},"additionalProperties":false}`,
		"additional allowed":  `{"type":"object","properties":{"a":{"type":"string"}},"additionalProperties":true}`,
		"additional missing":  `{"type":"object","properties":{"a":{"type":"string"}}}`,
		"required undeclared": `{"type":"object","properties":{"a":{"type":"string"}},"required":["a","b"],"additionalProperties":false}`,
		"required not array":  `{"type":"object","properties":{"a":{"type":"string"}},"required":"a","additionalProperties":false}`,
		"not an object":       `"object"`,
	}
	v := NewValidator()
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			doc := map[string]any{
				"serviceIdentifier":  "svc",
				"inputSchema":        json.RawMessage(input),
				"aepContentTemplate": map[string]any{"k": "v"},
			}
			err := v.ValidateSchema(mustJSON(t, doc), "svc")
			assert.True(t, errors.Is(err, commands.ErrInputSchemaFormat), "got %v", err)
		})
	}
}

func TestValidateSchema_AggregatesInputSchemaViolations(t *testing.T) {
	v := NewValidator()
	doc := map[string]any{
		"serviceIdentifier":  "svc",
		"inputSchema":        json.RawMessage(`{"type":"array","properties":{"a":{"type":"string"}},"required":["zzz"],"additionalProperties":true}`),
		"aepContentTemplate": map[string]any{},
	}
	err := v.ValidateSchema(mustJSON(t, doc), "svc")
	var verr *commands.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Detail, "/type")
	assert.Contains(t, verr.Detail, "/additionalProperties")
	assert.Contains(t, verr.Detail, `"zzz"`)
}

func TestValidateSchema_TemplateFieldNotFound(t *testing.T) {
	templates := []string{
		`{"params":{"x":"${args.missing}"}}`,
		`{"params":["${args.limit}", {"deep":"prefix ${args.ghost} suffix"}]}`,
		`{"${args.phantom}": 1}`,
	}
	v := NewValidator()
	for _, tpl := range templates {
		doc := mustObject(t, pressureSchema)
		doc["aepContentTemplate"] = json.RawMessage(tpl)
		err := v.ValidateSchema(mustJSON(t, doc), "setPressureLimit")
		assert.True(t, errors.Is(err, commands.ErrTemplateFieldNotFound), "template %s: got %v", tpl, err)
	}
}

func TestValidateSchema_TemplateMustBeObject(t *testing.T) {
	v := NewValidator()
	for _, tpl := range []string{`"${args.limit}"`, `["${args.limit}"]`, `42`} {
		doc := mustObject(t, pressureSchema)
		doc["aepContentTemplate"] = json.RawMessage(tpl)
		err := v.ValidateSchema(mustJSON(t, doc), "setPressureLimit")
		assert.True(t, errors.Is(err, commands.ErrTemplateFormat), "template %s: got %v", tpl, err)
	}
}

func TestValidateArgs_RoundTrip(t *testing.T) {
	v := NewValidator()
	input := mustInputSchema(t)

	require.NoError(t, v.ValidateArgs(json.RawMessage(`{"limit": 12.5, "channel": 3, "unit": "bar", "enabled": true}`), input))
	require.NoError(t, v.ValidateArgs(json.RawMessage(`{"limit": 10, "channel": 1}`), input))

	flipped := map[string]string{
		"limit":   `{"limit": "high", "channel": 3}`,
		"channel": `{"limit": 1.5, "channel": 2.5}`,
	}
	for field, args := range flipped {
		err := v.ValidateArgs(json.RawMessage(args), input)
		assert.True(t, errors.Is(err, commands.ErrArgsValidation), "field %s: got %v", field, err)
	}
}

func TestValidateArgs_AggregatesViolations(t *testing.T) {
	v := NewValidator()
	err := v.ValidateArgs(json.RawMessage(`{"unit": 5, "extra": true}`), mustInputSchema(t))
	var verr *commands.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, commands.ErrArgsValidation, verr.Kind)
	assert.Contains(t, verr.Detail, "limit")
	assert.Contains(t, verr.Detail, "channel")
	assert.Contains(t, verr.Detail, "/unit")
	assert.Contains(t, verr.Detail, "extra")
}

func TestValidateArgs_RejectsInvalidJSON(t *testing.T) {
	v := NewValidator()
	err := v.ValidateArgs(json.RawMessage(`{"limit":`), mustInputSchema(t))
	assert.True(t, errors.Is(err, commands.ErrArgsValidation), "got %v", err)
}

func TestValidateArgs_CachesCompiledSchema(t *testing.T) {
	v := NewValidator()
	input := mustInputSchema(t)
	require.NoError(t, v.ValidateArgs(json.RawMessage(`{"limit": 1, "channel": 1}`), input))
	require.NoError(t, v.ValidateArgs(json.RawMessage(`{"limit": 2, "channel": 2}`), input))
	assert.Len(t, v.cache, 1)
}

func mustInputSchema(t *testing.T) json.RawMessage {
	t.Helper()
	input, err := InputSchema(json.RawMessage(pressureSchema))
	require.NoError(t, err)
	return input
}

func mustObject(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	return data
}
