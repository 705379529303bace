package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	commands "aep-command/internal/commands/domain"
)

var placeholderPattern = regexp.MustCompile(`\$\{args\.([^}]+)\}`)

// Placeholders returns the distinct ${args.<field>} names used in a template, sorted.
func Placeholders(template json.RawMessage) ([]string, error) {
	node, err := decode(template)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	collectPlaceholders(node, seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func collectPlaceholders(node any, seen map[string]struct{}) {
	switch value := node.(type) {
	case map[string]any:
		for key, child := range value {
			collectFromString(key, seen)
			collectPlaceholders(child, seen)
		}
	case []any:
		for _, child := range value {
			collectPlaceholders(child, seen)
		}
	case string:
		collectFromString(value, seen)
	}
}

func collectFromString(value string, seen map[string]struct{}) {
	for _, match := range placeholderPattern.FindAllStringSubmatch(value, -1) {
		seen[match[1]] = struct{}{}
	}
}

func checkTemplate(raw json.RawMessage, properties map[string]struct{}) error {
	node, err := decode(raw)
	if err != nil {
		return commands.NewValidationError(commands.ErrTemplateFormat, fieldAepContentTemplate, err.Error())
	}
	if _, ok := node.(map[string]any); !ok {
		return commands.NewValidationError(commands.ErrTemplateFormat, fieldAepContentTemplate, "")
	}
	seen := map[string]struct{}{}
	collectPlaceholders(node, seen)

	var dangling []string
	for name := range seen {
		if _, ok := properties[name]; !ok {
			dangling = append(dangling, name)
		}
	}
	if len(dangling) == 0 {
		return nil
	}
	sort.Strings(dangling)
	return commands.NewValidationError(commands.ErrTemplateFieldNotFound, dangling[0],
		"undeclared placeholders: "+strings.Join(dangling, ","))
}

// RenderTemplate substitutes ${args.<field>} placeholders with values from args.
// A string that is exactly one placeholder takes the argument's JSON type; a
// placeholder embedded in a longer string is replaced by the value's text.
// Missing args render as null or the empty string.
func RenderTemplate(template json.RawMessage, args json.RawMessage) (json.RawMessage, error) {
	node, err := decode(template)
	if err != nil {
		return nil, fmt.Errorf("schema: decode template: %w", err)
	}
	values := map[string]any{}
	if !isNull(args) {
		decoded, err := decode(args)
		if err != nil {
			return nil, fmt.Errorf("schema: decode args: %w", err)
		}
		if obj, ok := decoded.(map[string]any); ok {
			values = obj
		}
	}
	return json.Marshal(render(node, values))
}

func render(node any, values map[string]any) any {
	switch value := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[renderString(key, values)] = render(child, values)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = render(child, values)
		}
		return out
	case string:
		if match := placeholderPattern.FindStringSubmatch(value); match != nil && match[0] == value {
			return values[match[1]]
		}
		return renderString(value, values)
	default:
		return node
	}
}

func renderString(value string, values map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(value, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		arg, ok := values[name]
		if !ok || arg == nil {
			return ""
		}
		switch typed := arg.(type) {
		case string:
			return typed
		case json.Number:
			return typed.String()
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return ""
			}
			return string(encoded)
		}
	})
}
