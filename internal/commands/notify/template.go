package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Command {{.EventLabel}}]
Service: {{.Service}}
Pipeline: {{.PipelineID}}
Device: {{.DeviceID}}
AEP Task: {{.AepTaskID}}
Status: {{.From}} -> {{.To}}
Time: {{.OccurredAt}}
{{ if .ErrorMsg }}Error: {{.ErrorMsg}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event       string
	EventLabel  string
	TenantID    string
	PipelineID  int64
	Service     string
	DeviceID    int64
	TaskID      int64
	ExecutionID int64
	AepTaskID   string
	From        string
	To          string
	ErrorMsg    string
	OccurredAt  string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("command-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("command template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
