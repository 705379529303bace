package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation groups every schema, template and argument validation failure.
	ErrValidation = errors.New("commands: validation failed")
	// ErrSchemaMissingField is returned when a payload schema lacks a top-level field.
	ErrSchemaMissingField = errors.New("commands: payload schema missing field")
	// ErrSchemaServiceIdentifierMismatch is returned when the schema names another service.
	ErrSchemaServiceIdentifierMismatch = errors.New("commands: payload schema service identifier mismatch")
	// ErrInputSchemaFormat is returned when inputSchema violates the meta-schema.
	ErrInputSchemaFormat = errors.New("commands: input schema format error")
	// ErrTemplateFormat is returned when aepContentTemplate is not a JSON object.
	ErrTemplateFormat = errors.New("commands: aep content template must be an object")
	// ErrTemplateFieldNotFound is returned when a template placeholder names an unknown field.
	ErrTemplateFieldNotFound = errors.New("commands: template field not found")
	// ErrArgsValidation is returned when command args do not satisfy the input schema.
	ErrArgsValidation = errors.New("commands: args validation failed")

	// ErrNotFound indicates a missing metadata, task or execution record.
	ErrNotFound = errors.New("commands: not found")
	// ErrIllegalStateTransition indicates the requested status is unreachable from the current one.
	ErrIllegalStateTransition = errors.New("commands: illegal state transition")
	// ErrStateTransitionFailed indicates a conditional update matched no row.
	ErrStateTransitionFailed = errors.New("commands: state transition failed")
	// ErrExternalDispatch indicates the device command gateway rejected or failed the call.
	ErrExternalDispatch = errors.New("commands: external dispatch failed")
)

// ValidationError carries the validation kind and an aggregated message.
type ValidationError struct {
	Kind   error
	Field  string
	Detail string
}

// NewValidationError constructs a validation error of the given kind.
func NewValidationError(kind error, field, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Detail: detail}
}

func (e *ValidationError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += ": field=" + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap lets errors.Is match both the kind and ErrValidation.
func (e *ValidationError) Unwrap() []error {
	return []error{e.Kind, ErrValidation}
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalStateTransition.Error(), e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}
