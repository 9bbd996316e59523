package gatesync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const statusUpdateSchema = `{
	"type": "object",
	"properties": {
		"from": {"enum": ["pending", "arrived", "waiting", "in_progress", "completed", "cancelled"]},
		"to": {"enum": ["pending", "arrived", "waiting", "in_progress", "completed", "cancelled"]}
	},
	"required": ["to"]
}`

const assignRampSchema = `{
	"type": "object",
	"properties": {
		"ramp": {"type": "string", "minLength": 1}
	},
	"required": ["ramp"]
}`

const addNoteSchema = `{
	"type": "object",
	"properties": {
		"author": {"type": "string"},
		"text": {"type": "string", "minLength": 1}
	},
	"required": ["text"]
}`

const uploadFileSchema = `{
	"type": "object",
	"properties": {
		"filename": {"type": "string", "minLength": 1},
		"contentType": {"type": "string"},
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["filename", "content"]
}`

// CommandValidator checks command payload shapes before anything is queued.
type CommandValidator struct {
	schemas map[CommandKind]*jsonschema.Schema
}

func NewCommandValidator() (*CommandValidator, error) {
	sources := map[CommandKind]string{
		CommandStatusUpdate: statusUpdateSchema,
		CommandAssignRamp:   assignRampSchema,
		CommandAddNote:      addNoteSchema,
		CommandUploadFile:   uploadFileSchema,
	}
	compiler := jsonschema.NewCompiler()
	for kind, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(schemaURL(kind), doc); err != nil {
			return nil, err
		}
	}
	schemas := make(map[CommandKind]*jsonschema.Schema, len(sources))
	for kind := range sources {
		schema, err := compiler.Compile(schemaURL(kind))
		if err != nil {
			return nil, err
		}
		schemas[kind] = schema
	}
	return &CommandValidator{schemas: schemas}, nil
}

func schemaURL(kind CommandKind) string {
	return fmt.Sprintf("gatesync://commands/%s.json", kind)
}

// Validate rejects a structurally malformed command. The error wraps
// ErrInvalidInput; nothing has been persisted when it is returned.
func (v *CommandValidator) Validate(cmd SyncCommand) error {
	if strings.TrimSpace(cmd.CommandID) == "" {
		return fmt.Errorf("%w: missing commandId", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.TargetVisitID) == "" {
		return fmt.Errorf("%w: missing targetVisitId", ErrInvalidInput)
	}
	if !ValidCommandKind(cmd.Kind) {
		return fmt.Errorf("%w: unknown command kind %q", ErrInvalidInput, cmd.Kind)
	}
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidInput)
	}
	schema, ok := v.schemas[cmd.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown command kind %q", ErrInvalidInput, cmd.Kind)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(cmd.Payload))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
