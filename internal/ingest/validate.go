// Package ingest is the validation boundary for telemetry: raw bodies are
// checked against a JSON schema per event kind and decoded into typed
// payloads before the engine sees them.
package ingest

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError names the offending field. It matches ErrInvalidPayload
// under errors.Is.
type ValidationError struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

type Validator struct {
	schemas map[model.EventKind]*jsonschema.Schema
}

// NewValidator compiles the embedded schema of every event kind.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.LoadURL = func(u string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("remote schema refs are not allowed: %s", u)
	}
	v := &Validator{schemas: map[model.EventKind]*jsonschema.Schema{}}
	for _, k := range model.AllKinds {
		name := k.Topic() + ".json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[k] = s
	}
	return v, nil
}

// Validate checks raw against the schema for kind and returns the typed
// payload. Every rejection is a *ValidationError.
func (v *Validator) Validate(kind model.EventKind, raw []byte) (model.Payload, error) {
	s, ok := v.schemas[kind]
	if !ok {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown event kind %q", kind)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "empty"}
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed json"}
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fromSchemaError(ve)
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	p, err := model.DecodePayload(kind, raw)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return p, nil
}

// fromSchemaError reports the first leaf cause, which names the actual
// field rather than the enclosing object.
func fromSchemaError(ve *jsonschema.ValidationError) *ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	return &ValidationError{Field: field, Reason: ve.Message}
}
