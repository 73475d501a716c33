package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// CUEParser decodes CUE sources after unifying them with a registered schema.
type CUEParser struct {
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{schemas: NewSchemaRegistry()}
}

// DecodeFile reads path and decodes it with DecodeSource.
func (cp *CUEParser) DecodeFile(path, schema string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return cp.DecodeSource(path, content, schema, out)
}

// DecodeSource compiles src, unifies it with the named schema, checks that the
// result is concrete and decodes it into out.
func (cp *CUEParser) DecodeSource(filename string, src []byte, schema string, out any) error {
	def, ok := cp.schemas.GetSchema(schema)
	if !ok {
		return fmt.Errorf("schema %s not found", schema)
	}

	val := cp.schemas.Context().CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return newCUEError(err)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return newCUEError(err)
	}
	if err := unified.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// CUEError carries every positioned error CUE reported for a source.
type CUEError struct {
	Errors []ValidationError
}

func (e *CUEError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return strings.Join(msgs, "; ")
}

func newCUEError(err error) error {
	return &CUEError{Errors: convertCUEErrors(err)}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}
