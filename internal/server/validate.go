package server

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/liftsync/internal/wire"
)

//go:embed schema.cue
var schemaCUE string

// maxReportedErrors bounds how many CUE errors end up in one message.
const maxReportedErrors = 3

// Validator checks request bodies against the embedded CUE schema before
// they reach the store. Failures are VALIDATION errors: the client parks
// the mutation instead of retrying it.
//
// A cue.Context is not safe for concurrent use; calls are serialized.
type Validator struct {
	mu       sync.Mutex
	ctx      *cue.Context
	complete cue.Value
	template cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v := &Validator{
		ctx:      ctx,
		complete: schema.LookupPath(cue.ParsePath("#CompleteRequest")),
		template: schema.LookupPath(cue.ParsePath("#Template")),
	}
	for name, def := range map[string]cue.Value{"#CompleteRequest": v.complete, "#Template": v.template} {
		if !def.Exists() {
			return nil, fmt.Errorf("compile schema: %s not defined", name)
		}
	}
	return v, nil
}

// CompleteRequest validates a finish push body.
func (v *Validator) CompleteRequest(body []byte) error {
	return v.check(v.complete, "complete.json", body)
}

// Template validates a template body.
func (v *Validator) Template(body []byte) error {
	return v.check(v.template, "template.json", body)
}

func (v *Validator) check(def cue.Value, filename string, body []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.CompileBytes(body, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return formatCUEError(err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError flattens CUE errors into one VALIDATION error, keeping the
// position of the first one.
func formatCUEError(err error) *wire.Error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return wire.Errorf(wire.CodeValidation, "%s", err.Error())
	}

	msgs := make([]string, 0, maxReportedErrors)
	for i, e := range errs {
		if i == maxReportedErrors {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(errs)-i))
			break
		}
		msgs = append(msgs, e.Error())
	}
	msg := strings.Join(msgs, "; ")

	if positions := errors.Positions(errs[0]); len(positions) > 0 {
		msg = fmt.Sprintf("%s (at %s)", msg, positions[0])
	}
	return wire.Errorf(wire.CodeValidation, "%s", msg)
}
