package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/service"
)

// Mode tells whether a capability answers inline or as a background job.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// SyncFunc serves a synchronous capability for caller.
type SyncFunc[A any] func(ctx context.Context, caller string, args A) (any, error)

// AsyncFunc runs a background job. Output lines go through job; the
// returned value becomes the job result.
type AsyncFunc[A any] func(ctx context.Context, job *service.JobHandle, args A) (any, error)

// Capability is one routable tool. Build it with Sync or Async.
type Capability struct {
	Name        string
	Description string
	Mode        Mode
	Schema      *jsonschema.Schema

	newArgs func() any
	sync    func(ctx context.Context, caller string, args any) (any, error)
	async   func(ctx context.Context, job *service.JobHandle, args any) (any, error)
}

// Descriptor is the discovery view of a Capability.
type Descriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Mode        Mode               `json:"mode"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

// Sync declares a capability answered within the sync timeout. Arguments
// are decoded into A and checked against its validate tags.
func Sync[A any](name, description string, fn SyncFunc[A]) Capability {
	return Capability{
		Name:        name,
		Description: description,
		Mode:        ModeSync,
		Schema:      schemaOf[A](),
		newArgs:     func() any { return new(A) },
		sync: func(ctx context.Context, caller string, args any) (any, error) {
			return fn(ctx, caller, *args.(*A))
		},
	}
}

// Async declares a capability served as a job.
func Async[A any](name, description string, fn AsyncFunc[A]) Capability {
	return Capability{
		Name:        name,
		Description: description,
		Mode:        ModeAsync,
		Schema:      schemaOf[A](),
		newArgs:     func() any { return new(A) },
		async: func(ctx context.Context, job *service.JobHandle, args any) (any, error) {
			return fn(ctx, job, *args.(*A))
		},
	}
}

func (c Capability) descriptor() Descriptor {
	return Descriptor{
		Name:        c.Name,
		Description: c.Description,
		Mode:        c.Mode,
		InputSchema: c.Schema,
	}
}

// schemaOf reflects the inline schema of A. Unnamed types such as struct{}
// have no definition entry, so the root is taken from the reflected type
// itself rather than expanded from definitions.
func schemaOf[A any]() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(new(A))
}

// decode parses raw strictly: unknown fields and trailing data are rejected.
func (c Capability) decode(raw json.RawMessage, v *validator.Validate) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	args := c.newArgs()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidArguments, c.Name, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: %s: trailing data after arguments", domain.ErrInvalidArguments, c.Name)
	}

	if err := v.Struct(args); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArguments, &domain.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			})
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidArguments, c.Name, err)
	}
	return args, nil
}
