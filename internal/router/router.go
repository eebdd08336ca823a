// Package router maps capability names to handlers. Synchronous
// capabilities answer inline under a deadline; asynchronous ones become
// jobs run by the Dispatcher.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/metrics"
	"github.com/sumire/agenthub/internal/service"
)

const DefaultSyncTimeout = 30 * time.Second

// Jobs is the part of the job lifecycle the router drives.
type Jobs interface {
	Handles
	CreateJob(ctx context.Context, in domain.NewJob) (*domain.Job, error)
}

// Config tunes a Router. Zero values select the defaults.
type Config struct {
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// AsyncResult is returned for asynchronous calls.
type AsyncResult struct {
	JobID string `json:"jobId"`
}

// Router is the capability registry. It is fixed at construction.
type Router struct {
	caps        map[string]Capability
	names       []string
	jobs        Jobs
	dispatcher  *Dispatcher
	validate    *validator.Validate
	syncTimeout time.Duration
	logger      *slog.Logger
}

// New builds a Router over caps. Capability names must be unique.
func New(jobs Jobs, dispatcher *Dispatcher, cfg Config, caps ...Capability) (*Router, error) {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	r := &Router{
		caps:        make(map[string]Capability, len(caps)),
		jobs:        jobs,
		dispatcher:  dispatcher,
		validate:    v,
		syncTimeout: cfg.SyncTimeout,
		logger:      cfg.Logger.With("component", "router"),
	}
	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("capability without a name")
		}
		if _, dup := r.caps[c.Name]; dup {
			return nil, fmt.Errorf("capability %q registered twice", c.Name)
		}
		r.caps[c.Name] = c
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Capabilities lists every registered capability by name.
func (r *Router) Capabilities() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.caps[name].descriptor())
	}
	return out
}

// Call routes one invocation. Sync capabilities return their result;
// async capabilities return AsyncResult once the job is created.
func (r *Router) Call(ctx context.Context, caller, name string, raw json.RawMessage) (any, error) {
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCapability, name)
	}
	args, err := c.decode(raw, r.validate)
	if err != nil {
		return nil, err
	}

	if c.Mode == ModeAsync {
		return r.submit(ctx, caller, c, args)
	}
	return r.callSync(ctx, caller, c, args)
}

func (r *Router) submit(ctx context.Context, caller string, c Capability, args any) (any, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", c.Name, err)
	}
	job, err := r.jobs.CreateJob(ctx, domain.NewJob{
		OwnerID:    caller,
		Capability: c.Name,
		Arguments:  encoded,
	})
	if err != nil {
		return nil, err
	}
	r.dispatcher.Submit(job.ID, c.Name, func(ctx context.Context, h *service.JobHandle) (any, error) {
		return c.async(ctx, h, args)
	})
	return &AsyncResult{JobID: job.ID}, nil
}

type syncOutcome struct {
	value any
	err   error
}

func (r *Router) callSync(ctx context.Context, caller string, c Capability, args any) (any, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.syncTimeout)
	defer cancel()

	done := make(chan syncOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("capability panicked", "capability", c.Name, "panic", p, "stack", string(debug.Stack()))
				done <- syncOutcome{err: fmt.Errorf("capability %s panicked: %v", c.Name, p)}
			}
		}()
		v, err := c.sync(ctx, caller, args)
		done <- syncOutcome{value: v, err: err}
	}()

	var out syncOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if errors.Is(out.err, context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w: %s after %s", domain.ErrTimeout, c.Name, r.syncTimeout)
	}

	outcome := "ok"
	if out.err != nil {
		outcome = "error"
	}
	metrics.CapabilityCalls.WithLabelValues(c.Name, outcome).Observe(time.Since(start).Seconds())
	return out.value, out.err
}

// Resubmit hands a pending job found at startup back to the dispatcher. A
// job whose capability is gone or whose stored arguments no longer decode is
// failed instead.
func (r *Router) Resubmit(job *domain.Job) {
	c, ok := r.caps[job.Capability]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownCapability, job.Capability)
	case c.Mode != ModeAsync:
		err = fmt.Errorf("capability %q is not asynchronous", job.Capability)
	}
	var args any
	if err == nil {
		args, err = c.decode(job.Arguments, r.validate)
	}
	if err != nil {
		r.abandon(job, err)
		return
	}
	r.dispatcher.Submit(job.ID, c.Name, func(ctx context.Context, h *service.JobHandle) (any, error) {
		return c.async(ctx, h, args)
	})
}

func (r *Router) abandon(job *domain.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	h := r.jobs.Handle(job.ID)
	if err := h.Start(ctx); err != nil {
		r.logger.Error("start unresumable job", "job_id", job.ID, "error", err)
		return
	}
	if err := h.Fail(ctx, &domain.JobError{Code: "not_resumable", Message: cause.Error()}); err != nil {
		r.logger.Error("fail unresumable job", "job_id", job.ID, "error", err)
	}
}
