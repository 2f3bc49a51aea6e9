// Package guard protects outbound remote calls with two nested admission
// checks: one for the target service and one for the called operation.
//
// Usage:
//
//	coord := guard.New(engine, guard.WithFallback(registry))
//	cc := callctx.New()
//	defer guard.Exit(cc, err)
//	out, err = coord.Protect(ctx, cc, desc, model.ModeSync, invoke)
//
// A denied call never reaches invoke; its outcome comes from the fallback
// handler. Tokens granted during Protect are stored in the call context and
// released by Exit.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/rpcguard/internal/admission"
	"github.com/ppiankov/rpcguard/internal/callctx"
	"github.com/ppiankov/rpcguard/internal/fallback"
	"github.com/ppiankov/rpcguard/internal/logging"
	"github.com/ppiankov/rpcguard/internal/model"
	"github.com/ppiankov/rpcguard/internal/naming"
)

const tracerName = "github.com/ppiankov/rpcguard/internal/guard"

// asyncBatch is the in-flight count an async operation section holds.
const asyncBatch = 1

// ErrEmptyAdmission is returned when an engine yields neither a token nor a denial.
var ErrEmptyAdmission = errors.New("admission engine returned neither token nor denial")

// Invoker performs the actual remote call.
type Invoker func(ctx context.Context) (any, error)

// Coordinator guards outbound calls. It holds no per-call state and is safe
// for concurrent use by any number of calls.
type Coordinator struct {
	engine    admission.Engine
	fallback  fallback.Handler
	naming    naming.Config
	logger    *slog.Logger
	observers observers
	tracer    trace.Tracer
}

// New creates a Coordinator backed by engine.
func New(engine admission.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:   engine,
		fallback: fallback.Default,
		naming:   naming.DefaultConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Protect admits desc at service scope, then at operation scope, and runs
// invoke only if both are granted. On denial at either scope the fallback
// outcome is returned instead. Faults from naming, the engine or invoke are
// returned unchanged.
func (c *Coordinator) Protect(ctx context.Context, cc *callctx.Context, desc model.CallDescriptor, mode model.CallMode, invoke Invoker) (any, error) {
	if cc == nil {
		return nil, errors.New("rpcguard: nil call context")
	}
	if logging.CallID(ctx) == "" {
		ctx = logging.WithCallID(ctx, cc.ID())
	}
	service, operation, err := naming.Names(desc, c.naming)
	if err != nil {
		return nil, fmt.Errorf("rpcguard: name resources: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "rpcguard.Protect", trace.WithAttributes(
		attribute.String("rpcguard.service", service),
		attribute.String("rpcguard.operation", operation),
		attribute.String("rpcguard.mode", string(mode)),
	))
	defer span.End()

	denial, err := c.admit(ctx, cc, model.ScopeService, model.OutboundRPC(service), mode, nil)
	if err == nil && denial == nil {
		denial, err = c.admit(ctx, cc, model.ScopeOperation, model.OutboundRPC(operation), mode, desc.Args)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission fault")
		return nil, err
	}
	if denial != nil {
		span.SetAttributes(attribute.String("rpcguard.denial.cause", string(denial.Cause)))
		return c.handleDenial(ctx, desc, denial)
	}

	return invoke(ctx)
}

// admit requests one admission and stores the granted token under the
// scope's key. It returns the denial, if any.
func (c *Coordinator) admit(ctx context.Context, cc *callctx.Context, scope model.Scope, res model.Resource, mode model.CallMode, args []any) (*model.Denial, error) {
	var (
		adm model.Admission
		err error
	)
	if mode == model.ModeAsync {
		adm, err = c.engine.EnterAsync(res, asyncBatch, args...)
	} else {
		adm, err = c.engine.Enter(res, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("rpcguard: enter %s %q: %w", scope, res.Name, err)
	}
	if d := adm.Denial(); d != nil {
		c.observers.deny(ctx, scope, res, mode, d)
		return d, nil
	}
	tok := adm.Token()
	if tok == nil {
		return nil, fmt.Errorf("rpcguard: enter %s %q: %w", scope, res.Name, ErrEmptyAdmission)
	}
	cc.Put(keyFor(scope), tok)
	c.observers.admit(ctx, scope, res, mode)
	return nil, nil
}

func (c *Coordinator) handleDenial(ctx context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error) {
	logger := logging.Call(ctx, c.logger)
	logger.Debug("call denied",
		"resource", denial.Resource,
		"cause", denial.Cause,
		"rule", denial.Rule,
	)
	out, err := c.fallback.Handle(ctx, desc, denial)
	if err != nil && !model.IsDenial(err) {
		logger.Warn("fallback failed", "service", desc.Service, "method", desc.Method, "error", err)
	}
	c.observers.fallback(ctx, desc, denial, err)
	return out, err
}

func keyFor(scope model.Scope) callctx.Key {
	if scope == model.ScopeOperation {
		return callctx.OperationEntryKey
	}
	return callctx.ServiceEntryKey
}
