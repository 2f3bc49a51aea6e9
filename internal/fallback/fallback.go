// Package fallback produces the outcome of a call whose admission was denied.
package fallback

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/rpcguard/internal/model"
)

// Handler turns a denial into the call's outcome. It either returns an
// outcome or an error; it never performs the call.
type Handler interface {
	Handle(ctx context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error) {
	return f(ctx, desc, denial)
}

// BlockedError is returned by the default consumer fallback.
type BlockedError struct {
	Service string
	Method  string
	Denial  *model.Denial
}

func (e *BlockedError) Error() string {
	if e.Denial == nil {
		return fmt.Sprintf("rpcguard blocked %s/%s", e.Service, e.Method)
	}
	return fmt.Sprintf("rpcguard blocked %s/%s (%s): %s", e.Service, e.Method, e.Denial.Cause, e.Denial.Resource)
}

// Unwrap exposes the denial to errors.As.
func (e *BlockedError) Unwrap() error {
	if e.Denial == nil {
		return nil
	}
	return e.Denial
}

// GRPCStatus maps the block to codes.Unavailable so status.FromError works
// on the caller side.
func (e *BlockedError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// Default is the consumer fallback used when none is registered: it
// re-raises the denial as a *BlockedError.
var Default Handler = HandlerFunc(func(_ context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error) {
	return nil, &BlockedError{Service: desc.Service, Method: desc.Method, Denial: denial}
})

// Registry holds the consumer fallback. Safe for concurrent use.
type Registry struct {
	consumer atomic.Pointer[Handler]
}

// NewRegistry returns a registry using Default.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set replaces the consumer fallback. A nil handler restores Default.
func (r *Registry) Set(h Handler) {
	if h == nil {
		r.consumer.Store(nil)
		return
	}
	r.consumer.Store(&h)
}

// Get returns the current consumer fallback.
func (r *Registry) Get() Handler {
	if h := r.consumer.Load(); h != nil {
		return *h
	}
	return Default
}

// Handle delegates to the current consumer fallback.
func (r *Registry) Handle(ctx context.Context, desc model.CallDescriptor, denial *model.Denial) (any, error) {
	return r.Get().Handle(ctx, desc, denial)
}
