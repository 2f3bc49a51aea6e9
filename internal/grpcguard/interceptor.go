// Package grpcguard binds the guard coordinator to gRPC client calls.
//
// Unary calls are guarded synchronously unless the outgoing metadata asks
// for async mode; streams are always guarded in async mode and release
// their admission tokens when the stream completes.
package grpcguard

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/ppiankov/rpcguard/internal/callctx"
	"github.com/ppiankov/rpcguard/internal/guard"
	"github.com/ppiankov/rpcguard/internal/model"
)

// Defaults fills descriptor fields the outgoing metadata does not set.
type Defaults struct {
	Group   string
	Version string
}

// Option configures an interceptor.
type Option func(*Defaults)

// WithGroup sets the service group used when the call carries none.
func WithGroup(group string) Option {
	return func(d *Defaults) { d.Group = group }
}

// WithVersion sets the service version used when the call carries none.
func WithVersion(version string) Option {
	return func(d *Defaults) { d.Version = version }
}

func defaults(opts []Option) Defaults {
	var d Defaults
	for _, o := range opts {
		o(&d)
	}
	return d
}

// UnaryClientInterceptor guards every unary call with coord.
func UnaryClientInterceptor(coord *guard.Coordinator, opts ...Option) grpc.UnaryClientInterceptor {
	d := defaults(opts)
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		desc, err := Describe(ctx, method, req, d)
		if err != nil {
			return status.Errorf(codes.Internal, "rpcguard: %v", err)
		}
		mode := UnaryMode(ctx)
		ctx = stripInvokeMode(ctx)

		// Only the outcome of Protect reaches the exit phase; a fallback
		// reply that cannot be merged is not a fault of the remote service.
		call := callctx.New()
		var callErr error
		defer func() { guard.Exit(call, callErr) }()

		out, callErr := coord.Protect(ctx, call, desc, mode, func(ctx context.Context) (any, error) {
			return reply, invoker(ctx, method, req, reply, cc, callOpts...)
		})
		if callErr != nil {
			return callErr
		}
		return mergeReply(reply, out)
	}
}

// mergeReply copies a fallback outcome into reply. The transport's own
// reply is returned by the invoker and needs no copy.
func mergeReply(reply, out any) error {
	if out == nil || out == reply {
		return nil
	}
	dst, ok := reply.(proto.Message)
	src, ok2 := out.(proto.Message)
	if !ok || !ok2 || dst.ProtoReflect().Descriptor() != src.ProtoReflect().Descriptor() {
		return status.Errorf(codes.Internal, "rpcguard: fallback returned %T for reply %T", out, reply)
	}
	proto.Reset(dst)
	proto.Merge(dst, src)
	return nil
}

// StreamClientInterceptor guards every stream with coord in async mode.
func StreamClientInterceptor(coord *guard.Coordinator, opts ...Option) grpc.StreamClientInterceptor {
	d := defaults(opts)
	return func(ctx context.Context, sd *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		desc, err := Describe(ctx, method, nil, d)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "rpcguard: %v", err)
		}

		call := callctx.New()
		ctx = stripInvokeMode(ctx)

		out, err := coord.Protect(ctx, call, desc, model.ModeAsync, func(ctx context.Context) (any, error) {
			return streamer(ctx, sd, cc, method, callOpts...)
		})
		if err != nil {
			guard.Exit(call, err)
			return nil, err
		}
		cs, ok := out.(grpc.ClientStream)
		if !ok || cs == nil {
			guard.Exit(call, nil)
			if out == nil {
				return nil, status.Error(codes.Unavailable, "rpcguard: stream blocked")
			}
			return nil, status.Errorf(codes.Internal, "rpcguard: fallback returned %T, want grpc.ClientStream", out)
		}
		return newGuardedStream(cs, call, sd.ServerStreams), nil
	}
}

// guardedStream runs the exit phase once, when the stream completes.
type guardedStream struct {
	grpc.ClientStream
	call          *callctx.Context
	serverStreams bool
	once          sync.Once
}

func newGuardedStream(cs grpc.ClientStream, call *callctx.Context, serverStreams bool) *guardedStream {
	s := &guardedStream{ClientStream: cs, call: call, serverStreams: serverStreams}
	if ctx := cs.Context(); ctx != nil {
		go func() {
			<-ctx.Done()
			s.finish(nil)
		}()
	}
	return s
}

func (s *guardedStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err != nil:
		s.finish(err)
	case !s.serverStreams:
		// single response: the call is complete once it arrives
		s.finish(nil)
	}
	return err
}

func (s *guardedStream) finish(err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.once.Do(func() { guard.Exit(s.call, err) })
}
