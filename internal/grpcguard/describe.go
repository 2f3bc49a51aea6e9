package grpcguard

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/ppiankov/rpcguard/internal/model"
)

// Outgoing metadata keys read by the interceptors.
const (
	MetadataGroup      = "rpc-group"
	MetadataVersion    = "rpc-version"
	MetadataInvokeMode = "invoke-mode"
)

// SplitMethod splits "/pkg.Service/Method" into service and method.
func SplitMethod(fullMethod string) (service, method string, err error) {
	name := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(name, "/")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("malformed method name %q", fullMethod)
	}
	return name[:i], name[i+1:], nil
}

// Describe builds the call descriptor for an outbound call. req is nil for
// streams, which carry no arguments when opened.
func Describe(ctx context.Context, fullMethod string, req any, defaults Defaults) (model.CallDescriptor, error) {
	service, method, err := SplitMethod(fullMethod)
	if err != nil {
		return model.CallDescriptor{}, err
	}
	desc := model.CallDescriptor{
		Service: service,
		Method:  method,
		Group:   defaults.Group,
		Version: defaults.Version,
	}
	if v := outgoing(ctx, MetadataGroup); v != "" {
		desc.Group = v
	}
	if v := outgoing(ctx, MetadataVersion); v != "" {
		desc.Version = v
	}
	if req != nil {
		desc.ParamTypes = []string{typeName(req)}
		desc.Args = []any{req}
	}
	return desc, nil
}

type modeKey struct{}

// UnaryMode returns the call mode of a unary call: async when WithInvokeMode
// asked for it, or when the caller set invoke-mode metadata to async or
// future.
func UnaryMode(ctx context.Context) model.CallMode {
	if mode, ok := ctx.Value(modeKey{}).(model.CallMode); ok {
		return mode
	}
	return model.ParseCallMode(outgoing(ctx, MetadataInvokeMode))
}

// WithInvokeMode marks ctx so the next unary call runs in mode. The mark is
// local and never sent to the server.
func WithInvokeMode(ctx context.Context, mode model.CallMode) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

// stripInvokeMode removes the invoke-mode hint from outgoing metadata.
func stripInvokeMode(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok || len(md.Get(MetadataInvokeMode)) == 0 {
		return ctx
	}
	md = md.Copy()
	md.Delete(MetadataInvokeMode)
	return metadata.NewOutgoingContext(ctx, md)
}

func typeName(v any) string {
	if m, ok := v.(proto.Message); ok {
		return string(proto.MessageName(m))
	}
	return fmt.Sprintf("%T", v)
}

func outgoing(ctx context.Context, key string) string {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[len(vals)-1]
	}
	return ""
}
