package model

import "strings"

// CallMode selects which admission protocol variant guards a call.
type CallMode string

const (
	ModeSync  CallMode = "sync"
	ModeAsync CallMode = "async"
)

// ParseCallMode maps a transport hint to a CallMode. Unknown hints are sync.
// "future" is accepted as an alias for async.
func ParseCallMode(s string) CallMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "async", "future":
		return ModeAsync
	default:
		return ModeSync
	}
}

// Classification is the resource type reported to the admission engine.
type Classification int

const (
	ResourceCommon Classification = iota
	ResourceWeb
	ResourceRPC
	ResourceGateway
	ResourceDBSQL
)

// String returns the classification name.
func (c Classification) String() string {
	switch c {
	case ResourceCommon:
		return "common"
	case ResourceWeb:
		return "web"
	case ResourceRPC:
		return "rpc"
	case ResourceGateway:
		return "gateway"
	case ResourceDBSQL:
		return "db_sql"
	default:
		return "unknown"
	}
}

// Direction tells the engine whether traffic leaves or enters the process.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// Resource identifies one protected section for the admission engine.
type Resource struct {
	Name           string
	Classification Classification
	Direction      Direction
}

// OutboundRPC returns the resource used by the consumer guard.
func OutboundRPC(name string) Resource {
	return Resource{Name: name, Classification: ResourceRPC, Direction: Outbound}
}

// CallDescriptor describes one outbound remote call. It is not modified
// while the call is in flight.
type CallDescriptor struct {
	Service    string   // fully qualified service name: "billing.PaymentService"
	Group      string   // optional service group
	Version    string   // optional service version
	Method     string   // operation name: "charge"
	ParamTypes []string // parameter type names in declaration order
	Args       []any    // actual argument values
}

// Scope is the nesting level of an admission check.
type Scope string

const (
	ScopeService   Scope = "service"
	ScopeOperation Scope = "operation"
)
