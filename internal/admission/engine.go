// Package admission decides whether a protected section may be entered.
//
// Engine is the contract the guard consumes. LocalEngine is an in-process
// implementation driven by a YAML rules file: token-bucket flow rules,
// per-argument flow rules, concurrency limits and circuit breakers.
package admission

import "github.com/ppiankov/rpcguard/internal/model"

// Engine grants or denies entry to a resource. Both methods return
// immediately; they never wait for capacity. A denial is reported through
// the Admission value; the error is reserved for engine faults.
type Engine interface {
	// Enter is the synchronous variant. args feed argument-sensitive rules.
	Enter(res model.Resource, args ...any) (model.Admission, error)
	// EnterAsync is the variant for calls that complete after the caller
	// returns. batch is the number of in-flight units the section holds.
	EnterAsync(res model.Resource, batch int, args ...any) (model.Admission, error)
}
