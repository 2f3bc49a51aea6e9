package model

import (
	"errors"
	"fmt"
)

// Cause names the rule family that rejected an admission request.
type Cause string

const (
	CauseFlow        Cause = "FLOW_RULE_VIOLATED"
	CauseParamFlow   Cause = "PARAM_FLOW_RULE_VIOLATED"
	CauseDegrade     Cause = "DEGRADE_RULE_VIOLATED"
	CauseConcurrency Cause = "CONCURRENCY_LIMIT_EXCEEDED"
)

// Token is an open protected section returned by a granted admission.
// Exit must be called exactly once.
type Token interface {
	Resource() Resource
	// Trace records a call fault against the section before it exits.
	Trace(err error)
	Exit()
}

// Denial is the cause carried by a rejected admission request.
// It implements error so a fallback handler can re-raise it.
type Denial struct {
	Cause    Cause
	Resource string
	Rule     string // rule identifier, e.g. "flow.billing.PaymentService"
	Reason   string
}

func (d *Denial) Error() string {
	if d.Reason == "" {
		return fmt.Sprintf("admission denied (%s) for %s", d.Cause, d.Resource)
	}
	return fmt.Sprintf("admission denied (%s) for %s: %s", d.Cause, d.Resource, d.Reason)
}

// IsDenial reports whether err is or wraps a *Denial.
func IsDenial(err error) bool {
	var d *Denial
	return errors.As(err, &d)
}

// Admission is the outcome of one admission request: either a token or a
// denial, never both.
type Admission struct {
	token  Token
	denial *Denial
}

// Admitted wraps a granted token.
func Admitted(t Token) Admission {
	return Admission{token: t}
}

// Denied wraps a rejection.
func Denied(d *Denial) Admission {
	return Admission{denial: d}
}

// Token returns the granted token, or nil when denied.
func (a Admission) Token() Token { return a.token }

// Denial returns the rejection, or nil when admitted.
func (a Admission) Denial() *Denial { return a.denial }

// IsDenied reports whether admission was rejected.
func (a Admission) IsDenied() bool { return a.denial != nil }
