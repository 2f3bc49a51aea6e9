package guard

import (
	"github.com/ppiankov/rpcguard/internal/callctx"
	"github.com/ppiankov/rpcguard/internal/model"
)

// Exit releases every token Protect stored in cc, operation first. A
// non-nil callErr that is not a denial is traced on each token before it
// exits. Calling Exit again is a no-op, so it is safe to defer on every
// path including denial.
func Exit(cc *callctx.Context, callErr error) {
	if cc == nil {
		return
	}
	traced := callErr != nil && !model.IsDenial(callErr)
	for _, key := range []callctx.Key{callctx.OperationEntryKey, callctx.ServiceEntryKey} {
		tok := cc.Take(key)
		if tok == nil {
			continue
		}
		if traced {
			tok.Trace(callErr)
		}
		tok.Exit()
	}
}
