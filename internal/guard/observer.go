package guard

import (
	"context"

	"github.com/ppiankov/rpcguard/internal/model"
)

// Observer receives admission outcomes. Implementations must not block.
type Observer interface {
	OnAdmit(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode)
	OnDeny(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode, denial *model.Denial)
	OnFallback(ctx context.Context, desc model.CallDescriptor, denial *model.Denial, err error)
}

type observers []Observer

func (obs observers) admit(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode) {
	for _, o := range obs {
		o.OnAdmit(ctx, scope, res, mode)
	}
}

func (obs observers) deny(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode, d *model.Denial) {
	for _, o := range obs {
		o.OnDeny(ctx, scope, res, mode, d)
	}
}

func (obs observers) fallback(ctx context.Context, desc model.CallDescriptor, d *model.Denial, err error) {
	for _, o := range obs {
		o.OnFallback(ctx, desc, d, err)
	}
}
