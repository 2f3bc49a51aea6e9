package guard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ppiankov/rpcguard/internal/callctx"
	"github.com/ppiankov/rpcguard/internal/fallback"
	"github.com/ppiankov/rpcguard/internal/logging"
	"github.com/ppiankov/rpcguard/internal/model"
	"github.com/ppiankov/rpcguard/internal/naming"
)

const (
	chargeService   = "billing.PaymentService"
	chargeOperation = "billing.PaymentService:charge(int64)"
)

type enterCall struct {
	async bool
	res   model.Resource
	batch int
	args  []any
}

type fakeToken struct {
	res    model.Resource
	exits  int
	traced []error
}

func (t *fakeToken) Resource() model.Resource { return t.res }
func (t *fakeToken) Trace(err error)          { t.traced = append(t.traced, err) }
func (t *fakeToken) Exit()                    { t.exits++ }

// fakeEngine records every request and denies or faults by resource name.
type fakeEngine struct {
	mu     sync.Mutex
	calls  []enterCall
	deny   map[string]model.Cause
	fault  map[string]error
	tokens map[string]*fakeToken
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		deny:   map[string]model.Cause{},
		fault:  map[string]error{},
		tokens: map[string]*fakeToken{},
	}
}

func (e *fakeEngine) Enter(res model.Resource, args ...any) (model.Admission, error) {
	return e.enter(enterCall{res: res, args: args})
}

func (e *fakeEngine) EnterAsync(res model.Resource, batch int, args ...any) (model.Admission, error) {
	return e.enter(enterCall{async: true, res: res, batch: batch, args: args})
}

func (e *fakeEngine) enter(c enterCall) (model.Admission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	if err := e.fault[c.res.Name]; err != nil {
		return model.Admission{}, err
	}
	if cause, ok := e.deny[c.res.Name]; ok {
		return model.Denied(&model.Denial{Cause: cause, Resource: c.res.Name}), nil
	}
	tok := &fakeToken{res: c.res}
	e.tokens[c.res.Name] = tok
	return model.Admitted(tok), nil
}

func chargeCall() model.CallDescriptor {
	return model.CallDescriptor{
		Service:    chargeService,
		Method:     "charge",
		ParamTypes: []string{"int64"},
		Args:       []any{int64(4200)},
	}
}

type recordingFallback struct {
	calls  int
	desc   model.CallDescriptor
	denial *model.Denial
}

func (f *recordingFallback) Handle(_ context.Context, desc model.CallDescriptor, d *model.Denial) (any, error) {
	f.calls++
	f.desc = desc
	f.denial = d
	return "fallback", nil
}

type countingInvoker struct {
	calls int
	out   any
	err   error
}

func (i *countingInvoker) invoke(context.Context) (any, error) {
	i.calls++
	return i.out, i.err
}

func TestProtectBothAdmitted(t *testing.T) {
	eng := newFakeEngine()
	coord := New(eng)
	cc := callctx.New()
	inv := &countingInvoker{out: "receipt-1"}

	out, err := coord.Protect(context.Background(), cc, chargeCall(), model.ModeSync, inv.invoke)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if out != "receipt-1" {
		t.Errorf("outcome = %v, want transport outcome", out)
	}
	if inv.calls != 1 {
		t.Errorf("transport invoked %d times, want 1", inv.calls)
	}
	if len(eng.calls) != 2 {
		t.Fatalf("expected 2 admission requests, got %d", len(eng.calls))
	}
	if eng.calls[0].res.Name != chargeService || eng.calls[1].res.Name != chargeOperation {
		t.Errorf("wrong order: %q then %q", eng.calls[0].res.Name, eng.calls[1].res.Name)
	}
	if cc.Get(callctx.ServiceEntryKey) != eng.tokens[chargeService] {
		t.Error("service token not stored")
	}
	if cc.Get(callctx.OperationEntryKey) != eng.tokens[chargeOperation] {
		t.Error("operation token not stored")
	}
}

func TestProtectResourcesAreOutboundRPC(t *testing.T) {
	eng := newFakeEngine()
	inv := &countingInvoker{}
	New(eng).Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)

	for _, c := range eng.calls {
		if c.res.Classification != model.ResourceRPC || c.res.Direction != model.Outbound {
			t.Errorf("resource %q: got %v/%v", c.res.Name, c.res.Classification, c.res.Direction)
		}
	}
	if len(eng.calls[0].args) != 0 {
		t.Errorf("service scope should carry no args, got %v", eng.calls[0].args)
	}
	if len(eng.calls[1].args) != 1 || eng.calls[1].args[0] != int64(4200) {
		t.Errorf("operation scope should carry call args, got %v", eng.calls[1].args)
	}
}

func TestProtectServiceDenied(t *testing.T) {
	eng := newFakeEngine()
	eng.deny[chargeService] = model.CauseFlow
	fb := &recordingFallback{}
	coord := New(eng, WithFallback(fb))
	cc := callctx.New()
	inv := &countingInvoker{}

	desc := chargeCall()
	out, err := coord.Protect(context.Background(), cc, desc, model.ModeSync, inv.invoke)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if out != "fallback" {
		t.Errorf("outcome = %v, want fallback outcome", out)
	}
	if inv.calls != 0 {
		t.Error("transport must not be invoked on denial")
	}
	if len(eng.calls) != 1 {
		t.Errorf("operation admission requested after service denial: %d requests", len(eng.calls))
	}
	if fb.calls != 1 {
		t.Fatalf("fallback invoked %d times, want 1", fb.calls)
	}
	if fb.denial.Cause != model.CauseFlow {
		t.Errorf("fallback cause = %s", fb.denial.Cause)
	}
	if fb.desc.Service != desc.Service || fb.desc.Method != desc.Method {
		t.Errorf("fallback got descriptor %+v", fb.desc)
	}
	if cc.Get(callctx.ServiceEntryKey) != nil || cc.Get(callctx.OperationEntryKey) != nil {
		t.Error("no token should be stored after service denial")
	}
}

func TestProtectOperationDeniedKeepsServiceToken(t *testing.T) {
	eng := newFakeEngine()
	eng.deny[chargeOperation] = model.CauseParamFlow
	fb := &recordingFallback{}
	cc := callctx.New()
	inv := &countingInvoker{}

	_, err := New(eng, WithFallback(fb)).Protect(context.Background(), cc, chargeCall(), model.ModeSync, inv.invoke)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if inv.calls != 0 {
		t.Error("transport must not be invoked on denial")
	}
	if fb.calls != 1 || fb.denial.Cause != model.CauseParamFlow {
		t.Errorf("fallback calls=%d denial=%+v", fb.calls, fb.denial)
	}
	svc := cc.Get(callctx.ServiceEntryKey)
	if svc == nil || svc != eng.tokens[chargeService] {
		t.Fatal("service token should remain in the call context")
	}
	if cc.Get(callctx.OperationEntryKey) != nil {
		t.Error("operation slot should be empty")
	}
	if eng.tokens[chargeService].exits != 0 {
		t.Error("Protect must not release the service token")
	}
}

func TestProtectDefaultFallbackReraises(t *testing.T) {
	eng := newFakeEngine()
	eng.deny[chargeService] = model.CauseFlow
	inv := &countingInvoker{}

	_, err := New(eng).Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)
	var blocked *fallback.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
	if blocked.Denial.Cause != model.CauseFlow {
		t.Errorf("cause = %s", blocked.Denial.Cause)
	}
}

func TestProtectModeSelection(t *testing.T) {
	tests := []struct {
		mode      model.CallMode
		wantAsync bool
	}{
		{model.ModeSync, false},
		{model.ModeAsync, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			eng := newFakeEngine()
			inv := &countingInvoker{}
			if _, err := New(eng).Protect(context.Background(), callctx.New(), chargeCall(), tt.mode, inv.invoke); err != nil {
				t.Fatalf("Protect: %v", err)
			}
			for _, c := range eng.calls {
				if c.async != tt.wantAsync {
					t.Errorf("%s: async=%v, want %v", c.res.Name, c.async, tt.wantAsync)
				}
				if tt.wantAsync && c.batch != 1 {
					t.Errorf("%s: batch=%d, want 1", c.res.Name, c.batch)
				}
			}
		})
	}
}

func TestProtectTransportFaultPropagates(t *testing.T) {
	eng := newFakeEngine()
	fb := &recordingFallback{}
	transportErr := errors.New("connection reset")
	inv := &countingInvoker{err: transportErr}

	_, err := New(eng, WithFallback(fb)).Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)
	if err != transportErr {
		t.Errorf("expected transport error unchanged, got %v", err)
	}
	if fb.calls != 0 {
		t.Error("transport fault must not reach fallback")
	}
}

func TestProtectEngineFaultPropagates(t *testing.T) {
	eng := newFakeEngine()
	engineErr := errors.New("engine unavailable")
	eng.fault[chargeOperation] = engineErr
	fb := &recordingFallback{}
	inv := &countingInvoker{}

	_, err := New(eng, WithFallback(fb)).Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)
	if !errors.Is(err, engineErr) {
		t.Errorf("expected engine fault, got %v", err)
	}
	if inv.calls != 0 || fb.calls != 0 {
		t.Error("engine fault must stop the call without fallback")
	}
}

func TestProtectEmptyAdmissionIsFault(t *testing.T) {
	inv := &countingInvoker{}
	_, err := New(emptyEngine{}).Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)
	if !errors.Is(err, ErrEmptyAdmission) {
		t.Errorf("expected ErrEmptyAdmission, got %v", err)
	}
	if inv.calls != 0 {
		t.Error("transport must not run unguarded")
	}
}

func TestProtectNamingFaultNeverRunsUnguarded(t *testing.T) {
	eng := newFakeEngine()
	inv := &countingInvoker{}
	_, err := New(eng).Protect(context.Background(), callctx.New(), model.CallDescriptor{Method: "charge"}, model.ModeSync, inv.invoke)
	if !errors.Is(err, naming.ErrInvalidDescriptor) {
		t.Errorf("expected naming fault, got %v", err)
	}
	if inv.calls != 0 || len(eng.calls) != 0 {
		t.Error("nothing should run after a naming fault")
	}
}

func TestProtectPrefixedNames(t *testing.T) {
	eng := newFakeEngine()
	inv := &countingInvoker{}
	coord := New(eng, WithNaming(naming.Config{UsePrefix: true, ConsumerPrefix: "rpc:consumer:"}))
	coord.Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, inv.invoke)

	if got := eng.calls[1].res.Name; got != "rpc:consumer:"+chargeOperation {
		t.Errorf("operation name = %q", got)
	}
	if got := eng.calls[0].res.Name; got != chargeService {
		t.Errorf("service name should not be prefixed, got %q", got)
	}
}

func TestProtectNilCallContext(t *testing.T) {
	inv := &countingInvoker{}
	if _, err := New(newFakeEngine()).Protect(context.Background(), nil, chargeCall(), model.ModeSync, inv.invoke); err == nil {
		t.Error("expected error for nil call context")
	}
}

func TestProtectConcurrentCalls(t *testing.T) {
	eng := newFakeEngine()
	coord := New(eng)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cc := callctx.New()
			out, err := coord.Protect(context.Background(), cc, chargeCall(), model.ModeSync, func(context.Context) (any, error) {
				return "ok", nil
			})
			if err != nil || out != "ok" {
				t.Errorf("got (%v, %v)", out, err)
			}
			if cc.Get(callctx.ServiceEntryKey) == nil || cc.Get(callctx.OperationEntryKey) == nil {
				t.Error("each call context should hold its own tokens")
			}
		}()
	}
	wg.Wait()
}

func TestProtectRecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	eng := newFakeEngine()
	eng.deny[chargeService] = model.CauseFlow

	coord := New(eng, WithTracerProvider(tp), WithFallback(&recordingFallback{}))
	coord.Protect(context.Background(), callctx.New(), chargeCall(), model.ModeSync, (&countingInvoker{}).invoke)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "rpcguard.Protect" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "rpcguard.denial.cause" && kv.Value.AsString() == string(model.CauseFlow) {
			found = true
		}
	}
	if !found {
		t.Error("expected denial cause attribute on span")
	}
}

func TestProtectLogsDenialThroughContextLogger(t *testing.T) {
	var ctxBuf, ownBuf bytes.Buffer
	debug := &slog.HandlerOptions{Level: slog.LevelDebug}
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&ctxBuf, debug)))

	eng := newFakeEngine()
	eng.deny[chargeService] = model.CauseFlow
	coord := New(eng, WithLogger(slog.New(slog.NewTextHandler(&ownBuf, debug))), WithFallback(&recordingFallback{}))
	cc := callctx.New()
	coord.Protect(ctx, cc, chargeCall(), model.ModeSync, (&countingInvoker{}).invoke)

	out := ctxBuf.String()
	if !strings.Contains(out, "call denied") {
		t.Fatalf("expected denial on context logger, got %q", out)
	}
	if !strings.Contains(out, "call_id="+cc.ID()) {
		t.Errorf("expected call_id=%s in %q", cc.ID(), out)
	}
	if ownBuf.Len() != 0 {
		t.Errorf("coordinator logger should be unused when ctx carries one, got %q", ownBuf.String())
	}
}

func TestProtectLogsDenialThroughOwnLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	eng := newFakeEngine()
	eng.deny[chargeOperation] = model.CauseParamFlow
	cc := callctx.New()
	New(eng, WithLogger(logger), WithFallback(&recordingFallback{})).
		Protect(context.Background(), cc, chargeCall(), model.ModeSync, (&countingInvoker{}).invoke)

	if out := buf.String(); !strings.Contains(out, "call denied") || !strings.Contains(out, "call_id="+cc.ID()) {
		t.Errorf("unexpected log output %q", out)
	}
}

type emptyEngine struct{}

func (emptyEngine) Enter(model.Resource, ...any) (model.Admission, error) {
	return model.Admission{}, nil
}

func (emptyEngine) EnterAsync(model.Resource, int, ...any) (model.Admission, error) {
	return model.Admission{}, nil
}
