package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/rpcguard/internal/model"
)

// LocalEngine is an in-process Engine. Rules can be swapped at any time
// with Load; sections already open keep the rule state they entered with.
// Thread-safe.
type LocalEngine struct {
	mu    sync.RWMutex
	index *ruleIndex
	hash  string

	limiters *limiterStore

	imu      sync.Mutex
	inflight map[string]*inflight

	now func() time.Time
}

type inflight struct {
	sync  int
	async int
}

// ruleIndex is a rule set keyed by resource name.
type ruleIndex struct {
	gen         uint64
	flow        map[string]FlowRule
	paramFlow   map[string][]ParamFlowRule
	concurrency map[string]ConcurrencyRule
	breakers    map[string]*breaker
}

var generation atomic.Uint64

// EngineOption configures a LocalEngine.
type EngineOption func(*LocalEngine)

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) EngineOption {
	return func(e *LocalEngine) { e.now = now }
}

// NewLocalEngine creates an engine enforcing rules. A nil rule set admits
// everything.
func NewLocalEngine(rules *Rules, opts ...EngineOption) (*LocalEngine, error) {
	e := &LocalEngine{
		limiters: newLimiterStore(15 * time.Minute),
		inflight: make(map[string]*inflight),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.Load(rules, ""); err != nil {
		return nil, err
	}
	return e, nil
}

// Load validates rules and atomically replaces the active rule set.
// Token buckets and circuits start fresh for the new set.
func (e *LocalEngine) Load(rules *Rules, hash string) error {
	if rules == nil {
		rules = &Rules{}
	}
	if err := rules.Validate(); err != nil {
		return err
	}

	idx := &ruleIndex{
		gen:         generation.Add(1),
		flow:        make(map[string]FlowRule, len(rules.Flow)),
		paramFlow:   make(map[string][]ParamFlowRule, len(rules.ParamFlow)),
		concurrency: make(map[string]ConcurrencyRule, len(rules.Concurrency)),
		breakers:    make(map[string]*breaker, len(rules.Degrade)),
	}
	for _, r := range rules.Flow {
		idx.flow[r.Resource] = r
	}
	for _, r := range rules.ParamFlow {
		idx.paramFlow[r.Resource] = append(idx.paramFlow[r.Resource], r)
	}
	for _, r := range rules.Concurrency {
		idx.concurrency[r.Resource] = r
	}
	for _, r := range rules.Degrade {
		idx.breakers[r.Resource] = newBreaker(r.FailureThreshold, r.OpenDuration, e.now)
	}

	e.mu.Lock()
	e.index = idx
	e.hash = hash
	e.mu.Unlock()
	return nil
}

// Hash returns the hash passed to the last successful Load.
func (e *LocalEngine) Hash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hash
}

// Enter implements Engine.
func (e *LocalEngine) Enter(res model.Resource, args ...any) (model.Admission, error) {
	return e.enter(res, false, 1, args)
}

// EnterAsync implements Engine.
func (e *LocalEngine) EnterAsync(res model.Resource, batch int, args ...any) (model.Admission, error) {
	if batch <= 0 {
		return model.Admission{}, fmt.Errorf("async entry %q: batch must be positive, got %d", res.Name, batch)
	}
	return e.enter(res, true, batch, args)
}

// InFlight returns the number of open sync and async sections for a resource.
func (e *LocalEngine) InFlight(resource string) (syncCount, asyncCount int) {
	e.imu.Lock()
	defer e.imu.Unlock()
	if f := e.inflight[resource]; f != nil {
		return f.sync, f.async
	}
	return 0, 0
}

// BreakerState returns the circuit state for a resource with a degrade rule.
func (e *LocalEngine) BreakerState(resource string) BreakerState {
	e.mu.RLock()
	b := e.index.breakers[resource]
	e.mu.RUnlock()
	if b == nil {
		return StateClosed
	}
	return b.state(resource)
}

// StartJanitor drops idle token buckets every interval until ctx is done.
func (e *LocalEngine) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go e.limiters.janitor(ctx, every, e.now)
}

func (e *LocalEngine) enter(res model.Resource, async bool, batch int, args []any) (model.Admission, error) {
	if res.Name == "" {
		return model.Admission{}, fmt.Errorf("enter: empty resource name")
	}

	e.mu.RLock()
	idx := e.index
	e.mu.RUnlock()

	now := e.now()
	name := res.Name

	if r, ok := idx.flow[name]; ok {
		key := fmt.Sprintf("%d|flow|%s", idx.gen, name)
		if !e.limiters.allow(key, r.QPS, r.Burst, now) {
			return deny(model.CauseFlow, name, "flow."+name,
				fmt.Sprintf("rate limit %.2f qps exceeded", r.QPS)), nil
		}
	}

	for _, r := range idx.paramFlow[name] {
		if r.ParamIndex >= len(args) {
			continue
		}
		value := fmt.Sprint(args[r.ParamIndex])
		qps := r.QPS
		burst := r.Burst
		if q, ok := r.Overrides[value]; ok {
			qps = q
			burst = defaultBurst(q)
		}
		ruleID := fmt.Sprintf("param_flow.%s.%d", name, r.ParamIndex)
		if qps == 0 {
			return deny(model.CauseParamFlow, name, ruleID,
				fmt.Sprintf("argument %d value %q is blocked", r.ParamIndex, value)), nil
		}
		key := fmt.Sprintf("%d|param|%s|%d|%s", idx.gen, name, r.ParamIndex, value)
		if !e.limiters.allow(key, qps, burst, now) {
			return deny(model.CauseParamFlow, name, ruleID,
				fmt.Sprintf("argument %d value %q exceeded %.2f qps", r.ParamIndex, value, qps)), nil
		}
	}

	held := 0
	if r, ok := idx.concurrency[name]; ok {
		units := 1
		if async {
			units = batch
		}
		if !e.acquire(name, async, units, r) {
			limit := r.MaxSync
			if async {
				limit = r.MaxAsync
			}
			return deny(model.CauseConcurrency, name, "concurrency."+name,
				fmt.Sprintf("%d open sections, limit %d", e.open(name, async), limit)), nil
		}
		held = units
	}

	b := idx.breakers[name]
	if b != nil && !b.allow(name) {
		e.releaseInflight(name, async, held)
		return deny(model.CauseDegrade, name, "degrade."+name, "circuit open"), nil
	}

	return model.Admitted(&token{
		engine:  e,
		res:     res,
		async:   async,
		held:    held,
		breaker: b,
	}), nil
}

func deny(cause model.Cause, resource, rule, reason string) model.Admission {
	return model.Denied(&model.Denial{Cause: cause, Resource: resource, Rule: rule, Reason: reason})
}

func (e *LocalEngine) acquire(name string, async bool, units int, r ConcurrencyRule) bool {
	e.imu.Lock()
	defer e.imu.Unlock()

	f := e.inflight[name]
	if f == nil {
		f = &inflight{}
		e.inflight[name] = f
	}
	if async {
		if r.MaxAsync > 0 && f.async+units > r.MaxAsync {
			return false
		}
		f.async += units
		return true
	}
	if r.MaxSync > 0 && f.sync+units > r.MaxSync {
		return false
	}
	f.sync += units
	return true
}

func (e *LocalEngine) open(name string, async bool) int {
	s, a := e.InFlight(name)
	if async {
		return a
	}
	return s
}

func (e *LocalEngine) releaseInflight(name string, async bool, units int) {
	if units == 0 {
		return
	}
	e.imu.Lock()
	defer e.imu.Unlock()

	f := e.inflight[name]
	if f == nil {
		return
	}
	if async {
		f.async -= units
	} else {
		f.sync -= units
	}
	if f.sync <= 0 && f.async <= 0 {
		delete(e.inflight, name)
	}
}

// token is an open section on a LocalEngine.
type token struct {
	engine  *LocalEngine
	res     model.Resource
	async   bool
	held    int
	breaker *breaker
	failed  atomic.Bool
	exited  atomic.Bool
}

func (t *token) Resource() model.Resource { return t.res }

func (t *token) Trace(err error) {
	if err != nil {
		t.failed.Store(true)
	}
}

// Exit releases the section. Calls after the first are ignored.
func (t *token) Exit() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	t.engine.releaseInflight(t.res.Name, t.async, t.held)
	if t.breaker == nil {
		return
	}
	if t.failed.Load() {
		t.breaker.recordFailure(t.res.Name)
	} else {
		t.breaker.recordSuccess(t.res.Name)
	}
}
