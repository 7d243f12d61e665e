// Package registry implements the subscription registry: the authoritative
// index from message type (or type tuple) to matching subscriptions, plus
// the supertype and varArg caches that make repeated dispatch lookups
// cheap. All registry state is guarded by a single reader-writer lock;
// handler invocation itself never happens while that lock is held — callers
// snapshot a subscription list under the read lock, release it, and invoke
// outside (spec §5).
package registry

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/coachpo/busline/core/handler"
	"github.com/coachpo/busline/core/subscription"
	coretypes "github.com/coachpo/busline/core/types"
	"github.com/coachpo/busline/errs"
	"github.com/coachpo/busline/internal/observability"
)

// Registry is the subscription registry described by spec §3/§4.3. One
// Registry belongs to exactly one bus instance — there is no process-wide
// registry singleton.
type Registry struct {
	mu sync.RWMutex

	oracle   *coretypes.Oracle
	catalog  *coretypes.InterfaceCatalog
	provider handler.MetadataProvider
	errSink  errs.Sink

	byListenerClass map[reflect.Type][]*subscription.Subscription
	bySingleType    map[coretypes.Type][]*subscription.Subscription
	tuples          *trieNode
	tuplesByArity   map[int][]*subscription.Subscription

	nonListeners   map[reflect.Type]struct{}
	varArgPossible atomic.Bool

	superCache             sync.Map // coretypes.Type -> []*subscription.Subscription
	superCacheTuples       *trieNode
	varArgExactCache       sync.Map // coretypes.Type -> []*subscription.Subscription
	varArgSuperCache       sync.Map // coretypes.Type -> []*subscription.Subscription
	varArgSuperCacheTuples *trieNode
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithMetadataProvider overrides the default reflect-based provider.
func WithMetadataProvider(p handler.MetadataProvider) Option {
	return func(r *Registry) { r.provider = p }
}

// WithInterfaceCatalog supplies the catalog of interface types the oracle
// checks for supertype computation.
func WithInterfaceCatalog(catalog *coretypes.InterfaceCatalog) Option {
	return func(r *Registry) { r.catalog = catalog }
}

// WithErrorSink routes metadata-extraction failures (spec §7: "reflection/
// metadata failures ... surface as handler failures on first use") to sink.
func WithErrorSink(sink errs.Sink) Option {
	return func(r *Registry) { r.errSink = sink }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		oracle:           coretypes.NewOracle(),
		provider:         handler.ReflectProvider{},
		byListenerClass:  make(map[reflect.Type][]*subscription.Subscription),
		bySingleType:     make(map[coretypes.Type][]*subscription.Subscription),
		tuples:           newTrieNode(),
		tuplesByArity:    make(map[int][]*subscription.Subscription),
		nonListeners:           make(map[reflect.Type]struct{}),
		superCacheTuples:       newTrieNode(),
		varArgSuperCacheTuples: newTrieNode(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.catalog == nil {
		r.catalog = coretypes.NewInterfaceCatalog()
	}
	return r
}

// Catalog exposes the interface catalog backing supertype computation, so
// callers can register the interface types their handler parameters use.
func (r *Registry) Catalog() *coretypes.InterfaceCatalog { return r.catalog }

// Oracle exposes the type hierarchy oracle, for dispatch-core helpers that
// need superTypes/arrayOf directly (e.g. materializing a one-element array
// for a varArg invocation).
func (r *Registry) Oracle() *coretypes.Oracle { return r.oracle }

// VarArgPossible reports the monotone varArg-possibility flag (invariant
// I5): true once any acceptsVarArgs handler has ever been registered.
func (r *Registry) VarArgPossible() bool { return r.varArgPossible.Load() }

// Subscribe implements spec §4.3's subscribe(listener) algorithm. A nil
// listener is a no-op (spec §7).
func (r *Registry) Subscribe(listener any) {
	if listener == nil {
		return
	}
	class := reflect.TypeOf(listener)

	r.mu.RLock()
	if _, known := r.nonListeners[class]; known {
		r.mu.RUnlock()
		return
	}
	if subs, ok := r.byListenerClass[class]; ok {
		r.mu.RUnlock()
		for _, s := range subs {
			s.Subscribe(listener)
		}
		return
	}
	r.mu.RUnlock()

	metas, err := r.provider.HandlersOf(listener)
	if err != nil {
		r.reportMetadataFailure(listener, err)
		return
	}
	if len(metas) == 0 {
		r.mu.Lock()
		r.nonListeners[class] = struct{}{}
		r.mu.Unlock()
		return
	}

	newSubs := make([]*subscription.Subscription, len(metas))
	for i, md := range metas {
		s := subscription.New(md)
		s.Subscribe(listener)
		newSubs[i] = s
	}

	r.mu.Lock()
	if existing, ok := r.byListenerClass[class]; ok {
		// Lost the race: another goroutine registered this class first.
		r.mu.Unlock()
		for _, s := range existing {
			s.Subscribe(listener)
		}
		return
	}
	for _, s := range newSubs {
		r.indexLocked(s)
	}
	r.byListenerClass[class] = newSubs
	r.clearCachesLocked()
	r.mu.Unlock()
}

// Unsubscribe implements spec §4.3's unsubscribe(listener) algorithm. A nil
// listener, or one that was never subscribed, is a no-op (P7).
func (r *Registry) Unsubscribe(listener any) {
	if listener == nil {
		return
	}
	class := reflect.TypeOf(listener)

	r.mu.RLock()
	if _, known := r.nonListeners[class]; known {
		r.mu.RUnlock()
		return
	}
	subs, ok := r.byListenerClass[class]
	r.mu.RUnlock()
	if !ok {
		return
	}

	for _, s := range subs {
		s.Unsubscribe(listener)
	}

	r.mu.Lock()
	r.clearCachesLocked()
	r.mu.Unlock()
}

func (r *Registry) indexLocked(s *subscription.Subscription) {
	md := s.Metadata
	if md.Arity() == 1 {
		t := md.ParamTypes[0]
		r.bySingleType[t] = append(r.bySingleType[t], s)
	} else {
		r.tuples.insert(md.ParamTypes, s)
		r.tuplesByArity[md.Arity()] = append(r.tuplesByArity[md.Arity()], s)
	}
	if md.AcceptsVarArgs {
		r.varArgPossible.Store(true)
	}
}

func (r *Registry) clearCachesLocked() {
	r.superCache = sync.Map{}
	r.superCacheTuples = newTrieNode()
	r.varArgExactCache = sync.Map{}
	r.varArgSuperCache = sync.Map{}
	r.varArgSuperCacheTuples = newTrieNode()
}

func (r *Registry) reportMetadataFailure(listener any, err error) {
	if r.errSink == nil {
		observability.Log().Error("handler metadata extraction failed",
			observability.Field{Key: "listener_type", Value: reflect.TypeOf(listener).String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	r.errSink.Handle(errs.New(errs.CodeHandlerFailure,
		errs.WithMessage("handler metadata extraction failed"),
		errs.WithCause(err),
		errs.WithPublishedObjects([]any{listener}),
	))
}

// SubscriptionsExact returns the subscriptions declared with exact single
// type t, snapshotted under the read lock.
func (r *Registry) SubscriptionsExact(t coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySingleType[t]
}

// SubscriptionsExactTuple returns the subscriptions declared with the exact
// ordered type sequence ts (arity >= 2).
func (r *Registry) SubscriptionsExactTuple(ts []coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tuples.lookup(ts)
}

// SubscriptionsSuper returns every subscription whose declared type is a
// strict supertype of t and whose metadata has acceptsSubtypes=true.
func (r *Registry) SubscriptionsSuper(t coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cached, ok := r.superCache.Load(t); ok {
		return cached.([]*subscription.Subscription)
	}
	var result []*subscription.Subscription
	for _, super := range r.oracle.SuperTypes(t, r.catalog) {
		for _, sub := range r.bySingleType[super] {
			if sub.Metadata.AcceptsSubtypes {
				result = append(result, sub)
			}
		}
	}
	actual, _ := r.superCache.LoadOrStore(t, result)
	return actual.([]*subscription.Subscription)
}

// SubscriptionsSuperTuple returns every arity-matching tuple subscription
// whose declared type sequence is position-wise a supertype (or the same
// type) of ts, excluding the exact tuple itself — that is covered by
// SubscriptionsExactTuple. This is implemented as a single filtering pass
// over the same-arity tuple subscriptions in insertion order rather than a
// literal pairwise intersection of per-position super-lists: the two
// formulations select the same subscriptions (each requires, per position,
// a declared type that is T_i or a proper supertype of T_i, with at least
// one position a proper supertype) and the single pass avoids materializing
// a per-position candidate list only to intersect it away.
func (r *Registry) SubscriptionsSuperTuple(ts []coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cached, ok := r.superCacheTuples.lookupLoaded(ts)
	if ok {
		return cached
	}

	arity := len(ts)
	var result []*subscription.Subscription
	for _, sub := range r.tuplesByArity[arity] {
		if !sub.Metadata.AcceptsSubtypes {
			continue
		}
		if matchesSuperTuple(sub.Metadata.ParamTypes, ts, r.oracle, r.catalog) {
			result = append(result, sub)
		}
	}
	r.superCacheTuples.storeAt(ts, result)
	return result
}

func matchesSuperTuple(declared, published []coretypes.Type, oracle *coretypes.Oracle, catalog *coretypes.InterfaceCatalog) bool {
	strictlyDifferent := false
	for i, d := range declared {
		t := published[i]
		if d == t {
			continue
		}
		isSuper := false
		for _, s := range oracle.SuperTypes(t, catalog) {
			if s == d {
				isSuper = true
				break
			}
		}
		if !isSuper {
			return false
		}
		strictlyDifferent = true
	}
	return strictlyDifferent
}

// VarArgExact returns subscriptions declared T[] with acceptsVarArgs.
func (r *Registry) VarArgExact(t coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cached, ok := r.varArgExactCache.Load(t); ok {
		return cached.([]*subscription.Subscription)
	}
	array := r.oracle.ArrayOf(t)
	var result []*subscription.Subscription
	for _, sub := range r.bySingleType[array] {
		if sub.Metadata.AcceptsVarArgs {
			result = append(result, sub)
		}
	}
	actual, _ := r.varArgExactCache.LoadOrStore(t, result)
	return actual.([]*subscription.Subscription)
}

// VarArgSuper returns subscriptions declared S[] with
// acceptsSubtypes && acceptsVarArgs, where S[] is a proper supertype of T's
// array type (S a proper supertype of T).
func (r *Registry) VarArgSuper(t coretypes.Type) []*subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.varArgSuperLocked(t)
}

// varArgSuperLocked is VarArgSuper's body with the locking pulled out, so
// VarArgSuperTuple can call it once per tuple position under a single read
// lock instead of recursively re-acquiring r.mu (sync.RWMutex read locks
// are not safely reentrant against an interleaving writer).
func (r *Registry) varArgSuperLocked(t coretypes.Type) []*subscription.Subscription {
	if cached, ok := r.varArgSuperCache.Load(t); ok {
		return cached.([]*subscription.Subscription)
	}
	array := r.oracle.ArrayOf(t)
	var result []*subscription.Subscription
	for _, super := range r.oracle.SuperTypes(array, r.catalog) {
		for _, sub := range r.bySingleType[super] {
			if sub.Metadata.AcceptsSubtypes && sub.Metadata.AcceptsVarArgs {
				result = append(result, sub)
			}
		}
	}
	actual, _ := r.varArgSuperCache.LoadOrStore(t, result)
	return actual.([]*subscription.Subscription)
}

// VarArgExactTuple is the tuple variant of VarArgExact for a variadic
// publish whose k values all share the same runtime type T: it reduces to
// VarArgExact(T). Unlike VarArgSuperTuple below, this has no cross-type
// form to fall back to — there is no multi-class overload of the exact
// varArg lookup in the original messagebus implementation this traces to
// (dorkbox's VarArgUtils only ever exposes a single-Class
// getVarArgSubscriptions; the two- and three-Class overloads exist only for
// the *super* lookup), so a genuinely mixed-type tuple has no exact varArg
// match by design, not by approximation.
func (r *Registry) VarArgExactTuple(ts []coretypes.Type) []*subscription.Subscription {
	first, ok := sameType(ts)
	if !ok {
		return nil
	}
	return r.VarArgExact(first)
}

// VarArgSuperTuple implements varArgSuper(T1,...,Tn) for a k=2/3 publish.
// Grounded in dorkbox's VarArgUtils.getVarArgSuperSubscriptions(class1,
// class2[, class3]): per position i it computes varArgSuper(T_i) (the same
// set VarArgSuper(T_i) returns) and intersects those sets by subscription
// identity, exactly as VarArgUtils intersects each position's own
// getVarArgSuperSubscriptions_List via ClassUtils.findCommon. A handler
// declared S[] matches iff S is a supertype of every T_i — which does not
// require the T_i themselves to share a runtime type, only to share a
// common declared array supertype (e.g. several concrete types all
// implementing the same interface, or all assignable to `any`). The
// same-runtime-type case this reduced to before is just the special case
// where every position's candidate set is identical.
//
// Callers that need the narrower "only when all k values share the same
// runtime type" rule spec §4.4 states for arity >= 4 apply that gate
// themselves before calling in; this method does not re-derive arity.
func (r *Registry) VarArgSuperTuple(ts []coretypes.Type) []*subscription.Subscription {
	if len(ts) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cached, ok := r.varArgSuperCacheTuples.lookupLoaded(ts); ok {
		return cached
	}

	result := r.varArgSuperLocked(ts[0])
	for _, t := range ts[1:] {
		if len(result) == 0 {
			break
		}
		result = intersectSubscriptions(result, r.varArgSuperLocked(t))
	}
	r.varArgSuperCacheTuples.storeAt(ts, result)
	return result
}

// intersectSubscriptions returns the subscriptions present in both a and b,
// by pointer identity, preserving a's order — the Go analogue of
// ClassUtils.findCommon as used by VarArgUtils' multi-class overloads.
func intersectSubscriptions(a, b []*subscription.Subscription) []*subscription.Subscription {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	present := make(map[*subscription.Subscription]struct{}, len(b))
	for _, s := range b {
		present[s] = struct{}{}
	}
	var out []*subscription.Subscription
	for _, s := range a {
		if _, ok := present[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// sameType reports whether every element of ts is the same Type, returning
// that Type. An empty ts is not "same" (there is nothing to be same as).
func sameType(ts []coretypes.Type) (coretypes.Type, bool) {
	if len(ts) == 0 {
		return coretypes.Type{}, false
	}
	first := ts[0]
	for _, t := range ts[1:] {
		if t != first {
			return coretypes.Type{}, false
		}
	}
	return first, true
}

// DebugSnapshot reports table sizes for introspection/debugging. It is not
// on any dispatch hot path.
type DebugSnapshot struct {
	ListenerClasses int
	SingleTypes     int
	TupleArities    map[int]int
	NonListeners    int
	VarArgPossible  bool
}

// Debug returns a point-in-time snapshot of registry table sizes.
func (r *Registry) Debug() DebugSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	arities := make(map[int]int, len(r.tuplesByArity))
	for arity, subs := range r.tuplesByArity {
		arities[arity] = len(subs)
	}
	return DebugSnapshot{
		ListenerClasses: len(r.byListenerClass),
		SingleTypes:     len(r.bySingleType),
		TupleArities:    arities,
		NonListeners:    len(r.nonListeners),
		VarArgPossible:  r.varArgPossible.Load(),
	}
}
