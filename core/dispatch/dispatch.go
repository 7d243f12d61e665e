// Package dispatch implements the synchronous Dispatch Core (spec §4.4):
// given a published message tuple, it produces the union of matching
// subscriptions — exact, then supertype, then varArg — and invokes them
// outside the registry lock. When no exact-type subscription matched, the
// publication is also routed to the dead-letter handler.
package dispatch

import (
	"context"

	"github.com/coachpo/busline/core/deadletter"
	"github.com/coachpo/busline/core/subscription"
	coretypes "github.com/coachpo/busline/core/types"
	"github.com/coachpo/busline/errs"
	"github.com/coachpo/busline/internal/observability"
	"github.com/coachpo/busline/internal/registry"
	"github.com/coachpo/busline/internal/telemetry"
)

var deadMessageType = coretypes.Of(deadletter.DeadMessage{})

// Core is the dispatch engine described by spec §4.4. One Core belongs to
// exactly one bus instance and reads its registry snapshots through the
// registry's own read lock; Core itself holds no lock.
type Core struct {
	registry *registry.Registry
	sinks    errs.Sink
	metrics  *observability.RuntimeMetrics
	telem    *telemetry.Instruments
}

// New constructs a dispatch Core over reg, reporting handler failures to
// sinks and recording activity through metrics/telem. Either observability
// dependency may be nil.
func New(reg *registry.Registry, sinks errs.Sink, metrics *observability.RuntimeMetrics, telem *telemetry.Instruments) *Core {
	return &Core{registry: reg, sinks: sinks, metrics: metrics, telem: telem}
}

// Publish1 implements publish(m1) (spec §4.4 steps 1-6).
func (c *Core) Publish1(ctx context.Context, m1 any) {
	if m1 == nil {
		return
	}
	c.recordPublished(ctx)
	t := coretypes.Of(m1)
	args := []any{m1}

	exact := c.registry.SubscriptionsExact(t)
	supers := c.registry.SubscriptionsSuper(t)

	var vaExact, vaSuper []*subscription.Subscription
	if c.registry.VarArgPossible() && !t.IsArray() {
		vaExact = c.registry.VarArgExact(t)
		vaSuper = c.registry.VarArgSuper(t)
	}

	c.invoke(ctx, "exact", exact, args)
	c.invoke(ctx, "super", supers, args)
	if len(vaExact) > 0 || len(vaSuper) > 0 {
		vaArgs := []any{materializeArray(c.registry.Oracle(), t, m1)}
		c.invoke(ctx, "vararg", vaExact, vaArgs)
		c.invoke(ctx, "vararg", vaSuper, vaArgs)
	}

	if len(exact) == 0 {
		c.deadLetter(ctx, args)
	}
}

// Publish2 implements publish(m1, m2).
func (c *Core) Publish2(ctx context.Context, m1, m2 any) {
	c.publishTuple(ctx, []any{m1, m2})
}

// Publish3 implements publish(m1, m2, m3).
func (c *Core) Publish3(ctx context.Context, m1, m2, m3 any) {
	c.publishTuple(ctx, []any{m1, m2, m3})
}

// PublishN implements the variadic publish(m1,...,mk). Per spec §4.4, k>=4
// uses only the tuple-key exact match plus — when every value shares the
// same runtime type — the varArg match; no supertype expansion is offered
// at this arity.
func (c *Core) PublishN(ctx context.Context, args ...any) {
	if len(args) == 0 {
		return
	}
	if len(args) <= 3 {
		c.publishTuple(ctx, args)
		return
	}
	if anyNil(args) {
		return
	}
	c.recordPublished(ctx)
	ts := typesOf(args)

	exact := c.registry.SubscriptionsExactTuple(ts)
	c.invoke(ctx, "exact", exact, args)

	// Per spec §4.4, arity >= 4 only offers the varArg match "when all k
	// values share the same runtime type" — no supertype expansion across
	// arbitrary arity. This is stricter than publishTuple's arity 2/3 path
	// below, which allows a genuine cross-type varArgSuper match.
	if c.registry.VarArgPossible() && allSameType(ts) {
		if vaExact, vaSuper := c.registry.VarArgExactTuple(ts), c.registry.VarArgSuperTuple(ts); len(vaExact) > 0 || len(vaSuper) > 0 {
			vaArgs := []any{materializeArrayFromTuple(c.registry.Oracle(), args)}
			c.invoke(ctx, "vararg", vaExact, vaArgs)
			c.invoke(ctx, "vararg", vaSuper, vaArgs)
		}
	}

	if len(exact) == 0 {
		c.deadLetter(ctx, args)
	}
}

func allSameType(ts []coretypes.Type) bool {
	for _, t := range ts[1:] {
		if t != ts[0] {
			return false
		}
	}
	return true
}

func (c *Core) publishTuple(ctx context.Context, args []any) {
	// Unary handlers are indexed by single type, not in the tuple trie, so a
	// one-element tuple takes the single-argument path.
	if len(args) == 1 {
		c.Publish1(ctx, args[0])
		return
	}
	if anyNil(args) {
		return
	}
	c.recordPublished(ctx)
	ts := typesOf(args)

	exact := c.registry.SubscriptionsExactTuple(ts)
	supers := c.registry.SubscriptionsSuperTuple(ts)

	var vaExact, vaSuper []*subscription.Subscription
	if c.registry.VarArgPossible() {
		vaExact = c.registry.VarArgExactTuple(ts)
		vaSuper = c.registry.VarArgSuperTuple(ts)
	}

	c.invoke(ctx, "exact", exact, args)
	c.invoke(ctx, "super", supers, args)
	if len(vaExact) > 0 || len(vaSuper) > 0 {
		vaArgs := []any{materializeArrayFromTuple(c.registry.Oracle(), args)}
		c.invoke(ctx, "vararg", vaExact, vaArgs)
		c.invoke(ctx, "vararg", vaSuper, vaArgs)
	}

	if len(exact) == 0 {
		c.deadLetter(ctx, args)
	}
}

// deadLetter implements spec §4.4 step 6: an *exact* match only, against
// DeadMessage — no super/varArg expansion ever applies to the envelope.
func (c *Core) deadLetter(ctx context.Context, published []any) {
	if c.metrics != nil {
		c.metrics.IncDeadLettered()
	}
	if c.telem != nil {
		c.telem.RecordDeadLettered(ctx)
	}
	handlers := c.registry.SubscriptionsExact(deadMessageType)
	if len(handlers) == 0 {
		return
	}
	msg := deadletter.New(published)
	c.invoke(ctx, "exact", handlers, []any{msg})
}

func (c *Core) invoke(ctx context.Context, bucket string, subs []*subscription.Subscription, args []any) {
	if len(subs) == 0 {
		return
	}
	var invoked int64
	for _, s := range subs {
		before := s.Len()
		if before == 0 {
			continue
		}
		s.Publish(args, func(listener any, err error) {
			c.reportHandlerFailure(ctx, listener, err, args)
		})
		invoked += int64(before)
	}
	if invoked == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.IncDispatched(bucket, invoked)
	}
	if c.telem != nil {
		c.telem.RecordDispatched(ctx, bucket, invoked)
	}
}

func (c *Core) reportHandlerFailure(ctx context.Context, listener any, err error, published []any) {
	if c.metrics != nil {
		c.metrics.IncHandlerFailures()
	}
	if c.telem != nil {
		c.telem.RecordHandlerFailure(ctx)
	}
	if c.sinks == nil {
		observability.Log().Error("handler invocation failed",
			observability.Field{Key: "listener_type", Value: typeName(listener)},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	c.sinks.Handle(errs.New(errs.CodeHandlerFailure,
		errs.WithMessage("handler invocation failed"),
		errs.WithCause(err),
		errs.WithPublishedObjects(published),
	))
}

func (c *Core) recordPublished(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.IncPublished()
	}
	if c.telem != nil {
		c.telem.RecordPublished(ctx)
	}
}

// materializeArray builds the one-element array-of-T the spec requires for
// a non-array publish (P4); callers must never rewrap an already-array
// publish — Publish1 only calls this from the non-array varArg branch, and
// publishTuple/PublishN build their varArg argument from the whole tuple
// with materializeArrayFromTuple instead.
func materializeArray(oracle *coretypes.Oracle, t coretypes.Type, m1 any) any {
	arrType := oracle.ArrayOf(t)
	return newSliceOfOne(arrType, m1)
}

func anyNil(args []any) bool {
	for _, a := range args {
		if a == nil {
			return true
		}
	}
	return false
}

func typesOf(args []any) []coretypes.Type {
	ts := make([]coretypes.Type, len(args))
	for i, a := range args {
		ts[i] = coretypes.Of(a)
	}
	return ts
}

func typeName(v any) string {
	return coretypes.Of(v).String()
}
