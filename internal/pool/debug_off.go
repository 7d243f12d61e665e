//go:build !debug

package pool

// debugState is a no-op in production builds: BoundedPool.Get/Put call
// through it unconditionally, and the "debug" build tag swaps in the
// stack-tracking variant (debug.go) that backs PoolManager's
// leak-candidate logging on a stuck Shutdown — see logOutstanding.
type debugState struct{}

func newDebugState(string) *debugState { return nil }

func (d *debugState) recordAcquire(PooledObject) {}

func (d *debugState) recordRelease(PooledObject) {}

func (d *debugState) activeStacks() []string { return nil }

func (d *debugState) poison(PooledObject) {}

func (d *debugState) clear(PooledObject) {}
