package pool

import (
	"fmt"
	"runtime/debug"
)

// ensureReturnable panics on a double-Put of the same pooled record — a
// worker returning a MessageHolder it (or another worker) already returned
// points at a retained reference somewhere past process() that the bus
// must not silently let back into circulation.
func ensureReturnable(obj PooledObject, poolName string) {
	if !obj.IsReturned() {
		return
	}
	panic(fmt.Sprintf("pool %s: double-Put() detected for %T\n%s", poolName, obj, debug.Stack()))
}

func markAcquired(obj PooledObject) {
	obj.SetReturned(false)
}

func markReturned(obj PooledObject) {
	obj.SetReturned(true)
}
