package pool

// PooledObject describes objects managed by a bounded pool. The asyncbus
// package's MessageHolder is the only implementor this repo registers, via
// PoolManager's "asyncbus.messageholder" pool, but BoundedPool itself stays
// generic over any type that clears its own state on Reset.
type PooledObject interface {
	// Reset clears the object back to its zero dispatch state before it
	// re-enters the pool, so the next Get never observes a stale payload.
	Reset()
	SetReturned(bool)
	IsReturned() bool
}
