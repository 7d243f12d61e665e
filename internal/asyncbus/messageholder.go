package asyncbus

// MessageHolder is the pooled record spec §4.5 describes: up to three fixed
// message references, or a variadic slice for k != 1..3, plus enough shape
// information for a worker to resolve which synchronous Dispatch Core
// method to call. Holders are recycled through a free-list to keep the
// async path allocation-free in steady state.
type MessageHolder struct {
	args     [3]any
	variadic []any
	n        int
	returned bool
}

func newMessageHolder() *MessageHolder {
	return &MessageHolder{}
}

// fill populates the holder from a publish call's argument tuple. Arity
// 1-3 is stored in the fixed args slots (no allocation); any other arity is
// stored as a slice.
func (h *MessageHolder) fill(published []any) {
	switch len(published) {
	case 1, 2, 3:
		h.n = len(published)
		for i, a := range published {
			h.args[i] = a
		}
	default:
		h.variadic = published
	}
}

// Reset clears the holder for reuse, implementing pool.PooledObject.
func (h *MessageHolder) Reset() {
	h.args = [3]any{}
	h.variadic = nil
	h.n = 0
}

// SetReturned implements pool.PooledObject.
func (h *MessageHolder) SetReturned(v bool) { h.returned = v }

// IsReturned implements pool.PooledObject.
func (h *MessageHolder) IsReturned() bool { return h.returned }
