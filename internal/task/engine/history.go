package engine

// history keeps the newest executions up to a fixed limit, oldest first.
// Callers hold the owning job's lock.
type history struct {
	limit int
	items []*Execution
}

func newHistory(limit int) history {
	if limit <= 0 {
		limit = HistoryLimit
	}
	return history{limit: limit, items: make([]*Execution, 0, limit)}
}

func (h *history) push(x *Execution) {
	if len(h.items) >= h.limit {
		// Shift instead of re-slicing so the backing array never grows.
		copy(h.items, h.items[1:])
		h.items[len(h.items)-1] = x
		return
	}
	h.items = append(h.items, x)
}

func (h *history) len() int { return len(h.items) }

// last copies the newest n entries, oldest first.
func (h *history) last(n int) []Execution {
	if n <= 0 || len(h.items) == 0 {
		return nil
	}
	items := h.items
	if len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([]Execution, len(items))
	for i, x := range items {
		out[i] = *x
	}
	return out
}
