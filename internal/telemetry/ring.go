package telemetry

// ring keeps the most recent records up to a fixed capacity. Pushing into a
// full ring overwrites the oldest record.
type ring struct {
	buf   []Record
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]Record, capacity)}
}

func (r *ring) push(rec Record) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the retained records, oldest first.
func (r *ring) items() []Record {
	out := make([]Record, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// drop removes records whose ids are in delivered, preserving order.
func (r *ring) drop(delivered map[string]bool) {
	if len(delivered) == 0 || r.count == 0 {
		return
	}
	var kept []Record
	for _, rec := range r.items() {
		if !delivered[rec.ID] {
			kept = append(kept, rec)
		}
	}
	r.reset()
	for _, rec := range kept {
		r.push(rec)
	}
}

func (r *ring) reset() {
	clear(r.buf)
	r.start = 0
	r.count = 0
}

func (r *ring) size() int { return r.count }
