package chatsync

// MaxPinned is the maximum number of pinned conversations.
const MaxPinned = 5

// PinOrder is the local, bounded ordering of pinned conversation ids. The
// server is authoritative for whether an id is pinned, never for where it
// sits: order is the local insertion sequence among currently pinned ids.
//
// PinOrder is not safe for concurrent use; the engine guards it with the
// store lock.
type PinOrder struct {
	ids []string
	max int
}

// NewPinOrder creates an empty order bounded by MaxPinned.
func NewPinOrder() *PinOrder {
	return &PinOrder{max: MaxPinned}
}

// Pin appends id. It fails with ErrPinLimitExceeded when the order is full
// and is a no-op when id is already pinned.
func (p *PinOrder) Pin(id string) error {
	if p.Index(id) >= 0 {
		return nil
	}
	if len(p.ids) >= p.max {
		return ErrPinLimitExceeded
	}
	p.ids = append(p.ids, id)
	return nil
}

// Unpin removes id and returns the position it held, or -1.
func (p *PinOrder) Unpin(id string) int {
	i := p.Index(id)
	if i < 0 {
		return -1
	}
	p.ids = append(p.ids[:i], p.ids[i+1:]...)
	return i
}

// Reconcile applies a confirmed pinned flag. It reports false when a
// confirmed pin could not be placed because the order is full.
func (p *PinOrder) Reconcile(id string, pinned bool) bool {
	if !pinned {
		p.Unpin(id)
		return true
	}
	return p.Pin(id) == nil
}

// Rollback restores id to its state before an optimistic change. priorIndex
// is the position returned by Unpin; it is ignored when priorPinned is false.
func (p *PinOrder) Rollback(id string, priorPinned bool, priorIndex int) {
	if !priorPinned {
		p.Unpin(id)
		return
	}
	if p.Index(id) >= 0 || len(p.ids) >= p.max {
		return
	}
	if priorIndex < 0 || priorIndex > len(p.ids) {
		priorIndex = len(p.ids)
	}
	p.ids = append(p.ids, "")
	copy(p.ids[priorIndex+1:], p.ids[priorIndex:])
	p.ids[priorIndex] = id
}

// Rebuild converges on pinned, keeping the existing relative order of ids
// that stay pinned and appending new ones in the given order. It returns the
// ids that did not fit.
func (p *PinOrder) Rebuild(pinned []string) []string {
	want := make(map[string]struct{}, len(pinned))
	for _, id := range pinned {
		want[id] = struct{}{}
	}
	next := make([]string, 0, p.max)
	placed := make(map[string]struct{}, p.max)
	for _, id := range p.ids {
		if _, ok := want[id]; ok {
			next = append(next, id)
			placed[id] = struct{}{}
		}
	}
	var overflow []string
	for _, id := range pinned {
		if _, ok := placed[id]; ok {
			continue
		}
		if len(next) >= p.max {
			overflow = append(overflow, id)
			continue
		}
		next = append(next, id)
		placed[id] = struct{}{}
	}
	p.ids = next
	return overflow
}

// Index returns the position of id, or -1.
func (p *PinOrder) Index(id string) int {
	for i, v := range p.ids {
		if v == id {
			return i
		}
	}
	return -1
}

// Len returns the number of pinned ids.
func (p *PinOrder) Len() int { return len(p.ids) }

// IDs returns a copy of the order.
func (p *PinOrder) IDs() []string {
	return append([]string(nil), p.ids...)
}
