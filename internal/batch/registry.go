package batch

// Batches is an ordered, read-only view of tracked batches.
type Batches []*Batch

// IDs returns the batch IDs in order.
func (bs Batches) IDs() []ID {
	ids := make([]ID, len(bs))
	for i, b := range bs {
		ids[i] = b.ID()
	}

	return ids
}

// Contains reports whether a batch with id is part of the view.
func (bs Batches) Contains(id ID) bool {
	for _, b := range bs {
		if b.ID() == id {
			return true
		}
	}

	return false
}

// Registry maps IDs to batches and remembers insertion order. It is not safe for
// concurrent use; the owner guards it.
type Registry struct {
	order []ID
	index map[ID]*Batch
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[ID]*Batch)}
}

// Add appends b. It returns false and leaves the registry untouched when the ID
// is already present.
func (r *Registry) Add(b *Batch) bool {
	return r.Insert(len(r.order), b)
}

// Insert places b at position pos, clamped to the current bounds.
func (r *Registry) Insert(pos int, b *Batch) bool {
	if _, ok := r.index[b.ID()]; ok {
		return false
	}

	if pos < 0 {
		pos = 0
	}

	if pos > len(r.order) {
		pos = len(r.order)
	}

	r.order = append(r.order, "")
	copy(r.order[pos+1:], r.order[pos:])
	r.order[pos] = b.ID()
	r.index[b.ID()] = b

	return true
}

func (r *Registry) Get(id ID) (*Batch, bool) {
	b, ok := r.index[id]

	return b, ok
}

// Remove deletes id and returns the batch and the position it held.
func (r *Registry) Remove(id ID) (*Batch, int, bool) {
	b, ok := r.index[id]
	if !ok {
		return nil, -1, false
	}

	delete(r.index, id)

	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			return b, i, true
		}
	}

	return b, -1, true
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Values returns the batches in insertion order.
func (r *Registry) Values() Batches {
	out := make(Batches, len(r.order))
	for i, id := range r.order {
		out[i] = r.index[id]
	}

	return out
}
