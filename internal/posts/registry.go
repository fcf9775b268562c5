package posts

import (
	"sync"

	"github.com/google/uuid"

	"postbot/internal/clock"
)

// Registry is the authoritative in-memory store of scheduled posts.
//
// All methods are safe for concurrent use. Values are copied in and out so
// callers never share mutable state with the store.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Delivery
	order []string // insertion order, used for numbered listings

	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Delivery{}, newID: uuid.NewString}
}

// Create stores d under a freshly generated id and returns it.
// Any ID already set on d is ignored.
func (r *Registry) Create(d Delivery) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.byID[id]; !taken {
			break
		}
		id = r.newID()
	}
	d.ID = id
	d.Preview = Preview(d.Text)
	r.byID[id] = d
	r.order = append(r.order, id)
	return id
}

func (r *Registry) Get(id string) (Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

// UpdateText replaces the body and recomputes the preview.
func (r *Registry) UpdateText(id, text string) (Delivery, error) {
	return r.update(id, func(d *Delivery) {
		d.Text = text
		d.Preview = Preview(text)
	})
}

func (r *Registry) UpdateTime(id string, at clock.TimeOfDay) (Delivery, error) {
	return r.update(id, func(d *Delivery) { d.At = at })
}

func (r *Registry) update(id string, fn func(d *Delivery)) (Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	fn(&d)
	r.byID[id] = d
	return d, nil
}

// Delete removes id. Deleting a missing id is a no-op; ok reports whether
// something was removed.
func (r *Registry) Delete(id string) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return Delivery{}, false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return d, true
}

// ListByOwner returns owner's posts in insertion order.
func (r *Registry) ListByOwner(owner int64) []Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Delivery
	for _, id := range r.order {
		if d := r.byID[id]; d.OwnerID == owner {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// OwnerCount and DestinationCount are breakdown rows of an Aggregate, listed
// in order of first appearance in the registry.
type OwnerCount struct {
	OwnerID int64
	Count   int
}

// DestinationCount rows are grouped by chat (Destination.Key); Destination
// is the display label, qualified with the key when two chats share a name.
type DestinationCount struct {
	Destination string
	Count       int
}

// Aggregate is a point-in-time summary of the registry.
type Aggregate struct {
	Total         int
	ByRecurrence  map[Recurrence]int
	ByOwner       []OwnerCount
	ByDestination []DestinationCount
}

// Aggregate computes every figure under one read lock so the totals are
// mutually consistent.
func (r *Registry) Aggregate() Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := Aggregate{
		Total:        len(r.order),
		ByRecurrence: map[Recurrence]int{Once: 0, Daily: 0},
	}
	ownerIdx := map[int64]int{}
	destIdx := map[string]int{}
	var destKeys []string
	for _, id := range r.order {
		d := r.byID[id]
		agg.ByRecurrence[d.Recurrence]++

		if i, ok := ownerIdx[d.OwnerID]; ok {
			agg.ByOwner[i].Count++
		} else {
			ownerIdx[d.OwnerID] = len(agg.ByOwner)
			agg.ByOwner = append(agg.ByOwner, OwnerCount{OwnerID: d.OwnerID, Count: 1})
		}

		key := d.Destination.Key()
		if i, ok := destIdx[key]; ok {
			agg.ByDestination[i].Count++
		} else {
			destIdx[key] = len(agg.ByDestination)
			destKeys = append(destKeys, key)
			agg.ByDestination = append(agg.ByDestination, DestinationCount{Destination: d.Destination.Display(), Count: 1})
		}
	}

	labels := make(map[string]int, len(agg.ByDestination))
	for _, dc := range agg.ByDestination {
		labels[dc.Destination]++
	}
	for i := range agg.ByDestination {
		if labels[agg.ByDestination[i].Destination] > 1 {
			agg.ByDestination[i].Destination += " (" + destKeys[i] + ")"
		}
	}
	return agg
}
