// Package addrspace implements the process-wide address-space registry
// (spec.md §4.4's ASB) and the device attach/detach controller (DAC) that
// resolves a device to a container within it.
package addrspace

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/memory"
)

// Binding is one AddressSpace -> {Containers, memory listener} registry
// entry (spec.md §3's AddressSpace binding). Pipeline both holds the
// attached containers and fans out memory events to them, so a Binding's
// "listener" is simply its Pipeline rather than a separately
// installed/uninstalled object.
type Binding struct {
	ID       string
	Pipeline *memory.Pipeline
}

// Registry is the process-wide AddressSpace -> Binding map (spec.md §4.4;
// §9's design note: "model explicitly as a small process context, not
// implicit globals").
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	creating singleflight.Group

	systemAS       string
	pageSize       uint64
	safeOwnerTypes []string

	onFirstBinding func()
	onLastBinding  func()
}

// NewRegistry constructs an empty Registry. systemAS/pageSize/safeOwnerTypes
// are threaded into every Binding's Pipeline.
func NewRegistry(systemAS string, pageSize uint64, safeOwnerTypes ...string) *Registry {
	return &Registry{
		bindings:       make(map[string]*Binding),
		systemAS:       systemAS,
		pageSize:       pageSize,
		safeOwnerTypes: safeOwnerTypes,
	}
}

// SetResetHooks registers the process-wide reset-hook install/uninstall
// callbacks: onFirst runs when the registry transitions from empty to
// non-empty, onLast when it transitions back (spec.md §4.4's "registers a
// process reset hook on first creation" / "unregister the global reset
// hook"). Typically onFirst/onLast register and unregister a DAC.ResetAll
// call with the kernel accelerator's reset-notification mechanism.
func (r *Registry) SetResetHooks(onFirst, onLast func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFirstBinding = onFirst
	r.onLastBinding = onLast
}

// GetOrCreate returns the single Binding for id, creating it if absent
// (spec.md §3: "at most one binding per distinct address-space identity").
// Concurrent calls for the same id are collapsed with singleflight so only
// one Binding is ever constructed per identity, even when multiple devices
// attach to a fresh address space at once.
func (r *Registry) GetOrCreate(id string) (*Binding, error) {
	r.mu.Lock()
	if b, ok := r.bindings[id]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	v, err, _ := r.creating.Do(id, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if b, ok := r.bindings[id]; ok {
			return b, nil
		}
		b := &Binding{
			ID:       id,
			Pipeline: memory.NewPipeline(r.systemAS, r.pageSize, r.safeOwnerTypes...),
		}
		if len(r.bindings) == 0 && r.onFirstBinding != nil {
			r.onFirstBinding()
		}
		r.bindings[id] = b
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binding), nil
}

// PutBinding removes b from the registry once its Pipeline has no attached
// containers left, and runs the last-binding reset-hook teardown if that
// was the final binding. Per spec.md §9's resolved open question (the
// source's vfio_put_address_space frees the binding first and only then
// checks emptiness of the global list, a suspected ordering bug), this
// computes whether the registry is about to become empty *before* deleting
// the entry, not after.
func (r *Registry) PutBinding(b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(b.Pipeline.Containers()) != 0 {
		return
	}
	wasLast := len(r.bindings) == 1
	delete(r.bindings, b.ID)
	if wasLast && r.onLastBinding != nil {
		r.onLastBinding()
	}
}

// Bindings returns a snapshot of every currently registered binding.
func (r *Registry) Bindings() []*Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out
}
