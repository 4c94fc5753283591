// Package registry implements the array registry (C1): it assigns
// monotonic identities to arrays, stores their shape/stride/base
// metadata, and owns the host buffer backing each base array.
//
// Per the arena + index design note, aliasing is always by id, never by
// raw pointer: views carry only their base's id, and every traversal
// resolves through the Registry. This keeps DISCARD from leaving
// dangling references and makes the cluster slave's id -> local
// descriptor rewiring (C9) a simple map lookup.
package registry

import (
	"fmt"
	"sync"
)

// ElementType is the closed set of element types a descriptor may carry.
type ElementType uint8

const (
	Int8 ElementType = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Bool
	Complex64
	Complex128
)

var elemSizes = map[ElementType]int{
	Int8: 1, Int16: 2, Int32: 4, Int64: 8,
	Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
	Float32: 4, Float64: 8,
	Bool:       1,
	Complex64:  8,
	Complex128: 16,
}

var elemNames = map[ElementType]string{
	Int8: "int8", Int16: "int16", Int32: "int32", Int64: "int64",
	Uint8: "uint8", Uint16: "uint16", Uint32: "uint32", Uint64: "uint64",
	Float32: "float32", Float64: "float64", Bool: "bool",
	Complex64: "complex64", Complex128: "complex128",
}

// Size returns the number of bytes a single element of this type occupies.
func (t ElementType) Size() int { return elemSizes[t] }

func (t ElementType) String() string {
	if n, ok := elemNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ElementType(%d)", uint8(t))
}

// MaxRank bounds the number of axes a descriptor may carry.
const MaxRank = 16

// Descriptor describes one logical array: either a base (Base == nil)
// that owns host storage, or a view into a base (Base != nil) that
// re-windows it via Shape/Stride/Start without owning any storage.
type Descriptor struct {
	ID   int64
	Base *int64 // nil for a base array; the base's id for a view

	ElemType ElementType
	Shape    []int64
	Stride   []int64
	Start    int64 // offset in elements from the base

	// Data is the host buffer. Only bases hold host storage; it is
	// always nil on a view.
	Data []byte

	// DeviceBuf is an opaque handle into the GPU resource layer's
	// buffer for this base (GPU path only). Views never set this --
	// residency is tracked per base by the data manager.
	DeviceBuf interface{}

	refCount int32
	isTemp   bool
}

// NumElements returns the total element count, the product of Shape.
// A descriptor with ndim == 0 is a scalar and has exactly one element.
func (d *Descriptor) NumElements() int64 {
	if len(d.Shape) == 0 {
		return 1
	}
	n := int64(1)
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// IsScalar reports whether the descriptor has rank 0.
func (d *Descriptor) IsScalar() bool { return len(d.Shape) == 0 }

// IsView reports whether this descriptor shares storage with a base.
func (d *Descriptor) IsView() bool { return d.Base != nil }

// BaseID returns the id this descriptor's storage belongs to: its own
// id if it is a base, or the referenced base's id if it is a view.
func (d *Descriptor) BaseID() int64 {
	if d.Base != nil {
		return *d.Base
	}
	return d.ID
}

// SetTemp marks this array as a compiler temporary: the batch builder
// may fold it into a producing batch without forcing a readback, since
// no downstream consumer outside that batch can observe it.
func (d *Descriptor) SetTemp(temp bool) { d.isTemp = temp }

// IsTemp reports whether this array was marked as a compiler temporary.
func (d *Descriptor) IsTemp() bool { return d.isTemp }

// retain records one more live view onto a base descriptor.
func (d *Descriptor) retain() { d.refCount++ }

// release drops one view onto a base descriptor and reports the
// remaining count.
func (d *Descriptor) release() int32 {
	d.refCount--
	return d.refCount
}

// RefCount reports the number of live views onto a base descriptor
// (always 0 for a view itself, since only bases are retained).
func (d *Descriptor) RefCount() int32 { return d.refCount }

// Registry owns every live Descriptor in the process and hands out
// monotonic, never-reused identities. It is single-owner: one Registry
// per scheduling domain (the GPU/local path, or a cluster rank's local
// slab), never shared across threads.
type Registry struct {
	mu    sync.Mutex
	next  int64
	items map[int64]*Descriptor
}

// New creates an empty Registry. Identity counting starts at 1 so that
// 0 can be used as a "no array" sentinel in wire formats.
func New() *Registry {
	return &Registry{next: 1, items: make(map[int64]*Descriptor)}
}

// NewID allocates the next identity. Ids are strictly increasing and
// never reused within the Registry's lifetime.
func (r *Registry) NewID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	return id
}

// Insert stores d under its own ID, overwriting whatever was there.
func (r *Registry) Insert(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = d
}

// Get resolves an id to its Descriptor.
func (r *Registry) Get(id int64) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	return d, ok
}

// ResolveBase walks a view to its owning base descriptor. If d is
// itself a base, it is returned unchanged.
func (r *Registry) ResolveBase(d *Descriptor) (*Descriptor, bool) {
	if d.Base == nil {
		return d, true
	}
	return r.Get(*d.Base)
}

// Remove drops an id from the registry. Used by the GPU scheduler's
// DISCARD handling and by the cluster slave's SHUTDOWN. If id
// names a view, its base's outstanding-view count is released first.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.items[id]; ok && d.Base != nil {
		if base, ok := r.items[*d.Base]; ok {
			base.release()
		}
	}
	delete(r.items, id)
}

// Len returns the number of live descriptors, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// NewBase allocates and inserts a new base array of the given element
// type and shape, with freshly zeroed host storage.
func (r *Registry) NewBase(elemType ElementType, shape []int64) *Descriptor {
	id := r.NewID()
	stride := contiguousStride(shape)
	d := &Descriptor{
		ID:       id,
		ElemType: elemType,
		Shape:    append([]int64(nil), shape...),
		Stride:   stride,
		Data:     make([]byte, descNumElements(shape)*int64(elemType.Size())),
	}
	r.Insert(d)
	return d
}

// NewView allocates and inserts a new view onto base with the given
// shape, stride, and element offset. Shape/stride are copied at view
// creation so later reshapes never chase a pointer chain back through
// the base.
func (r *Registry) NewView(base *Descriptor, shape, stride []int64, start int64) *Descriptor {
	id := r.NewID()
	baseID := base.ID
	d := &Descriptor{
		ID:       id,
		Base:     &baseID,
		ElemType: base.ElemType,
		Shape:    append([]int64(nil), shape...),
		Stride:   append([]int64(nil), stride...),
		Start:    start,
	}
	base.retain()
	r.Insert(d)
	return d
}

func descNumElements(shape []int64) int64 {
	if len(shape) == 0 {
		return 1
	}
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

func contiguousStride(shape []int64) []int64 {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}
