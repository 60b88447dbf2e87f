package mem

import (
	"reflect"
	"unsafe"

	"github.com/orizon-lang/memcx/internal/errors"
)

// Value is a word or a tagged reference into region memory. Inline values
// own nothing and are always valid. Indirect values carry the reference of
// the region they were allocated in and are checked against it on every
// access.
type Value struct {
	inline bool
	word   uint64

	tree   *Tree
	tag    Ref
	ptr    unsafe.Pointer
	base   unsafe.Pointer // chunk start, differs from ptr for padded values
	size   uintptr
	align  uintptr
	padded bool
}

// Inline wraps a self-contained word.
func Inline(word uint64) Value {
	return Value{inline: true, word: word}
}

// IsInline reports whether v owns no region memory.
func (v Value) IsInline() bool { return v.inline }

// Word returns the inline word.
func (v Value) Word() (uint64, bool) { return v.word, v.inline }

// Tag returns the region an indirect value lives in, the zero Ref for
// inline values.
func (v Value) Tag() Ref { return v.tag }

// Size returns the requested size of an indirect value.
func (v Value) Size() uintptr { return v.size }

// Align returns the alignment the value was allocated with.
func (v Value) Align() uintptr { return v.align }

// Padded reports whether the value was aligned by over-allocation.
func (v Value) Padded() bool { return v.padded }

// Valid reports whether v may be accessed.
func (v Value) Valid() bool { return v.check() == nil }

func (v Value) check() error {
	if v.inline {
		return nil
	}
	if v.tree == nil {
		return errors.RegionInactive(v.tag.String(), "zero value")
	}
	return v.tree.Validate(v.tag)
}

// Pointer returns the address of an indirect value.
func (v Value) Pointer() (unsafe.Pointer, error) {
	if v.inline {
		return nil, errors.UnsupportedType("inline value", "has no backing memory")
	}
	if err := v.check(); err != nil {
		return nil, err
	}
	return v.ptr, nil
}

// Bytes returns the memory of an indirect value. The slice aliases region
// memory and is only valid while v is.
func (v Value) Bytes() ([]byte, error) {
	p, err := v.Pointer()
	if err != nil {
		return nil, err
	}
	if v.size == 0 {
		return []byte{}, nil
	}
	return unsafe.Slice((*byte)(p), v.size), nil
}

// Box is a typed value stored in region memory. Region memory is invisible
// to the garbage collector, so T must not contain pointers.
type Box[T any] struct {
	v Value
}

// NewBox allocates a zeroed T in h's region.
func NewBox[T any](h *Handle) (Box[T], error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if hasPointers(typ) {
		return Box[T]{}, errors.UnsupportedType(typ.String(), "contains pointers the garbage collector cannot see in region memory")
	}
	v, err := h.AllocateZeroed(typ.Size(), uintptr(typ.Align()))
	if err != nil {
		return Box[T]{}, err
	}
	return Box[T]{v: v}, nil
}

// Get returns a pointer to the boxed T.
func (b Box[T]) Get() (*T, error) {
	p, err := b.v.Pointer()
	if err != nil {
		return nil, err
	}
	return (*T)(p), nil
}

// Value returns the underlying tagged value.
func (b Box[T]) Value() Value { return b.v }

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Slice,
		reflect.String, reflect.Chan, reflect.Func, reflect.Interface:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
