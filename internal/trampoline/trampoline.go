// Package trampoline recovers a Go interface value from the address of a base
// field embedded somewhere inside a concrete type.
//
// The engine only ever holds a pointer to a C++-layout header that lives inside
// a base struct, which in turn lives inside the host type implementing the
// interface. Probe records, once per (interface, base, embedder) triple, how
// far the base field sits from the start of the embedder and which interface
// table the embedder's pointer type uses. Dispatch walks back from the base
// address with that layout and reassembles the two-word interface value.
//
// A Layout is only valid for the embedder type it was probed on. Values must
// not be converted to a differently laid out type after the base is built.
package trampoline

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// Layout locates a base field inside one concrete embedder type.
type Layout struct {
	offset uintptr        // base field offset from the start of the embedder
	table  unsafe.Pointer // interface table word for the embedder's pointer type
}

// Offset returns the byte offset of the base field inside the embedder.
func (l Layout) Offset() uintptr { return l.offset }

// IsZero reports whether the layout was never probed.
func (l Layout) IsZero() bool { return l.table == nil }

// iface mirrors the runtime representation of an interface value.
type iface struct {
	table unsafe.Pointer
	data  unsafe.Pointer
}

type layoutKey struct {
	iface, base, embedder reflect.Type
}

var layouts sync.Map // layoutKey -> Layout

// Probe computes the layout of base type B inside struct type E, for *E seen
// as interface I. B must be a direct field of E (embedded or named) and *E
// must implement I. Results are cached per type triple.
func Probe[I any, B any, E any]() Layout {
	ifaceType := reflect.TypeFor[I]()
	baseType := reflect.TypeFor[B]()
	embedderType := reflect.TypeFor[E]()
	key := layoutKey{ifaceType, baseType, embedderType}
	if l, ok := layouts.Load(key); ok {
		return l.(Layout)
	}

	if ifaceType.Kind() != reflect.Interface {
		panic(fmt.Sprintf("hostv8: trampoline interface %v is not an interface type", ifaceType))
	}
	if embedderType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("hostv8: trampoline embedder %v is not a struct type", embedderType))
	}
	offset, ok := fieldOffset(embedderType, baseType)
	if !ok {
		panic(fmt.Sprintf("hostv8: %v has no field of type %v", embedderType, baseType))
	}

	// A nil *E stored in I still carries the interface table for *E.
	var nilEmbedder *E
	asIface, ok := any(nilEmbedder).(I)
	if !ok {
		panic(fmt.Sprintf("hostv8: *%v does not implement %v", embedderType, ifaceType))
	}
	l := Layout{
		offset: offset,
		table:  (*iface)(unsafe.Pointer(&asIface)).table,
	}
	actual, _ := layouts.LoadOrStore(key, l)
	return actual.(Layout)
}

func fieldOffset(embedder, base reflect.Type) (uintptr, bool) {
	found := false
	var offset uintptr
	for i := 0; i < embedder.NumField(); i++ {
		f := embedder.Field(i)
		if f.Type != base {
			continue
		}
		if found {
			panic(fmt.Sprintf("hostv8: %v embeds more than one %v", embedder, base))
		}
		found, offset = true, f.Offset
	}
	return offset, found
}

// Embedder returns the address of the embedder given the address of its base
// field.
func (l Layout) Embedder(base unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(base, -int(l.offset))
}

// Dispatch reassembles the interface value for the embedder owning the base
// field at base.
func Dispatch[I any](l Layout, base unsafe.Pointer) I {
	if l.IsZero() {
		panic("hostv8: dispatch through a base that was never constructed")
	}
	var out I
	w := (*iface)(unsafe.Pointer(&out))
	w.table = l.table
	w.data = l.Embedder(base)
	return out
}

// BaseOf returns the address of the struct that contains a header field at
// headerOffset, given the header's address.
func BaseOf(header unsafe.Pointer, headerOffset uintptr) unsafe.Pointer {
	return unsafe.Add(header, -int(headerOffset))
}
