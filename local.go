package hostv8

import (
	"unsafe"
)

// Local is a non-owning reference to an engine object of type T, rooted in
// the handle scope that was innermost when it was created.
//
// A Local is a single pointer and is copied freely; copies alias the same
// engine object. It stays valid until its scope closes. Using it after that
// is not detected.
//
// "No value" is always reported through a false ok result, never through a
// Local. The zero Local is not a valid handle.
type Local[T any] struct {
	ptr unsafe.Pointer
}

// FromRaw adopts a raw engine pointer. ok is false iff ptr is nil.
func FromRaw[T any](ptr unsafe.Pointer) (l Local[T], ok bool) {
	if ptr == nil {
		return Local[T]{}, false
	}
	return Local[T]{ptr: ptr}, true
}

// Deref returns the engine object. It panics on the zero Local.
func (l Local[T]) Deref() *T {
	if l.ptr == nil {
		panic("hostv8: dereferencing an empty Local")
	}
	return (*T)(l.ptr)
}

// Raw returns the engine pointer the Local wraps.
func (l Local[T]) Raw() unsafe.Pointer { return l.ptr }

// Same reports whether two Locals hold the same engine pointer. Distinct
// pointers may still name the same engine object; use Value.SameValue to
// compare values.
func (l Local[T]) Same(other Local[T]) bool { return l.ptr == other.ptr }

func (l Local[T]) host() handleHost { return handleHost{kind: hostScope} }

// Reroot creates a new Local for the object behind l in the scope s.
func Reroot[T any](s Scope, l Local[T]) Local[T] {
	d := s.scope().enterOp()
	if l.ptr == nil {
		panic("hostv8: rerooting an empty Local")
	}
	if !l.host().match(d.isolate.host(), nil) {
		panic("hostv8: handle belongs to a different isolate")
	}
	out, _ := castLocal[T](d, func(*scopeData) unsafe.Pointer { return l.ptr })
	return out
}

// Upcasts widen a Local along the type hierarchy and never fail.

func AsData[T DataKind](l Local[T]) Local[Data]                { return Local[Data]{l.ptr} }
func AsValue[T ValueKind](l Local[T]) Local[Value]             { return Local[Value]{l.ptr} }
func AsPrimitive[T PrimitiveKind](l Local[T]) Local[Primitive] { return Local[Primitive]{l.ptr} }
func AsName[T NameKind](l Local[T]) Local[Name]                { return Local[Name]{l.ptr} }
func AsNumber[T NumberKind](l Local[T]) Local[Number]          { return Local[Number]{l.ptr} }
func AsInteger[T IntegerKind](l Local[T]) Local[Integer]       { return Local[Integer]{l.ptr} }
func AsObject[T ObjectKind](l Local[T]) Local[Object]          { return Local[Object]{l.ptr} }
func AsTemplate[T TemplateKind](l Local[T]) Local[Template]    { return Local[Template]{l.ptr} }

// UncheckedCast reinterprets l as a Local of another type. The caller must
// already know the object's dynamic type, usually from an Is* predicate.
func UncheckedCast[To, From any](l Local[From]) Local[To] {
	return Local[To]{l.ptr}
}

// TryCast narrows a value to To after checking its dynamic type.
func TryCast[To Castable, From ValueKind](l Local[From]) (Local[To], bool) {
	var target To
	if l.ptr == nil || !target.matches((*Value)(l.ptr).raw()) {
		return Local[To]{}, false
	}
	return Local[To]{l.ptr}, true
}
