package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// NewObject creates an empty ordinary object.
func NewObject(s ContextScope) Local[Object] {
	d := s.scope().enterOp()
	v, err := v8engine.NewObject(d.mustContext())
	if err != nil {
		panic("hostv8: allocating object: " + err.Error())
	}
	return mustLocal[Object](d, unsafe.Pointer(v))
}

func (o *Object) engineObject() *v8engine.Object {
	obj, err := o.raw().AsObject()
	if err != nil {
		panic("hostv8: object handle does not hold an object")
	}
	return obj
}

// Get reads the property key. Array indices are read as elements.
func (o *Object) Get(s ContextScope, key Local[Value]) (Local[Value], bool) {
	d := s.scope().enterOp()
	obj := o.engineObject()
	k := key.Deref().raw()
	var (
		v   *v8engine.Value
		err error
	)
	if k.IsUint32() {
		v, err = obj.GetIdx(k.Uint32())
	} else {
		v, err = obj.Get(k.String())
	}
	return valueLocal[Value](d, v, err)
}

// GetNamed reads a property by name.
func (o *Object) GetNamed(s ContextScope, name string) (Local[Value], bool) {
	d := s.scope().enterOp()
	v, err := o.engineObject().Get(name)
	return valueLocal[Value](d, v, err)
}

// GetIndex reads an element.
func (o *Object) GetIndex(s ContextScope, index uint32) (Local[Value], bool) {
	d := s.scope().enterOp()
	v, err := o.engineObject().GetIdx(index)
	return valueLocal[Value](d, v, err)
}

// Set writes the property key. It reports false if an exception was thrown.
func (o *Object) Set(s ContextScope, key, value Local[Value]) bool {
	d := s.scope().enterOp()
	obj := o.engineObject()
	k := key.Deref().raw()
	var err error
	if k.IsUint32() {
		err = obj.SetIdx(k.Uint32(), value.Deref().raw())
	} else {
		err = obj.Set(k.String(), value.Deref().raw())
	}
	if err != nil {
		d.raiseError(err)
		return false
	}
	return true
}

// SetNamed writes a property by name.
func (o *Object) SetNamed(s ContextScope, name string, value Local[Value]) bool {
	d := s.scope().enterOp()
	if err := o.engineObject().Set(name, value.Deref().raw()); err != nil {
		d.raiseError(err)
		return false
	}
	return true
}

// SetIndex writes an element.
func (o *Object) SetIndex(s ContextScope, index uint32, value Local[Value]) bool {
	d := s.scope().enterOp()
	if err := o.engineObject().SetIdx(index, value.Deref().raw()); err != nil {
		d.raiseError(err)
		return false
	}
	return true
}

// Has reports whether the property exists on the object or its prototypes.
func (o *Object) Has(s ContextScope, key Local[Value]) bool {
	s.scope().enterOp()
	obj := o.engineObject()
	k := key.Deref().raw()
	if k.IsUint32() {
		return obj.HasIdx(k.Uint32())
	}
	return obj.Has(k.String())
}

// Delete removes the property and reports whether it is gone.
func (o *Object) Delete(s ContextScope, key Local[Value]) bool {
	s.scope().enterOp()
	obj := o.engineObject()
	k := key.Deref().raw()
	if k.IsUint32() {
		return obj.DeleteIdx(k.Uint32())
	}
	return obj.Delete(k.String())
}

// GetOwnPropertyNames lists the object's own string keys.
func (o *Object) GetOwnPropertyNames(s ContextScope) (Local[Array], bool) {
	d := s.scope().enterOp()
	v, err := v8engine.OwnPropertyNames(d.mustContext(), o.raw())
	return valueLocal[Array](d, v, err)
}

// NewArray creates an array of the given length.
func NewArray(s ContextScope, length int) Local[Array] {
	d := s.scope().enterOp()
	v, err := v8engine.NewArray(d.mustContext(), length)
	if err != nil {
		panic("hostv8: allocating array: " + err.Error())
	}
	return mustLocal[Array](d, unsafe.Pointer(v))
}

// NewArrayWithElements creates an array holding elems.
func NewArrayWithElements(s ContextScope, elems []Local[Value]) Local[Array] {
	arr := NewArray(s, 0)
	for i, e := range elems {
		arr.Deref().SetIndex(s, uint32(i), e)
	}
	return arr
}

// Length returns the array length.
func (a *Array) Length() uint32 { return v8engine.ArrayLength(a.raw()) }
