package hostv8

import (
	"errors"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cryguy/hostv8/internal/trampoline"
	"github.com/cryguy/hostv8/internal/v8engine"
)

// contextRef exposes a bare scopeData with a context as a ContextScope.
type contextRef struct{ scopeRef }

func (contextRef) hasContext(WithContext) {}

// ValueSerializerDelegate customizes a ValueSerializer. Implementations embed
// a ValueSerializerBase built by NewValueSerializerBase. A delegate serves a
// single serializer.
type ValueSerializerDelegate interface {
	// ThrowDataCloneError is called for a value that cannot be cloned. It
	// normally throws an error built from message.
	ThrowDataCloneError(s ContextScope, message Local[String])
	// WriteHostObject writes an object that is neither a plain object nor
	// an array. Returning false fails the write; an exception should have
	// been thrown.
	WriteHostObject(s ContextScope, obj Local[Object], ser *ValueSerializer) bool
	// GetSharedArrayBufferID assigns the id under which sab is transferred.
	GetSharedArrayBufferID(s ContextScope, sab Local[SharedArrayBuffer]) (uint32, bool)
	serializerBase() *ValueSerializerBase
}

type ValueSerializerBase struct {
	header v8engine.SerializerDelegateHeader
	layout trampoline.Layout
	active *ValueSerializer
}

func (b *ValueSerializerBase) serializerBase() *ValueSerializerBase { return b }

// NewValueSerializerBase builds the base for embedder type E.
func NewValueSerializerBase[E any]() ValueSerializerBase {
	b := ValueSerializerBase{layout: trampoline.Probe[ValueSerializerDelegate, ValueSerializerBase, E]()}
	v8engine.ConstructSerializerDelegate(&b.header)
	return b
}

// ValueDeserializerDelegate customizes a ValueDeserializer. Implementations
// embed a ValueDeserializerBase built by NewValueDeserializerBase. A delegate
// serves a single deserializer.
type ValueDeserializerDelegate interface {
	// ReadHostObject reads an object written by WriteHostObject.
	ReadHostObject(s ContextScope, des *ValueDeserializer) (Local[Object], bool)
	GetSharedArrayBufferFromID(s ContextScope, id uint32) (Local[SharedArrayBuffer], bool)
	deserializerBase() *ValueDeserializerBase
}

type ValueDeserializerBase struct {
	header v8engine.DeserializerDelegateHeader
	layout trampoline.Layout
	active *ValueDeserializer
}

func (b *ValueDeserializerBase) deserializerBase() *ValueDeserializerBase { return b }

// NewValueDeserializerBase builds the base for embedder type E.
func NewValueDeserializerBase[E any]() ValueDeserializerBase {
	b := ValueDeserializerBase{layout: trampoline.Probe[ValueDeserializerDelegate, ValueDeserializerBase, E]()}
	v8engine.ConstructDeserializerDelegate(&b.header)
	return b
}

const (
	serializerHeaderOffset   = unsafe.Offsetof(ValueSerializerBase{}.header)
	deserializerHeaderOffset = unsafe.Offsetof(ValueDeserializerBase{}.header)
)

func serializerOf(h *v8engine.SerializerDelegateHeader) (ValueSerializerDelegate, *ValueSerializer) {
	base := (*ValueSerializerBase)(trampoline.BaseOf(unsafe.Pointer(h), serializerHeaderOffset))
	return trampoline.Dispatch[ValueSerializerDelegate](base.layout, unsafe.Pointer(base)), base.active
}

func deserializerOf(h *v8engine.DeserializerDelegateHeader) (ValueDeserializerDelegate, *ValueDeserializer) {
	base := (*ValueDeserializerBase)(trampoline.BaseOf(unsafe.Pointer(h), deserializerHeaderOffset))
	return trampoline.Dispatch[ValueDeserializerDelegate](base.layout, unsafe.Pointer(base)), base.active
}

func init() {
	v8engine.RegisterSerializerVTables(
		v8engine.SerializerDelegateVTable{
			ThrowDataCloneError: func(h *v8engine.SerializerDelegateHeader, message string) {
				del, ser := serializerOf(h)
				d := ser.cur
				msg, ok := NewString(contextRef{scopeRef{d}}, message)
				if !ok {
					return
				}
				del.ThrowDataCloneError(contextRef{scopeRef{d}}, msg)
			},
			WriteHostObject: func(h *v8engine.SerializerDelegateHeader, obj *v8engine.Value) bool {
				del, ser := serializerOf(h)
				d := ser.cur
				return del.WriteHostObject(contextRef{scopeRef{d}}, mustLocal[Object](d, unsafe.Pointer(obj)), ser)
			},
			GetSharedArrayBufferID: func(h *v8engine.SerializerDelegateHeader, sab *v8engine.Value) (uint32, bool) {
				del, ser := serializerOf(h)
				d := ser.cur
				return del.GetSharedArrayBufferID(contextRef{scopeRef{d}}, mustLocal[SharedArrayBuffer](d, unsafe.Pointer(sab)))
			},
		},
		v8engine.DeserializerDelegateVTable{
			ReadHostObject: func(h *v8engine.DeserializerDelegateHeader) *v8engine.Value {
				del, des := deserializerOf(h)
				obj, ok := del.ReadHostObject(contextRef{scopeRef{des.cur}}, des)
				if !ok {
					return nil
				}
				return obj.Deref().raw()
			},
			GetSharedArrayBufferFromID: func(h *v8engine.DeserializerDelegateHeader, id uint32) *v8engine.Value {
				del, des := deserializerOf(h)
				sab, ok := del.GetSharedArrayBufferFromID(contextRef{scopeRef{des.cur}}, id)
				if !ok {
					return nil
				}
				return sab.Deref().raw()
			},
		},
	)
}

// ValueSerializer writes values in the structured clone wire format.
type ValueSerializer struct {
	eng      *v8engine.Serializer
	delegate ValueSerializerDelegate
	cur      *scopeData
}

// NewValueSerializer creates a serializer for values of the current
// context.
func NewValueSerializer(s ContextScope, delegate ValueSerializerDelegate) *ValueSerializer {
	d := s.scope().enterOp()
	b := delegate.serializerBase()
	if b.layout.IsZero() {
		panic("hostv8: serializer delegate without a base from NewValueSerializerBase")
	}
	if b.active != nil {
		panic("hostv8: serializer delegate already serves another ValueSerializer")
	}
	ser := &ValueSerializer{
		eng:      v8engine.NewSerializer(d.mustContext(), &b.header),
		delegate: delegate,
	}
	b.active = ser
	return ser
}

// WriteHeader writes the format version. It must precede the first value.
func (vs *ValueSerializer) WriteHeader() { vs.eng.WriteHeader() }

// WriteValue appends v. It returns false if v could not be written, with
// the exception raised in s.
func (vs *ValueSerializer) WriteValue(s ContextScope, v Local[Value]) bool {
	d := s.scope().enterOp()
	prev := vs.cur
	vs.cur = d
	defer func() { vs.cur = prev }()
	if !d.executionAllowed() {
		return false
	}
	err := vs.eng.WriteValue(v.Deref().raw())
	switch {
	case err == nil:
		return true
	case errors.Is(err, v8engine.ErrDataClone):
		// the delegate has already thrown
		return false
	default:
		d.raiseError(err)
		return false
	}
}

func (vs *ValueSerializer) WriteUint32(v uint32)   { vs.eng.WriteUint32(v) }
func (vs *ValueSerializer) WriteUint64(v uint64)   { vs.eng.WriteUint64(v) }
func (vs *ValueSerializer) WriteDouble(f float64)  { vs.eng.WriteDouble(f) }
func (vs *ValueSerializer) WriteRawBytes(b []byte) { vs.eng.WriteRawBytes(b) }

// Release returns the serialized bytes. The serializer starts over
// afterwards.
func (vs *ValueSerializer) Release() []byte { return vs.eng.Release() }

// ValueDeserializer reads values written by a ValueSerializer.
type ValueDeserializer struct {
	eng      *v8engine.Deserializer
	delegate ValueDeserializerDelegate
	cur      *scopeData
}

// NewValueDeserializer creates a deserializer over data. data must not be
// modified while the deserializer is in use.
func NewValueDeserializer(s ContextScope, data []byte, delegate ValueDeserializerDelegate) *ValueDeserializer {
	d := s.scope().enterOp()
	b := delegate.deserializerBase()
	if b.layout.IsZero() {
		panic("hostv8: deserializer delegate without a base from NewValueDeserializerBase")
	}
	if b.active != nil {
		panic("hostv8: deserializer delegate already serves another ValueDeserializer")
	}
	des := &ValueDeserializer{
		eng:      v8engine.NewDeserializer(d.mustContext(), data, &b.header),
		delegate: delegate,
	}
	b.active = des
	return des
}

// ReadHeader checks the format version. A malformed or newer header raises
// an Error.
func (vd *ValueDeserializer) ReadHeader(s ContextScope) bool {
	d := s.scope().enterOp()
	if err := vd.eng.ReadHeader(); err != nil {
		Logger().Debug("deserialize failed", zap.Error(err))
		d.raise(d.hostThrown("Error", "Unable to deserialize cloned data due to invalid or unsupported version."))
		return false
	}
	return true
}

// WireFormatVersion returns the version read by ReadHeader.
func (vd *ValueDeserializer) WireFormatVersion() uint32 { return vd.eng.WireFormatVersion() }

// ReadValue reads the next value.
func (vd *ValueDeserializer) ReadValue(s ContextScope) (Local[Value], bool) {
	d := s.scope().enterOp()
	prev := vd.cur
	vd.cur = d
	defer func() { vd.cur = prev }()
	v, err := vd.eng.ReadValue()
	switch {
	case err == nil:
		return castLocal[Value](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
	case errors.Is(err, v8engine.ErrDataClone):
		return Local[Value]{}, false
	case errors.Is(err, v8engine.ErrMalformed):
		Logger().Debug("deserialize failed", zap.Error(err))
		d.raise(d.hostThrown("Error", "Unable to deserialize cloned data."))
		return Local[Value]{}, false
	default:
		d.raiseError(err)
		return Local[Value]{}, false
	}
}

func (vd *ValueDeserializer) ReadUint32() (uint32, bool)        { return vd.eng.ReadUint32() }
func (vd *ValueDeserializer) ReadUint64() (uint64, bool)        { return vd.eng.ReadUint64() }
func (vd *ValueDeserializer) ReadDouble() (float64, bool)       { return vd.eng.ReadDouble() }
func (vd *ValueDeserializer) ReadRawBytes(n int) ([]byte, bool) { return vd.eng.ReadRawBytes(n) }
