package hostv8

import (
	"math/big"
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

func (v *Value) IsUndefined() bool         { return v.raw().IsUndefined() }
func (v *Value) IsNull() bool              { return v.raw().IsNull() }
func (v *Value) IsNullOrUndefined() bool   { return v.raw().IsNullOrUndefined() }
func (v *Value) IsTrue() bool              { return v.raw().IsTrue() }
func (v *Value) IsFalse() bool             { return v.raw().IsFalse() }
func (v *Value) IsName() bool              { return v.raw().IsName() }
func (v *Value) IsString() bool            { return v.raw().IsString() }
func (v *Value) IsSymbol() bool            { return v.raw().IsSymbol() }
func (v *Value) IsNumber() bool            { return v.raw().IsNumber() }
func (v *Value) IsInt32() bool             { return v.raw().IsInt32() }
func (v *Value) IsUint32() bool            { return v.raw().IsUint32() }
func (v *Value) IsBoolean() bool           { return v.raw().IsBoolean() }
func (v *Value) IsBigInt() bool            { return v.raw().IsBigInt() }
func (v *Value) IsObject() bool            { return v.raw().IsObject() }
func (v *Value) IsArray() bool             { return v.raw().IsArray() }
func (v *Value) IsFunction() bool          { return v.raw().IsFunction() }
func (v *Value) IsPromise() bool           { return v.raw().IsPromise() }
func (v *Value) IsNativeError() bool       { return v.raw().IsNativeError() }
func (v *Value) IsSharedArrayBuffer() bool { return v.raw().IsSharedArrayBuffer() }

// SameValue compares with the SameValue algorithm.
func (v *Value) SameValue(other *Value) bool { return v.raw().SameValue(other.raw()) }

// ToGoString converts the value to a string the way String(v) would.
func (v *Value) ToGoString(s Scope) string {
	s.scope().enterOp()
	return v.raw().String()
}

// ToString converts the value to a string value.
func (v *Value) ToString(s Scope) (Local[String], bool) {
	d := s.scope().enterOp()
	if v.IsString() {
		return mustLocal[String](d, unsafe.Pointer(v)), true
	}
	str, err := v8engine.NewString(d.engine(), v.raw().String())
	return valueLocal[String](d, str, err)
}

// NumberValue converts the value to a number.
func (v *Value) NumberValue(s Scope) float64 {
	s.scope().enterOp()
	return v.raw().Number()
}

func (v *Value) Int32Value(s Scope) int32 {
	s.scope().enterOp()
	return v.raw().Int32()
}

func (v *Value) Uint32Value(s Scope) uint32 {
	s.scope().enterOp()
	return v.raw().Uint32()
}

// IntegerValue converts the value to an integer, truncating toward zero.
func (v *Value) IntegerValue(s Scope) int64 {
	s.scope().enterOp()
	return v.raw().Integer()
}

// BooleanValue converts the value to a boolean the way !!v would.
func (v *Value) BooleanValue(s Scope) bool {
	s.scope().enterOp()
	return v.raw().Boolean()
}

// TypeOf returns the result of the typeof operator.
func (v *Value) TypeOf() string {
	r := v.raw()
	switch {
	case r.IsUndefined():
		return "undefined"
	case r.IsNull():
		return "object"
	case r.IsBoolean():
		return "boolean"
	case r.IsNumber():
		return "number"
	case r.IsBigInt():
		return "bigint"
	case r.IsString():
		return "string"
	case r.IsSymbol():
		return "symbol"
	case r.IsFunction():
		return "function"
	default:
		return "object"
	}
}

// Undefined returns the undefined value.
func Undefined(s Scope) Local[Primitive] {
	d := s.scope().enterOp()
	return mustLocal[Primitive](d, unsafe.Pointer(v8engine.Undefined(d.engine())))
}

// Null returns the null value.
func Null(s Scope) Local[Primitive] {
	d := s.scope().enterOp()
	return mustLocal[Primitive](d, unsafe.Pointer(v8engine.Null(d.engine())))
}

func NewBoolean(s Scope, b bool) Local[Boolean] {
	d := s.scope().enterOp()
	v, err := v8engine.NewBoolean(d.engine(), b)
	if err != nil {
		panic("hostv8: allocating boolean: " + err.Error())
	}
	return mustLocal[Boolean](d, unsafe.Pointer(v))
}

func NewNumber(s Scope, f float64) Local[Number] {
	d := s.scope().enterOp()
	v, err := v8engine.NewNumber(d.engine(), f)
	if err != nil {
		panic("hostv8: allocating number: " + err.Error())
	}
	return mustLocal[Number](d, unsafe.Pointer(v))
}

func NewInt32(s Scope, i int32) Local[Int32] {
	d := s.scope().enterOp()
	v, err := v8engine.NewInt32(d.engine(), i)
	if err != nil {
		panic("hostv8: allocating int32: " + err.Error())
	}
	return mustLocal[Int32](d, unsafe.Pointer(v))
}

func NewUint32(s Scope, u uint32) Local[Uint32] {
	d := s.scope().enterOp()
	v, err := v8engine.NewUint32(d.engine(), u)
	if err != nil {
		panic("hostv8: allocating uint32: " + err.Error())
	}
	return mustLocal[Uint32](d, unsafe.Pointer(v))
}

// NewString allocates a string. It fails only when the string exceeds the
// engine's maximum length.
func NewString(s Scope, str string) (Local[String], bool) {
	d := s.scope().enterOp()
	v, err := v8engine.NewString(d.engine(), str)
	return valueLocal[String](d, v, err)
}

// Length is the number of UTF-16 code units.
func (str *String) Length() int {
	n := 0
	for _, r := range str.raw().String() {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// String returns the string's contents.
func (str *String) String() string { return str.raw().String() }

func (n *Number) Float64() float64 { return n.raw().Number() }

func (i *Integer) Int64() int64 { return i.raw().Integer() }

func (i *Int32) Int32() int32 { return i.raw().Int32() }

func (u *Uint32) Uint32() uint32 { return u.raw().Uint32() }

// NewBigInt allocates a BigInt with the value of b.
func NewBigInt(s Scope, b *big.Int) (Local[BigInt], bool) {
	d := s.scope().enterOp()
	v, err := v8engine.NewBigInt(d.engine(), b)
	return valueLocal[BigInt](d, v, err)
}

func NewBigIntFromInt64(s Scope, i int64) Local[BigInt] {
	d := s.scope().enterOp()
	v, err := v8engine.NewBigIntFromInt64(d.engine(), i)
	if err != nil {
		panic("hostv8: allocating bigint: " + err.Error())
	}
	return mustLocal[BigInt](d, unsafe.Pointer(v))
}

// Int64Value returns the value truncated to 64 bits and whether that was
// lossless.
func (b *BigInt) Int64Value() (int64, bool) {
	x := b.raw().BigInt()
	return x.Int64(), x.IsInt64()
}

// BigValue returns the exact value.
func (b *BigInt) BigValue() *big.Int { return b.raw().BigInt() }

// Contents exposes the backing store of the buffer. release must be called
// once the bytes are no longer used.
func (b *SharedArrayBuffer) Contents() (data []byte, release func(), ok bool) {
	data, release, err := v8engine.SharedArrayBufferContents(b.raw())
	if err != nil {
		return nil, nil, false
	}
	return data, release, true
}
