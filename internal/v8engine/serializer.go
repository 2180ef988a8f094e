package v8engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"unicode/utf16"
)

// WireFormatVersion is the structured clone format written by Serializer.
const WireFormatVersion = 15

const (
	tagVersion           = 0xFF
	tagPadding           = 0x00
	tagVerifyObjectCount = '?'
	tagTheHole           = '-'
	tagUndefined         = '_'
	tagNull              = '0'
	tagTrue              = 'T'
	tagFalse             = 'F'
	tagInt32             = 'I'
	tagUint32            = 'U'
	tagDouble            = 'N'
	tagBigInt            = 'Z'
	tagUtf8String        = 'S'
	tagOneByteString     = '"'
	tagTwoByteString     = 'c'
	tagObjectReference   = '^'
	tagBeginJSObject     = 'o'
	tagEndJSObject       = '{'
	tagBeginSparseArray  = 'a'
	tagEndSparseArray    = '@'
	tagBeginDenseArray   = 'A'
	tagEndDenseArray     = '$'
	tagHostObject        = '\\'
	tagSharedArrayBuffer = 'u'
)

// ErrDataClone means the delegate was told about a value that cannot be
// cloned and has already reported it.
var ErrDataClone = errors.New("value could not be cloned")

// ErrMalformed means the input is not valid serialized data.
var ErrMalformed = errors.New("unable to deserialize cloned data")

// SerializerDelegateHeader is the header of a host serializer delegate.
type SerializerDelegateHeader struct {
	vtable *SerializerDelegateVTable
}

type SerializerDelegateVTable struct {
	ThrowDataCloneError    func(h *SerializerDelegateHeader, message string)
	WriteHostObject        func(h *SerializerDelegateHeader, obj *Value) bool
	GetSharedArrayBufferID func(h *SerializerDelegateHeader, sab *Value) (uint32, bool)
}

// DeserializerDelegateHeader is the header of a host deserializer delegate.
type DeserializerDelegateHeader struct {
	vtable *DeserializerDelegateVTable
}

type DeserializerDelegateVTable struct {
	ReadHostObject             func(h *DeserializerDelegateHeader) *Value
	GetSharedArrayBufferFromID func(h *DeserializerDelegateHeader, id uint32) *Value
}

var (
	serializerVTable   *SerializerDelegateVTable
	deserializerVTable *DeserializerDelegateVTable
)

// RegisterSerializerVTables installs the host entry points for serializer
// delegate headers.
func RegisterSerializerVTables(ser SerializerDelegateVTable, de DeserializerDelegateVTable) {
	serializerVTable = &ser
	deserializerVTable = &de
}

func ConstructSerializerDelegate(h *SerializerDelegateHeader) {
	if serializerVTable == nil {
		panic("hostv8: serializer delegate entry points are not registered")
	}
	h.vtable = serializerVTable
}

func ConstructDeserializerDelegate(h *DeserializerDelegateHeader) {
	if deserializerVTable == nil {
		panic("hostv8: deserializer delegate entry points are not registered")
	}
	h.vtable = deserializerVTable
}

// Serializer writes values in the structured clone wire format.
type Serializer struct {
	ctx      *Context
	delegate *SerializerDelegateHeader
	buf      []byte
	seen     []*Value // receivers in id order
}

func NewSerializer(ctx *Context, delegate *SerializerDelegateHeader) *Serializer {
	return &Serializer{ctx: ctx, delegate: delegate}
}

// WriteHeader writes the version tag. It must come first.
func (s *Serializer) WriteHeader() {
	s.buf = append(s.buf, tagVersion)
	s.WriteUint32(WireFormatVersion)
}

func (s *Serializer) WriteUint32(v uint32) { s.buf = binary.AppendUvarint(s.buf, uint64(v)) }

func (s *Serializer) WriteUint64(v uint64) { s.buf = binary.AppendUvarint(s.buf, v) }

func (s *Serializer) WriteDouble(f float64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, math.Float64bits(f))
}

func (s *Serializer) WriteRawBytes(b []byte) { s.buf = append(s.buf, b...) }

// Release returns the bytes written and resets the serializer.
func (s *Serializer) Release() []byte {
	out := s.buf
	s.buf, s.seen = nil, nil
	return out
}

func (s *Serializer) cloneError(msg string) error {
	s.delegate.vtable.ThrowDataCloneError(s.delegate, msg)
	return ErrDataClone
}

// WriteValue appends v. Values that cannot be cloned are reported through
// the delegate and yield ErrDataClone; exceptions thrown by getters are
// returned as is.
func (s *Serializer) WriteValue(v *Value) error {
	switch {
	case v.IsUndefined():
		s.buf = append(s.buf, tagUndefined)
	case v.IsNull():
		s.buf = append(s.buf, tagNull)
	case v.IsTrue():
		s.buf = append(s.buf, tagTrue)
	case v.IsFalse():
		s.buf = append(s.buf, tagFalse)
	case v.IsInt32():
		n := v.Int32()
		s.buf = append(s.buf, tagInt32)
		s.WriteUint32(uint32(n<<1) ^ uint32(n>>31))
	case v.IsNumber():
		s.buf = append(s.buf, tagDouble)
		s.WriteDouble(v.Number())
	case v.IsBigInt():
		s.writeBigInt(v.BigInt())
	case v.IsString():
		s.writeString(v.String())
	case v.IsObject():
		return s.writeReceiver(v)
	default:
		return s.cloneError(v.DetailString() + " could not be cloned.")
	}
	return nil
}

func (s *Serializer) writeBigInt(b *big.Int) {
	var digits []uint64
	abs := new(big.Int).Abs(b)
	for abs.Sign() > 0 {
		digits = append(digits, abs.Uint64())
		abs.Rsh(abs, 64)
	}
	var bitfield uint64
	if b.Sign() < 0 {
		bitfield = 1
	}
	bitfield |= uint64(len(digits)*8) << 1
	s.buf = append(s.buf, tagBigInt)
	s.WriteUint64(bitfield)
	for _, d := range digits {
		s.buf = binary.LittleEndian.AppendUint64(s.buf, d)
	}
}

func (s *Serializer) writeString(str string) {
	oneByte := true
	for _, r := range str {
		if r > 0xFF {
			oneByte = false
			break
		}
	}
	if oneByte {
		latin1 := make([]byte, 0, len(str))
		for _, r := range str {
			latin1 = append(latin1, byte(r))
		}
		s.buf = append(s.buf, tagOneByteString)
		s.WriteUint32(uint32(len(latin1)))
		s.buf = append(s.buf, latin1...)
		return
	}
	units := utf16.Encode([]rune(str))
	byteLen := uint32(len(units) * 2)
	// Two-byte payloads start at an even offset.
	if (len(s.buf)+1+uvarintLen(uint64(byteLen)))&1 != 0 {
		s.buf = append(s.buf, tagPadding)
	}
	s.buf = append(s.buf, tagTwoByteString)
	s.WriteUint32(byteLen)
	for _, u := range units {
		s.buf = binary.LittleEndian.AppendUint16(s.buf, u)
	}
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func (s *Serializer) writeReceiver(v *Value) error {
	for id, prev := range s.seen {
		if prev.SameValue(v) {
			s.buf = append(s.buf, tagObjectReference)
			s.WriteUint32(uint32(id))
			return nil
		}
	}
	if v.IsFunction() {
		return s.cloneError(v.DetailString() + " could not be cloned.")
	}
	s.seen = append(s.seen, v)

	switch {
	case v.IsSharedArrayBuffer():
		id, ok := s.delegate.vtable.GetSharedArrayBufferID(s.delegate, v)
		if !ok {
			return ErrDataClone
		}
		s.buf = append(s.buf, tagSharedArrayBuffer)
		s.WriteUint32(id)
		return nil
	case v.IsArray():
		return s.writeDenseArray(v)
	case IsPlainObject(s.ctx, v):
		return s.writeObject(v)
	default:
		s.buf = append(s.buf, tagHostObject)
		if !s.delegate.vtable.WriteHostObject(s.delegate, v) {
			return ErrDataClone
		}
		return nil
	}
}

func (s *Serializer) writeDenseArray(v *Value) error {
	obj, err := v.AsObject()
	if err != nil {
		return err
	}
	n := ArrayLength(v)
	s.buf = append(s.buf, tagBeginDenseArray)
	s.WriteUint32(n)
	for i := uint32(0); i < n; i++ {
		e, err := obj.GetIdx(i)
		if err != nil {
			return err
		}
		if err := s.WriteValue(e); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, tagEndDenseArray)
	s.WriteUint32(0)
	s.WriteUint32(n)
	return nil
}

func (s *Serializer) writeObject(v *Value) error {
	obj, err := v.AsObject()
	if err != nil {
		return err
	}
	keys, err := OwnPropertyNames(s.ctx, v)
	if err != nil {
		return err
	}
	keyList, err := keys.AsObject()
	if err != nil {
		return err
	}
	n := ArrayLength(keys)
	s.buf = append(s.buf, tagBeginJSObject)
	for i := uint32(0); i < n; i++ {
		k, err := keyList.GetIdx(i)
		if err != nil {
			return err
		}
		name := k.String()
		if err := s.WriteValue(k); err != nil {
			return err
		}
		pv, err := obj.Get(name)
		if err != nil {
			return err
		}
		if err := s.WriteValue(pv); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, tagEndJSObject)
	s.WriteUint32(n)
	return nil
}

// Deserializer reads values written by Serializer or by the engine's own
// structured clone.
type Deserializer struct {
	ctx      *Context
	delegate *DeserializerDelegateHeader
	data     []byte
	pos      int
	version  uint32
	objects  []*Value
}

func NewDeserializer(ctx *Context, data []byte, delegate *DeserializerDelegateHeader) *Deserializer {
	return &Deserializer{ctx: ctx, data: data, delegate: delegate}
}

// ReadHeader checks the version tag.
func (d *Deserializer) ReadHeader() error {
	if d.pos >= len(d.data) || d.data[d.pos] != tagVersion {
		return fmt.Errorf("%w: missing version tag", ErrMalformed)
	}
	d.pos++
	v, ok := d.ReadUint32()
	if !ok {
		return fmt.Errorf("%w: truncated version", ErrMalformed)
	}
	if v > WireFormatVersion || v < 13 {
		return fmt.Errorf("%w: unsupported wire format version %d", ErrMalformed, v)
	}
	d.version = v
	return nil
}

// WireFormatVersion returns the version read by ReadHeader.
func (d *Deserializer) WireFormatVersion() uint32 { return d.version }

func (d *Deserializer) ReadUint32() (uint32, bool) {
	v, ok := d.ReadUint64()
	if !ok || v > math.MaxUint32 {
		return 0, false
	}
	return uint32(v), true
}

func (d *Deserializer) ReadUint64() (uint64, bool) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, false
	}
	d.pos += n
	return v, true
}

func (d *Deserializer) ReadDouble() (float64, bool) {
	if len(d.data)-d.pos < 8 {
		return 0, false
	}
	f := math.Float64frombits(binary.LittleEndian.Uint64(d.data[d.pos:]))
	d.pos += 8
	return f, true
}

func (d *Deserializer) ReadRawBytes(n int) ([]byte, bool) {
	if n < 0 || len(d.data)-d.pos < n {
		return nil, false
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, true
}

func (d *Deserializer) peekTag() (byte, bool) {
	for d.pos < len(d.data) {
		if t := d.data[d.pos]; t != tagPadding {
			return t, true
		}
		d.pos++
	}
	return 0, false
}

func (d *Deserializer) readTag() (byte, bool) {
	t, ok := d.peekTag()
	if ok {
		d.pos++
	}
	return t, ok
}

func (d *Deserializer) malformed(what string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, what, d.pos)
}

// ReadValue reads the next value.
func (d *Deserializer) ReadValue() (*Value, error) {
	tag, ok := d.readTag()
	if !ok {
		return nil, d.malformed("unexpected end of data")
	}
	iso := d.ctx.Isolate()
	for tag == tagVerifyObjectCount {
		if _, ok := d.ReadUint32(); !ok {
			return nil, d.malformed("truncated object count")
		}
		if tag, ok = d.readTag(); !ok {
			return nil, d.malformed("unexpected end of data")
		}
	}
	switch tag {
	case tagUndefined:
		return Undefined(iso), nil
	case tagNull:
		return Null(iso), nil
	case tagTrue:
		return NewBoolean(iso, true)
	case tagFalse:
		return NewBoolean(iso, false)
	case tagInt32:
		u, ok := d.ReadUint32()
		if !ok {
			return nil, d.malformed("truncated int32")
		}
		return NewInt32(iso, int32(u>>1)^-int32(u&1))
	case tagUint32:
		u, ok := d.ReadUint32()
		if !ok {
			return nil, d.malformed("truncated uint32")
		}
		return NewUint32(iso, u)
	case tagDouble:
		f, ok := d.ReadDouble()
		if !ok {
			return nil, d.malformed("truncated double")
		}
		return NewNumber(iso, f)
	case tagBigInt:
		return d.readBigInt()
	case tagUtf8String, tagOneByteString, tagTwoByteString:
		str, err := d.readString(tag)
		if err != nil {
			return nil, err
		}
		return NewString(iso, str)
	case tagObjectReference:
		id, ok := d.ReadUint32()
		if !ok || int(id) >= len(d.objects) {
			return nil, d.malformed("invalid object reference")
		}
		if d.objects[id] == nil {
			return nil, d.malformed("reference to a host object still being read")
		}
		return d.objects[id], nil
	case tagBeginJSObject:
		return d.readObject()
	case tagBeginDenseArray:
		return d.readDenseArray()
	case tagBeginSparseArray:
		return d.readSparseArray()
	case tagHostObject:
		id := len(d.objects)
		d.objects = append(d.objects, nil)
		v := d.delegate.vtable.ReadHostObject(d.delegate)
		if v == nil {
			return nil, ErrDataClone
		}
		d.objects[id] = v
		return v, nil
	case tagSharedArrayBuffer:
		id, ok := d.ReadUint32()
		if !ok {
			return nil, d.malformed("truncated shared array buffer id")
		}
		v := d.delegate.vtable.GetSharedArrayBufferFromID(d.delegate, id)
		if v == nil {
			return nil, ErrDataClone
		}
		d.objects = append(d.objects, v)
		return v, nil
	default:
		return nil, d.malformed(fmt.Sprintf("unknown tag %q", tag))
	}
}

func (d *Deserializer) readBigInt() (*Value, error) {
	bitfield, ok := d.ReadUint64()
	if !ok {
		return nil, d.malformed("truncated bigint")
	}
	byteLen := int(bitfield >> 1)
	raw, ok := d.ReadRawBytes(byteLen)
	if !ok || byteLen%8 != 0 {
		return nil, d.malformed("truncated bigint digits")
	}
	x := new(big.Int)
	for i := byteLen - 8; i >= 0; i -= 8 {
		x.Lsh(x, 64)
		x.Or(x, new(big.Int).SetUint64(binary.LittleEndian.Uint64(raw[i:])))
	}
	if bitfield&1 != 0 {
		x.Neg(x)
	}
	return NewBigInt(d.ctx.Isolate(), x)
}

func (d *Deserializer) readString(tag byte) (string, error) {
	n, ok := d.ReadUint32()
	if !ok {
		return "", d.malformed("truncated string length")
	}
	raw, ok := d.ReadRawBytes(int(n))
	if !ok {
		return "", d.malformed("truncated string")
	}
	switch tag {
	case tagOneByteString:
		runes := make([]rune, len(raw))
		for i, b := range raw {
			runes[i] = rune(b)
		}
		return string(runes), nil
	case tagTwoByteString:
		if len(raw)%2 != 0 {
			return "", d.malformed("odd two-byte string length")
		}
		units := make([]uint16, len(raw)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return string(utf16.Decode(units)), nil
	default:
		return string(raw), nil
	}
}

// readProperties reads key/value pairs into obj until endTag and returns
// how many were read.
func (d *Deserializer) readProperties(obj *Object, endTag byte) (uint32, error) {
	var n uint32
	for {
		t, ok := d.peekTag()
		if !ok {
			return 0, d.malformed("unterminated object")
		}
		if t == endTag {
			d.pos++
			return n, nil
		}
		key, err := d.ReadValue()
		if err != nil {
			return 0, err
		}
		if !key.IsString() && !key.IsNumber() {
			return 0, d.malformed("invalid property key")
		}
		val, err := d.ReadValue()
		if err != nil {
			return 0, err
		}
		if key.IsUint32() {
			err = obj.SetIdx(key.Uint32(), val)
		} else {
			err = obj.Set(key.String(), val)
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}

func (d *Deserializer) readObject() (*Value, error) {
	v, err := NewObject(d.ctx)
	if err != nil {
		return nil, err
	}
	d.objects = append(d.objects, v)
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	n, err := d.readProperties(obj, tagEndJSObject)
	if err != nil {
		return nil, err
	}
	if want, ok := d.ReadUint32(); !ok || want != n {
		return nil, d.malformed("object property count mismatch")
	}
	return v, nil
}

func (d *Deserializer) readDenseArray() (*Value, error) {
	length, ok := d.ReadUint32()
	if !ok || int(length) > len(d.data)-d.pos {
		return nil, d.malformed("invalid array length")
	}
	v, err := NewArray(d.ctx, int(length))
	if err != nil {
		return nil, err
	}
	d.objects = append(d.objects, v)
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < length; i++ {
		if t, ok := d.peekTag(); ok && t == tagTheHole {
			d.pos++
			continue
		}
		e, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		if err := obj.SetIdx(i, e); err != nil {
			return nil, err
		}
	}
	n, err := d.readProperties(obj, tagEndDenseArray)
	if err != nil {
		return nil, err
	}
	if want, ok := d.ReadUint32(); !ok || want != n {
		return nil, d.malformed("array property count mismatch")
	}
	if _, ok := d.ReadUint32(); !ok {
		return nil, d.malformed("truncated array length")
	}
	return v, nil
}

func (d *Deserializer) readSparseArray() (*Value, error) {
	length, ok := d.ReadUint32()
	if !ok {
		return nil, d.malformed("invalid array length")
	}
	v, err := NewArray(d.ctx, int(length))
	if err != nil {
		return nil, err
	}
	d.objects = append(d.objects, v)
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	n, err := d.readProperties(obj, tagEndSparseArray)
	if err != nil {
		return nil, err
	}
	if want, ok := d.ReadUint32(); !ok || want != n {
		return nil, d.malformed("array property count mismatch")
	}
	if _, ok := d.ReadUint32(); !ok {
		return nil, d.malformed("truncated array length")
	}
	return v, nil
}
