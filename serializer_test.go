package hostv8

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testSerializer struct {
	ValueSerializerBase
	cloneErrors []string
	hostObjects int
}

func newTestSerializer() *testSerializer {
	return &testSerializer{ValueSerializerBase: NewValueSerializerBase[testSerializer]()}
}

func (ts *testSerializer) ThrowDataCloneError(s ContextScope, message Local[String]) {
	ts.cloneErrors = append(ts.cloneErrors, message.Deref().String())
	ThrowException(s, NewError(s, message))
}

// WriteHostObject writes the object's numeric hostId.
func (ts *testSerializer) WriteHostObject(s ContextScope, obj Local[Object], ser *ValueSerializer) bool {
	id, ok := obj.Deref().GetNamed(s, "hostId")
	if !ok || !id.Deref().IsNumber() {
		ThrowException(s, NewTypeError(s, mustStr(s, "host object without hostId")))
		return false
	}
	ts.hostObjects++
	ser.WriteUint32(id.Deref().Uint32Value(s))
	return true
}

func (ts *testSerializer) GetSharedArrayBufferID(s ContextScope, sab Local[SharedArrayBuffer]) (uint32, bool) {
	ThrowException(s, NewTypeError(s, mustStr(s, "shared memory is not transferable")))
	return 0, false
}

type testDeserializer struct {
	ValueDeserializerBase
}

func newTestDeserializer() *testDeserializer {
	return &testDeserializer{ValueDeserializerBase: NewValueDeserializerBase[testDeserializer]()}
}

func (td *testDeserializer) ReadHostObject(s ContextScope, des *ValueDeserializer) (Local[Object], bool) {
	id, ok := des.ReadUint32()
	if !ok {
		return Local[Object]{}, false
	}
	obj := NewObject(s)
	obj.Deref().SetNamed(s, "restored", AsValue(NewUint32(s, id)))
	return obj, true
}

func (td *testDeserializer) GetSharedArrayBufferFromID(s ContextScope, id uint32) (Local[SharedArrayBuffer], bool) {
	return Local[SharedArrayBuffer]{}, false
}

func mustStr(s Scope, str string) Local[String] {
	l, ok := NewString(s, str)
	if !ok {
		panic("allocating " + str)
	}
	return l
}

func serialize(t *testing.T, s ContextScope, v Local[Value]) []byte {
	t.Helper()
	ser := NewValueSerializer(s, newTestSerializer())
	ser.WriteHeader()
	require.True(t, ser.WriteValue(s, v))
	return ser.Release()
}

func TestSerializerWireFormat(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		for _, tc := range []struct {
			code string
			want []byte
		}{
			{"true", []byte{0xFF, 0x0F, 'T'}},
			{"undefined", []byte{0xFF, 0x0F, '_'}},
			{"null", []byte{0xFF, 0x0F, '0'}},
			{"1", []byte{0xFF, 0x0F, 'I', 0x02}},
			{"-1", []byte{0xFF, 0x0F, 'I', 0x01}},
			{"'hi'", []byte{0xFF, 0x0F, '"', 0x02, 'h', 'i'}},
			{"[]", []byte{0xFF, 0x0F, 'A', 0x00, '$', 0x00, 0x00}},
			{"({})", []byte{0xFF, 0x0F, 'o', '{', 0x00}},
		} {
			assert.Equal(t, tc.want, serialize(t, s, mustRun(t, s, tc.code)), tc.code)
		}
	})
}

func TestSerializerRoundTrip(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		v := mustRun(t, s, `
			const o = {
				a: 1, b: 'str', d: 2.5, n: -7, big: 4294967295,
				c: [1, 'x', null, undefined, true],
				e: 12345678901234567890n, f: -5n,
				u: 'h€llo 😀',
				nested: { deep: { deeper: 'yes' } },
			};
			o.self = o;
			o.twice = [o.nested, o.nested];
			o`)
		data := serialize(t, s, v)

		des := NewValueDeserializer(s, data, newTestDeserializer())
		require.True(t, des.ReadHeader(s))
		assert.Equal(t, uint32(15), des.WireFormatVersion())
		out, ok := des.ReadValue(s)
		require.True(t, ok)
		setGlobal(t, s, "copy", out)

		check := mustRun(t, s, `
			copy !== o &&
			copy.a === 1 && copy.b === 'str' && copy.d === 2.5 && copy.n === -7 &&
			copy.big === 4294967295 &&
			copy.c.length === 5 && copy.c[1] === 'x' && copy.c[2] === null &&
			copy.c[3] === undefined && copy.c[4] === true &&
			copy.e === 12345678901234567890n && copy.f === -5n &&
			copy.u === 'h€llo 😀' &&
			copy.nested.deep.deeper === 'yes' &&
			copy.self === copy &&
			copy.twice[0] === copy.twice[1] && copy.twice[0] === copy.nested`)
		assert.True(t, check.Deref().IsTrue())
	})
}

func TestSerializerHostObjects(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		v := mustRun(t, s, "class Handle { constructor(id) { this.hostId = id } }; [new Handle(7), new Handle(9)]")
		ts := newTestSerializer()
		ser := NewValueSerializer(s, ts)
		ser.WriteHeader()
		require.True(t, ser.WriteValue(s, v))
		assert.Equal(t, 2, ts.hostObjects)

		des := NewValueDeserializer(s, ser.Release(), newTestDeserializer())
		require.True(t, des.ReadHeader(s))
		out, ok := des.ReadValue(s)
		require.True(t, ok)
		setGlobal(t, s, "restored", out)
		assert.Equal(t, "7,9", mustRun(t, s, "restored.map(h => h.restored).join(',')").Deref().ToGoString(s))
	})
}

func TestSerializerRawWrites(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		ser := NewValueSerializer(s, newTestSerializer())
		ser.WriteHeader()
		ser.WriteUint32(300)
		ser.WriteUint64(1 << 40)
		ser.WriteDouble(-0.125)
		ser.WriteRawBytes([]byte("raw"))
		data := ser.Release()

		des := NewValueDeserializer(s, data, newTestDeserializer())
		require.True(t, des.ReadHeader(s))
		u32, ok := des.ReadUint32()
		require.True(t, ok)
		assert.Equal(t, uint32(300), u32)
		u64, ok := des.ReadUint64()
		require.True(t, ok)
		assert.Equal(t, uint64(1<<40), u64)
		f, ok := des.ReadDouble()
		require.True(t, ok)
		assert.Equal(t, -0.125, f)
		raw, ok := des.ReadRawBytes(3)
		require.True(t, ok)
		assert.Equal(t, "raw", string(raw))
		_, ok = des.ReadRawBytes(1)
		assert.False(t, ok)
	})
}

func TestSerializerRejectsFunctions(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		ts := newTestSerializer()
		tc := s.NewTryCatch()
		ser := NewValueSerializer(tc, ts)
		ser.WriteHeader()
		assert.False(t, ser.WriteValue(tc, mustRun(t, tc, "({ f() {} })")))
		require.Len(t, ts.cloneErrors, 1)
		assert.Contains(t, ts.cloneErrors[0], "could not be cloned.")

		require.True(t, tc.HasCaught())
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.True(t, exc.Deref().IsNativeError())
		tc.Close()
	})
}

func TestDeserializerRejectsMalformedData(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		des := NewValueDeserializer(tc, []byte{0x01, 0x02}, newTestDeserializer())
		assert.False(t, des.ReadHeader(tc))
		require.True(t, tc.HasCaught())
		tc.Reset()

		des = NewValueDeserializer(tc, []byte{0xFF, 0x0F, 'o', 'I'}, newTestDeserializer())
		require.True(t, des.ReadHeader(tc))
		_, ok := des.ReadValue(tc)
		assert.False(t, ok)
		require.True(t, tc.HasCaught())
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.Equal(t, "Error: Unable to deserialize cloned data.", exc.Deref().ToGoString(tc))
		tc.Close()
	})
}

func TestSerializerDelegateServesOneSerializer(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		ts := newTestSerializer()
		NewValueSerializer(s, ts)
		assert.PanicsWithValue(t, "hostv8: serializer delegate already serves another ValueSerializer", func() {
			NewValueSerializer(s, ts)
		})

		td := newTestDeserializer()
		NewValueDeserializer(s, []byte{0xFF, 0x0F, '_'}, td)
		assert.PanicsWithValue(t, "hostv8: deserializer delegate already serves another ValueDeserializer", func() {
			NewValueDeserializer(s, []byte{0xFF, 0x0F, '_'}, td)
		})
	})
}

// nestingDeserializer reads the body of each host object as a nested value.
type nestingDeserializer struct {
	ValueDeserializerBase
}

func (nd *nestingDeserializer) ReadHostObject(s ContextScope, des *ValueDeserializer) (Local[Object], bool) {
	inner, ok := des.ReadValue(s)
	if !ok {
		return Local[Object]{}, false
	}
	obj := NewObject(s)
	obj.Deref().SetNamed(s, "inner", inner)
	return obj, true
}

func (nd *nestingDeserializer) GetSharedArrayBufferFromID(ContextScope, uint32) (Local[SharedArrayBuffer], bool) {
	return Local[SharedArrayBuffer]{}, false
}

func TestDeserializerRejectsReferenceToHostObjectInProgress(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		core, logs := observer.New(zapcore.DebugLevel)
		prev := Logger()
		SetLogger(zap.New(core))
		defer SetLogger(prev)

		tc := s.NewTryCatch()
		nd := &nestingDeserializer{ValueDeserializerBase: NewValueDeserializerBase[nestingDeserializer]()}
		des := NewValueDeserializer(tc, []byte{0xFF, 0x0F, '\\', '^', 0x00}, nd)
		require.True(t, des.ReadHeader(tc))
		_, ok := des.ReadValue(tc)
		assert.False(t, ok)
		require.True(t, tc.HasCaught())
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.Equal(t, "Error: Unable to deserialize cloned data.", exc.Deref().ToGoString(tc))
		tc.Close()

		failures := logs.FilterMessage("deserialize failed").All()
		require.Len(t, failures, 1)
		assert.Contains(t, failures[0].ContextMap()["error"], "host object still being read")
	})
}
