package hostv8

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostFunctionCalledFromScript(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		var calls int
		add, ok := NewFunction(s, func(cs *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue) {
			calls++
			sum := args.Get(0).Deref().NumberValue(cs) + args.Get(1).Deref().NumberValue(cs)
			rv.Set(AsValue(NewNumber(cs, sum)))
		})
		require.True(t, ok)
		setGlobal(t, s, "add", AsValue(add))

		v := mustRun(t, s, "add(2, 3) + add(0.5, 0.25)")
		assert.Equal(t, 5.75, v.Deref().NumberValue(s))
		assert.Equal(t, 2, calls)
	})
}

func TestCallbackArgumentsPastEndAreUndefined(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		var n int
		var thirdUndefined bool
		fn, ok := NewFunction(s, func(cs *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue) {
			n = args.Length()
			thirdUndefined = args.Get(2).Deref().IsUndefined()
		})
		require.True(t, ok)
		setGlobal(t, s, "f", AsValue(fn))
		v := mustRun(t, s, "f(1)")
		assert.True(t, v.Deref().IsUndefined(), "unset return value is undefined")
		assert.Equal(t, 1, n)
		assert.True(t, thirdUndefined)
	})
}

func TestCallbackThrowsIntoScript(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		fn, ok := NewFunction(s, func(cs *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue) {
			ThrowException(cs, NewTypeError(cs, mustString(t, cs, "nope")))
		})
		require.True(t, ok)
		setGlobal(t, s, "fail", AsValue(fn))

		v := mustRun(t, s, "try { fail(); 'no throw' } catch (e) { e instanceof TypeError ? e.message : 'wrong type' }")
		assert.Equal(t, "nope", v.Deref().ToGoString(s))
	})
}

func TestCallbackTryCatchSwallows(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		var caught bool
		fn, ok := NewFunction(s, func(cs *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue) {
			tc := cs.NewTryCatch()
			ThrowException(tc, AsValue(mustString(t, tc, "inside")))
			caught = tc.HasCaught()
			tc.Close()
			rv.Set(AsValue(NewBoolean(cs, true)))
		})
		require.True(t, ok)
		setGlobal(t, s, "quiet", AsValue(fn))
		v := mustRun(t, s, "quiet()")
		assert.True(t, v.Deref().IsTrue())
		assert.True(t, caught)
	})
}

func TestFunctionCallAndConstruct(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		fnVal := mustRun(t, s, "(function (a, b) { return this.base + a * b })")
		fn, ok := TryCast[Function](fnVal)
		require.True(t, ok)

		recv := NewObject(s)
		require.True(t, recv.Deref().SetNamed(s, "base", AsValue(NewInt32(s, 100))))
		v, ok := fn.Deref().Call(s, AsValue(recv), []Local[Value]{AsValue(NewInt32(s, 6)), AsValue(NewInt32(s, 7))})
		require.True(t, ok)
		assert.Equal(t, int32(142), v.Deref().Int32Value(s))

		ctorVal := mustRun(t, s, "(class Point { constructor(x) { this.x = x } })")
		ctor, ok := TryCast[Function](ctorVal)
		require.True(t, ok)
		obj, ok := ctor.Deref().NewInstance(s, []Local[Value]{AsValue(NewInt32(s, 3))})
		require.True(t, ok)
		x, ok := obj.Deref().GetNamed(s, "x")
		require.True(t, ok)
		assert.Equal(t, int32(3), x.Deref().Int32Value(s))
	})
}

func TestGlobalTemplate(t *testing.T) {
	iso := NewIsolate(CreateParams{})
	defer iso.Dispose()

	hs := iso.NewHandleScope()
	global := NewObjectTemplate(hs)
	global.Deref().Set(hs, "answer", AsPrimitive(NewInt32(hs, 42)))
	global.Deref().SetReadOnly(hs, "name", AsPrimitive(mustString(t, hs, "hostv8")))
	global.Deref().SetFunctionTemplate(hs, "twice", NewFunctionTemplate(hs, func(cs *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue) {
		rv.Set(AsValue(NewNumber(cs, 2*args.Get(0).Deref().NumberValue(cs))))
	}))
	nested := NewObjectTemplate(hs)
	nested.Deref().Set(hs, "flag", AsPrimitive(NewBoolean(hs, true)))
	global.Deref().SetObjectTemplate(hs, "config", nested)

	ctx := NewContext(hs, ContextOptions{GlobalTemplate: global})
	cs := NewContextScope(hs, ctx)
	v := mustRun(t, cs, "name = 'changed'; [answer, twice(21), name, config.flag].join(',')")
	assert.Equal(t, "42,42,hostv8,true", v.Deref().ToGoString(cs))

	inst, ok := nested.Deref().NewInstance(cs)
	require.True(t, ok)
	flag, ok := inst.Deref().GetNamed(cs, "flag")
	require.True(t, ok)
	assert.True(t, flag.Deref().BooleanValue(cs))
	cs.Close()
	hs.Close()
}

// callThrowing calls a function that throws the value of expr and returns
// what the try-catch saw.
func callThrowing(t *testing.T, tc *TryCatch[WithContext], expr string) Local[Value] {
	t.Helper()
	fnVal := mustRun(t, tc, "(function () { throw "+expr+" })")
	fn, ok := TryCast[Function](fnVal)
	require.True(t, ok)
	_, ok = fn.Deref().Call(tc, AsValue(Undefined(tc)), nil)
	assert.False(t, ok)
	require.True(t, tc.HasCaught())
	exc, ok := tc.Exception()
	require.True(t, ok)
	return exc
}

func TestCallKeepsThrownValue(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		defer tc.Close()

		exc := callThrowing(t, tc, "42")
		assert.True(t, exc.Deref().IsNumber())
		assert.Equal(t, 42.0, exc.Deref().NumberValue(tc))
		tc.Reset()

		exc = callThrowing(t, tc, "{a: 1}")
		require.True(t, exc.Deref().IsObject())
		obj, ok := TryCast[Object](exc)
		require.True(t, ok)
		a, ok := obj.Deref().GetNamed(tc, "a")
		require.True(t, ok)
		assert.Equal(t, int32(1), a.Deref().Int32Value(tc))
		tc.Reset()

		exc = callThrowing(t, tc, "'TypeError: not really'")
		assert.True(t, exc.Deref().IsString())
		assert.False(t, exc.Deref().IsNativeError())
		assert.Equal(t, "TypeError: not really", exc.Deref().ToGoString(tc))
	})
}

func TestCallThrownErrorKeepsIdentityAndLocation(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		mustRun(t, s, "var boom = new RangeError('far');\nfunction thrower() {\n  throw boom;\n}")
		fnVal := mustRun(t, s, "thrower")
		fn, ok := TryCast[Function](fnVal)
		require.True(t, ok)

		outer := s.NewTryCatch()
		inner := outer.NewTryCatch()
		_, ok = fn.Deref().Call(inner, AsValue(Undefined(inner)), nil)
		assert.False(t, ok)
		msg, ok := inner.Message()
		require.True(t, ok)
		assert.Equal(t, "Uncaught RangeError: far", msg.Deref().Text())
		assert.Equal(t, "test.js", msg.Deref().ScriptResourceName())
		line, ok := msg.Deref().LineNumber()
		require.True(t, ok)
		assert.Equal(t, 1, line)

		_, ok = inner.ReThrow()
		require.True(t, ok)
		inner.Close()
		exc, ok := outer.Exception()
		require.True(t, ok)
		assert.True(t, exc.Deref().SameValue(mustRun(t, outer, "boom").Deref()))
		outer.Close()
	})
}

func TestNewInstanceKeepsThrownValue(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		ctorVal := mustRun(t, s, "(class { constructor() { throw 7 } })")
		ctor, ok := TryCast[Function](ctorVal)
		require.True(t, ok)
		tc := s.NewTryCatch()
		defer tc.Close()
		_, ok = ctor.Deref().NewInstance(tc, nil)
		assert.False(t, ok)
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.True(t, exc.Deref().IsNumber())
		assert.Equal(t, 7.0, exc.Deref().NumberValue(tc))
	})
}
