package hostv8

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScript(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		v := mustRun(t, s, "1 + 1")
		assert.True(t, v.Deref().IsInt32())
		assert.Equal(t, int32(2), v.Deref().Int32Value(s))
		assert.Equal(t, "2", v.Deref().ToGoString(s))
	})
}

func TestThrownStringIsCaught(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		_, ok := run(t, tc, "throw 'oops'")
		assert.False(t, ok)
		require.True(t, tc.HasCaught())
		assert.True(t, tc.CanContinue())
		assert.False(t, tc.HasTerminated())

		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.Equal(t, "oops", exc.Deref().ToGoString(tc))

		msg, ok := tc.Message()
		require.True(t, ok)
		assert.Equal(t, "Uncaught oops", msg.Deref().Text())
		assert.Equal(t, "Uncaught oops", msg.Deref().Get(tc).Deref().String())

		tc.Reset()
		assert.False(t, tc.HasCaught())
		_, ok = tc.Exception()
		assert.False(t, ok)
		tc.Close()
	})
}

func TestErrorMessageLocation(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		_, ok := run(t, tc, "let a = 1;\nundefinedFunction();")
		assert.False(t, ok)
		require.True(t, tc.HasCaught())

		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.True(t, exc.Deref().IsNativeError())
		assert.Contains(t, exc.Deref().ToGoString(tc), "ReferenceError")

		msg, ok := tc.Message()
		require.True(t, ok)
		m := msg.Deref()
		assert.Equal(t, "test.js", m.ScriptResourceName())
		line, ok := m.LineNumber()
		require.True(t, ok)
		assert.Equal(t, 2, line)
		src, ok := m.SourceLine(tc)
		require.True(t, ok)
		assert.Equal(t, "undefinedFunction();", src.Deref().String())
		assert.Equal(t, 0, m.StartColumn())
		assert.Equal(t, len("undefinedFunction"), m.EndColumn())

		_, ok = tc.StackTrace()
		assert.True(t, ok)
		tc.Close()
	})
}

func TestSyntaxErrorFailsCompile(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		_, ok := Compile(tc, mustString(t, tc, "let = ;"), nil)
		assert.False(t, ok)
		require.True(t, tc.HasCaught())
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.Contains(t, exc.Deref().ToGoString(tc), "SyntaxError")
		tc.Close()
	})
}

func TestUncaughtExceptionReachesListener(t *testing.T) {
	withContext(t, func(iso *Isolate, s *HandleScope[WithContext]) {
		var texts []string
		iso.AddMessageListener(func(s Scope, message Local[Message], exception Local[Value]) {
			texts = append(texts, message.Deref().Text())
		})

		_, ok := run(t, s, "throw new TypeError('bad')")
		assert.False(t, ok)
		assert.Equal(t, []string{"Uncaught TypeError: bad"}, texts)

		tc := s.NewTryCatch()
		run(t, tc, "throw 1")
		assert.Len(t, texts, 1, "a quiet try-catch hides the exception")
		tc.SetVerbose(true)
		assert.True(t, tc.IsVerbose())
		run(t, tc, "throw 2")
		assert.Equal(t, "Uncaught 2", texts[len(texts)-1])
		tc.Close()
	})
}

func TestReThrowReachesOuterTryCatch(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		outer := s.NewTryCatch()
		inner := outer.NewTryCatch()
		run(t, inner, "throw 'again'")
		require.True(t, inner.HasCaught())
		v, ok := inner.ReThrow()
		require.True(t, ok)
		assert.Equal(t, "again", v.Deref().ToGoString(inner))
		assert.False(t, inner.HasCaught())
		inner.Close()

		require.True(t, outer.HasCaught())
		exc, ok := outer.Exception()
		require.True(t, ok)
		assert.Equal(t, "again", exc.Deref().ToGoString(outer))
		outer.Close()
	})
}

func TestCaptureMessageOff(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		tc.SetCaptureMessage(false)
		run(t, tc, "throw 'x'")
		require.True(t, tc.HasCaught())
		_, ok := tc.Message()
		assert.False(t, ok)
		tc.Close()
	})
}

func TestCodeCacheRoundTrip(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		src := &Source{Code: "function sq(x) { return x * x } sq(12)", Origin: ScriptOrigin{ResourceName: "sq.js"}}
		u, ok := CompileUnboundScript(s, src)
		require.True(t, ok)
		cache := u.Deref().CreateCodeCache()
		require.NotEmpty(t, cache)

		again := &Source{Code: src.Code, Origin: src.Origin, CachedData: cache}
		u2, ok := CompileUnboundScript(s, again)
		require.True(t, ok)
		assert.False(t, again.CachedDataRejected())

		v, ok := u2.Deref().BindToCurrentContext(s).Deref().Run(s)
		require.True(t, ok)
		assert.Equal(t, int32(144), v.Deref().Int32Value(s))

		bad := &Source{Code: src.Code, CachedData: []byte("not a code cache")}
		_, ok = CompileUnboundScript(s, bad)
		require.True(t, ok)
		assert.True(t, bad.CachedDataRejected())
	})
}

func TestScriptUnboundRoundTrip(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		script, ok := Compile(s, mustString(t, s, "'bound'"), nil)
		require.True(t, ok)
		u := script.Deref().GetUnboundScript(s)
		v, ok := u.Deref().BindToCurrentContext(s).Deref().Run(s)
		require.True(t, ok)
		assert.Equal(t, "bound", v.Deref().ToGoString(s))
	})
}

func TestTerminateExecution(t *testing.T) {
	withContext(t, func(iso *Isolate, s *HandleScope[WithContext]) {
		h := iso.Handle()
		go func() {
			time.Sleep(50 * time.Millisecond)
			h.TerminateExecution()
		}()

		tc := s.NewTryCatch()
		_, ok := run(t, tc, "for (;;) {}")
		assert.False(t, ok)
		require.True(t, tc.HasCaught())
		assert.True(t, tc.HasTerminated())
		assert.False(t, tc.CanContinue())
		_, ok = tc.Exception()
		assert.False(t, ok, "a termination has no exception value")
		assert.True(t, iso.IsExecutionTerminating())

		tc.Reset()
		_, ok = run(t, tc, "1")
		assert.False(t, ok, "script stays blocked until the termination is cancelled")
		assert.True(t, tc.HasTerminated())

		iso.CancelTerminateExecution()
		assert.False(t, iso.IsExecutionTerminating())
		tc.Reset()
		v := mustRun(t, tc, "5")
		assert.Equal(t, int32(5), v.Deref().Int32Value(tc))
		tc.Close()
	})
}

func TestIsolateHandleOutlivesIsolate(t *testing.T) {
	iso := NewIsolate(CreateParams{})
	h := iso.Handle()
	assert.False(t, h.IsDisposed())
	iso.Dispose()
	assert.True(t, h.IsDisposed())
	assert.False(t, h.TerminateExecution())
	assert.False(t, h.IsExecutionTerminating())
}

func TestThrownStringLookingLikeErrorStaysString(t *testing.T) {
	withContext(t, func(_ *Isolate, s *HandleScope[WithContext]) {
		tc := s.NewTryCatch()
		defer tc.Close()
		run(t, tc, "throw 'TypeError: only text'")
		exc, ok := tc.Exception()
		require.True(t, ok)
		assert.True(t, exc.Deref().IsString())
		assert.False(t, exc.Deref().IsNativeError())
		assert.Equal(t, "TypeError: only text", exc.Deref().ToGoString(tc))
	})
}
