package trampoline

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type greeter interface {
	Greet() string
}

type header struct {
	vtable uintptr
}

type base struct {
	header header
	layout Layout
}

const headerOffset = unsafe.Offsetof(base{}.header)

func dispatchGreeter(h *header) greeter {
	b := (*base)(BaseOf(unsafe.Pointer(h), headerOffset))
	return Dispatch[greeter](b.layout, unsafe.Pointer(b))
}

type baseFirst struct {
	base
	name string
}

func (g *baseFirst) Greet() string { return "first " + g.name }

type baseMiddle struct {
	id    uint64
	flag  bool
	inner base
	name  string
}

func (g *baseMiddle) Greet() string { return "middle " + g.name }

type baseLast struct {
	payload [37]byte
	name    string
	b       base
}

func (g *baseLast) Greet() string { return "last " + g.name }

func TestDispatchRecoversEmbedder(t *testing.T) {
	first := &baseFirst{name: "a"}
	first.base.layout = Probe[greeter, base, baseFirst]()

	middle := &baseMiddle{name: "b"}
	middle.inner.layout = Probe[greeter, base, baseMiddle]()

	last := &baseLast{name: "c"}
	last.b.layout = Probe[greeter, base, baseLast]()

	cases := []struct {
		name     string
		header   *header
		embedder unsafe.Pointer
		want     string
	}{
		{"first", &first.base.header, unsafe.Pointer(first), "first a"},
		{"middle", &middle.inner.header, unsafe.Pointer(middle), "middle b"},
		{"last", &last.b.header, unsafe.Pointer(last), "last c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := dispatchGreeter(tc.header)
			require.NotNil(t, g)
			assert.Equal(t, tc.want, g.Greet())
			data := (*iface)(unsafe.Pointer(&g)).data
			assert.Equal(t, tc.embedder, data, "trait object must point at the embedder")
		})
	}
}

func TestProbeOffsets(t *testing.T) {
	assert.Equal(t, uintptr(0), Probe[greeter, base, baseFirst]().Offset())
	assert.Equal(t, unsafe.Offsetof(baseMiddle{}.inner), Probe[greeter, base, baseMiddle]().Offset())
	assert.Equal(t, unsafe.Offsetof(baseLast{}.b), Probe[greeter, base, baseLast]().Offset())
}

func TestProbeIsCached(t *testing.T) {
	a := Probe[greeter, base, baseMiddle]()
	b := Probe[greeter, base, baseMiddle]()
	assert.Equal(t, a, b)
}

type noBase struct{ name string }

func (n *noBase) Greet() string { return n.name }

type twoBases struct {
	a, b base
}

func (t *twoBases) Greet() string { return "" }

func TestProbeRejectsBadLayouts(t *testing.T) {
	assert.Panics(t, func() { Probe[greeter, base, noBase]() })
	assert.Panics(t, func() { Probe[greeter, base, twoBases]() })
	assert.Panics(t, func() { Probe[*baseFirst, base, baseFirst]() })
}

func TestDispatchZeroLayoutPanics(t *testing.T) {
	var b base
	assert.Panics(t, func() { Dispatch[greeter](b.layout, unsafe.Pointer(&b)) })
}

// Many live embedders of the same type all dispatch back to themselves.
func TestDispatchManyInstances(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.String(), 1, 32).Draw(t, "names")
		layout := Probe[greeter, base, baseMiddle]()
		values := make([]*baseMiddle, len(names))
		for i, n := range names {
			values[i] = &baseMiddle{id: uint64(i), name: n}
			values[i].inner.layout = layout
		}
		for i, v := range values {
			g := dispatchGreeter(&v.inner.header)
			got, ok := g.(*baseMiddle)
			if !ok || got != v {
				t.Fatalf("instance %d dispatched to %p, want %p", i, got, v)
			}
			if g.Greet() != "middle "+names[i] {
				t.Fatalf("instance %d greeted %q", i, g.Greet())
			}
		}
	})
}
