package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/engine/enginetest"
)

func newTestRegistry(timeout time.Duration) *Registry {
	return New(Options{Timeout: timeout, Logger: zerolog.Nop()})
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	r := newTestRegistry(0)
	first := enginetest.New("net", engine.Document{"mtu": 1500})
	second := enginetest.New("net", engine.Document{"mtu": 9000})

	require.NoError(t, r.Register(first))
	err := r.Register(second)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.Equal(t, "conflict", engine.KindOf(err))

	list := r.List()
	require.Len(t, list, 1)
	got, ok := r.Get("net")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegister_ConcurrentSameName(t *testing.T) {
	r := newTestRegistry(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(enginetest.New("dbus", nil)) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, r.Len())
}

func TestList_SortedByName(t *testing.T) {
	r := newTestRegistry(0)
	for _, n := range []string{"traffic", "container", "network"} {
		require.NoError(t, r.Register(enginetest.New(n, nil)))
	}
	names := make([]string, 0)
	for _, md := range r.List() {
		names = append(names, md.Name)
	}
	assert.Equal(t, []string{"container", "network", "traffic"}, names)
	assert.Equal(t, names, r.Names())
}

func TestUnregister_BlockedByLease(t *testing.T) {
	r := newTestRegistry(0)
	require.NoError(t, r.Register(enginetest.New("net", nil)))

	h, err := r.Acquire("net")
	require.NoError(t, err)

	err = r.Unregister("net")
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))

	h.Release()
	h.Release()
	require.NoError(t, r.Unregister("net"))
	_, ok := r.Get("net")
	assert.False(t, ok)

	assert.Equal(t, "not_found", engine.KindOf(r.Unregister("net")))
}

func TestAcquire_NotFound(t *testing.T) {
	r := newTestRegistry(0)
	_, err := r.Acquire("ghost")
	require.Error(t, err)
	assert.Equal(t, "not_found", engine.KindOf(err))
}

func TestSubscribe(t *testing.T) {
	r := newTestRegistry(0)
	var events []Event
	r.Subscribe(func(e Event) { events = append(events, e) })

	require.NoError(t, r.Register(enginetest.New("net", nil)))
	require.NoError(t, r.Unregister("net"))

	require.Len(t, events, 2)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, EventUnregistered, events[1].Type)
	assert.Equal(t, "net", events[1].Plugin)
}

func TestHandle_Scenario(t *testing.T) {
	r := newTestRegistry(0)
	p := enginetest.New("net", engine.Document{"mtu": 1500})
	require.NoError(t, r.Register(p))

	h, err := r.Acquire("net")
	require.NoError(t, err)
	defer h.Release()

	ctx := context.Background()
	desired := engine.Document{"mtu": 9000}

	d, err := h.Diff(ctx, desired)
	require.NoError(t, err)
	require.Contains(t, d.Changed, "mtu")
	assert.Equal(t, engine.Change{Old: 1500, New: 9000}, d.Changed["mtu"])

	res, err := h.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Equal(t, engine.ApplySuccess, res.Status)
	assert.Equal(t, []string{"mtu"}, res.Applied)

	d, err = h.Diff(ctx, desired)
	require.NoError(t, err)
	assert.True(t, d.IsEmpty())

	res, err = h.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Equal(t, engine.ApplySuccess, res.Status)
	assert.Empty(t, res.Applied)
}

func TestHandle_DiffIsPure(t *testing.T) {
	r := newTestRegistry(0)
	p := enginetest.New("net", engine.Document{"mtu": 1500})
	require.NoError(t, r.Register(p))
	h, _ := r.Acquire("net")
	defer h.Release()

	before, err := h.Query(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.Diff(context.Background(), engine.Document{"mtu": 9000})
		require.NoError(t, err)
	}
	after, err := h.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHandle_ApplyIsSerialized(t *testing.T) {
	r := newTestRegistry(time.Second)
	p := enginetest.New("net", nil)
	p.ApplyDelay = 20 * time.Millisecond
	require.NoError(t, r.Register(p))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire("net")
			if err != nil {
				return
			}
			defer h.Release()
			_, _ = h.Apply(context.Background(), engine.Document{"mtu": 1000 + i})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, p.Applies())
	assert.Equal(t, 1, p.MaxConcurrentApplies())
}

func TestHandle_Timeout(t *testing.T) {
	r := newTestRegistry(20 * time.Millisecond)
	p := enginetest.New("slow", nil)
	p.ApplyDelay = 200 * time.Millisecond
	require.NoError(t, r.Register(p))

	h, _ := r.Acquire("slow")
	defer h.Release()

	start := time.Now()
	res, err := h.Apply(context.Background(), engine.Document{"x": 1})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, "unreachable", engine.KindOf(err))
	assert.Equal(t, engine.ApplyFailure, res.Status)
}

func TestHandle_CancelledWhileWaitingForLock(t *testing.T) {
	r := newTestRegistry(time.Second)
	p := enginetest.New("net", nil)
	p.ApplyDelay = 100 * time.Millisecond
	require.NoError(t, r.Register(p))

	h, _ := r.Acquire("net")
	defer h.Release()

	started := make(chan struct{})
	p.OnApply = func() { close(started) }
	go func() { _, _ = h.Apply(context.Background(), engine.Document{"a": 1}) }()
	<-started
	p.OnApply = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.Apply(ctx, engine.Document{"a": 2})
	require.Error(t, err)
	assert.Equal(t, "cancelled", engine.KindOf(err))
	assert.Equal(t, engine.ApplyFailure, res.Status)
}

func TestHandle_ReleasedHandleRejectsCalls(t *testing.T) {
	r := newTestRegistry(0)
	require.NoError(t, r.Register(enginetest.New("net", nil)))
	h, _ := r.Acquire("net")
	h.Release()

	_, err := h.Query(context.Background())
	require.Error(t, err)
}
