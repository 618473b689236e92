package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribePublish(t *testing.T) {
	var h Hub[int]
	var got1, got2 []int

	unsub1 := h.Subscribe(func(v int) { got1 = append(got1, v) })
	unsub2 := h.Subscribe(func(v int) { got2 = append(got2, v) })
	require.Equal(t, 2, h.Len())

	h.Publish(1)
	unsub1()
	unsub1()
	h.Publish(2)
	unsub2()
	h.Publish(3)

	assert.Equal(t, []int{1}, got1)
	assert.Equal(t, []int{1, 2}, got2)
	assert.Zero(t, h.Len())
}

func TestHub_PanicIsolated(t *testing.T) {
	var faults []any
	h := New[string](func(r any) { faults = append(faults, r) })

	var delivered int
	h.Subscribe(func(string) { panic("subscriber failed") })
	h.Subscribe(func(string) { delivered++ })

	require.NotPanics(t, func() { h.Publish("event") })
	assert.Equal(t, 1, delivered)
	require.Len(t, faults, 1)
	assert.Equal(t, "subscriber failed", faults[0])

	err := PanicError{Value: faults[0]}
	assert.EqualError(t, err, "subscriber panicked: subscriber failed")
}

func TestHub_UnsubscribeDuringPublish(t *testing.T) {
	var h Hub[int]
	var unsub func()
	calls := 0
	unsub = h.Subscribe(func(int) {
		calls++
		unsub()
	})

	h.Publish(1)
	h.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestHub_Concurrent(t *testing.T) {
	h := New[int](nil)
	var mu sync.Mutex
	sum := 0
	h.Subscribe(func(v int) {
		mu.Lock()
		sum += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.Publish(1)
				unsub := h.Subscribe(func(int) {})
				unsub()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, sum)
	assert.Equal(t, 1, h.Len())
}
