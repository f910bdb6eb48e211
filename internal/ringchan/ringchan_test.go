package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestPush_EvictsOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	require.Equal(t, 3, r.Len())
	var got []int
	for {
		v, ok := r.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "only the newest values MUST survive")

	st := r.Stats()
	assert.Equal(t, int64(5), st.Pushed)
	assert.Equal(t, int64(2), st.Evicted)
	assert.Equal(t, int64(3), st.Delivered)
}

func TestPush_ReportsEviction(t *testing.T) {
	r := New[string](1)
	assert.False(t, r.Push("a"))
	assert.True(t, r.Push("b"))

	v, ok := r.Receive()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTryPush_Full(t *testing.T) {
	r := New[int](1)
	assert.True(t, r.TryPush(1))
	assert.False(t, r.TryPush(2), "TryPush MUST NOT evict")
	assert.Equal(t, 1, <-r.C())
}

func TestTryReceive_Empty(t *testing.T) {
	r := New[int](2)
	v, ok := r.TryReceive()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestClose_EndsRange(t *testing.T) {
	r := New[int](4)
	r.Push(1)
	r.Push(2)
	r.Close()

	var got []int
	for v := range r.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)

	_, ok := r.Receive()
	assert.False(t, ok)
}

func TestPush_ConcurrentProducers(t *testing.T) {
	r := New[int](8)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, r.Len())
	st := r.Stats()
	assert.Equal(t, int64(400), st.Pushed)
	assert.Equal(t, int64(392), st.Evicted)
}
