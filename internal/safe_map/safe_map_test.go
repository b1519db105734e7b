package safe_map

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeMap_Basic(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())

	m.Store("a", 1)
	m.Store("b", 2)

	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Load("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestSafeMap_Overwrite(t *testing.T) {
	m := NewSafeMap[string, string]()
	m.Store("k", "first")
	m.Store("k", "second")

	v, _ := m.Load("k")
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, m.Len())
}

func TestSafeMap_ConcurrentAccess(t *testing.T) {
	m := NewSafeMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := base*100 + j
				m.Store(key, key)
				m.Load(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, m.Len())
}
